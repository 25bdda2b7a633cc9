package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Pusher is the one-to-many push channel the broadcaster fans out on.
type Pusher interface {
	Push(ctx context.Context, courierID string, offer models.RideOffer) error
}

// FCMPusher posts new-ride offers to an FCM HTTPv1-style endpoint. It is the
// fallback channel for couriers whose app has no live socket.
type FCMPusher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMPusher(endpoint, key string) *FCMPusher {
	return &FCMPusher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMPusher) Push(ctx context.Context, courierID string, offer models.RideOffer) error {
	body := map[string]interface{}{
		"message": map[string]interface{}{
			"topic": "courier-" + courierID,
			"data":  map[string]interface{}{"event": "new-ride", "offer": offer},
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fcm push: status %d", resp.StatusCode)
	}
	return nil
}

// FallbackPusher tries the live socket first and falls back to mobile push
// when the courier is not connected.
type FallbackPusher struct {
	Primary  Pusher
	Fallback Pusher
}

func (p *FallbackPusher) Push(ctx context.Context, courierID string, offer models.RideOffer) error {
	err := p.Primary.Push(ctx, courierID, offer)
	if err == nil || p.Fallback == nil {
		return err
	}
	return p.Fallback.Push(ctx, courierID, offer)
}
