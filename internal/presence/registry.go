package presence

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrUnknownCourier = errors.New("unknown courier")
	ErrCourierBusy    = errors.New("courier already holds a ride")
)

// Candidate is a presence record plus its distance from a query origin.
type Candidate struct {
	models.CourierPresence
	DistanceM float64
}

// Registry tracks last-known courier positions and availability. Staleness is
// evaluated lazily at read time: a courier whose last heartbeat is older than
// the staleness TTL reads as offline without any explicit go-offline call.
//
// SetCurrentRide is the courier-side reservation: it only succeeds when the
// courier holds no ride or already holds this very ride, and fails with
// ErrCourierBusy otherwise. The check and the write are one atomic step, so
// a courier racing two accepts can never end up reserved twice.
type Registry interface {
	Heartbeat(ctx context.Context, hb models.Heartbeat) error
	Get(ctx context.Context, courierID string) (models.CourierPresence, error)
	Nearby(ctx context.Context, origin models.Coord, radiusM float64, limit int) ([]Candidate, error)
	SetCurrentRide(ctx context.Context, courierID, rideID string) error
	ClearCurrentRide(ctx context.Context, courierID string) error
	SetOnline(ctx context.Context, courierID string, online bool) error
}

// Index is the in-memory Registry used for tests and single-node local runs.
type Index struct {
	mu       sync.RWMutex
	couriers map[string]models.CourierPresence
	ttl      time.Duration
	now      func() time.Time
}

func NewIndex(staleTTL time.Duration) *Index {
	return &Index{
		couriers: make(map[string]models.CourierPresence),
		ttl:      staleTTL,
		now:      time.Now,
	}
}

func (x *Index) Heartbeat(ctx context.Context, hb models.Heartbeat) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	p := x.couriers[hb.CourierID]
	p.CourierID = hb.CourierID
	if hb.Name != "" {
		p.Name = hb.Name
	}
	if hb.Vehicle != "" {
		p.Vehicle = hb.Vehicle
	}
	p.Loc = hb.Loc
	if hb.At.IsZero() {
		p.HeartbeatAt = x.now()
	} else {
		p.HeartbeatAt = hb.At
	}
	p.Online = true
	x.couriers[hb.CourierID] = p
	return nil
}

func (x *Index) Get(ctx context.Context, courierID string) (models.CourierPresence, error) {
	x.mu.RLock()
	p, ok := x.couriers[courierID]
	x.mu.RUnlock()
	if !ok {
		return models.CourierPresence{}, ErrUnknownCourier
	}
	return x.resolve(p), nil
}

func (x *Index) Nearby(ctx context.Context, origin models.Coord, radiusM float64, limit int) ([]Candidate, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]Candidate, 0, len(x.couriers))
	for _, p := range x.couriers {
		d := Haversine(origin.Lat, origin.Lon, p.Loc.Lat, p.Loc.Lon)
		if d > radiusM {
			continue
		}
		out = append(out, Candidate{CourierPresence: x.resolve(p), DistanceM: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceM < out[j].DistanceM })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (x *Index) SetCurrentRide(ctx context.Context, courierID, rideID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	p, ok := x.couriers[courierID]
	if !ok {
		return ErrUnknownCourier
	}
	if p.CurrentRideID != "" && p.CurrentRideID != rideID {
		return ErrCourierBusy
	}
	p.CurrentRideID = rideID
	x.couriers[courierID] = p
	return nil
}

func (x *Index) ClearCurrentRide(ctx context.Context, courierID string) error {
	return x.mutate(courierID, func(p *models.CourierPresence) { p.CurrentRideID = "" })
}

func (x *Index) SetOnline(ctx context.Context, courierID string, online bool) error {
	return x.mutate(courierID, func(p *models.CourierPresence) {
		p.Online = online
		if online {
			p.HeartbeatAt = x.now()
		}
	})
}

func (x *Index) mutate(courierID string, fn func(*models.CourierPresence)) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	p, ok := x.couriers[courierID]
	if !ok {
		return ErrUnknownCourier
	}
	fn(&p)
	x.couriers[courierID] = p
	return nil
}

// resolve applies the lazy staleness rule to the stored record.
func (x *Index) resolve(p models.CourierPresence) models.CourierPresence {
	if p.Online && x.ttl > 0 && x.now().Sub(p.HeartbeatAt) > x.ttl {
		p.Online = false
	}
	return p
}

// Haversine distance in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
