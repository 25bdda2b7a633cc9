package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

var ErrNoSession = errors.New("no push session for courier")

// wsEvent is the envelope for every frame pushed to a courier client.
type wsEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// WSSession is one connected courier. Writes are serialized per session;
// gorilla/websocket allows only one concurrent writer.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(event wsEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(event)
}

// WSRegistry is the connection table keyed by courier id. It replaces any
// process-wide socket singleton: each courier holds exactly one session, a
// reconnect displaces the previous one.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession)}
}

func (r *WSRegistry) Add(courierID string, conn *websocket.Conn) {
	r.mu.Lock()
	old := r.sessions[courierID]
	r.sessions[courierID] = &WSSession{conn: conn}
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	} else {
		observability.CouriersOnline.Inc()
	}
}

func (r *WSRegistry) Remove(courierID string, conn *websocket.Conn) {
	r.mu.Lock()
	s, ok := r.sessions[courierID]
	// only drop the entry if it still belongs to this connection;
	// a reconnect may have displaced it already
	if ok && s.conn == conn {
		delete(r.sessions, courierID)
	} else {
		ok = false
	}
	r.mu.Unlock()
	if ok {
		observability.CouriersOnline.Dec()
	}
}

// Push delivers a new-ride offer to the courier's live connection.
func (r *WSRegistry) Push(ctx context.Context, courierID string, offer models.RideOffer) error {
	r.mu.RLock()
	s, ok := r.sessions[courierID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.send(wsEvent{Type: "new-ride", Data: offer})
}
