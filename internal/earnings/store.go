package earnings

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNoOpenSession = errors.New("no open session")

// Store persists the two append-only logs the tracker is derived from:
// courier sessions and earnings entries. Rollups are always computed from
// these, never stored.
type Store interface {
	OpenSession(ctx context.Context, s *models.Session) error
	CloseSession(ctx context.Context, sessionID string, endedAt time.Time) error
	// OpenSessionFor returns the courier's open session, or ErrNoOpenSession.
	OpenSessionFor(ctx context.Context, courierID string) (*models.Session, error)
	// AppendEarning inserts the entry unless one already exists for the same
	// ride id; it reports whether the entry was actually written.
	AppendEarning(ctx context.Context, e *models.EarningsEntry) (bool, error)
	// EarningsInRange sums fees, order passthrough and ride count for
	// entries booked in [from, to).
	EarningsInRange(ctx context.Context, courierID string, from, to time.Time) (fee, order int64, rides int, err error)
	// SessionSecondsInRange sums closed-session time overlapping [from, to).
	SessionSecondsInRange(ctx context.Context, courierID string, from, to time.Time) (float64, error)
}

type courierLog struct {
	mu       sync.Mutex
	sessions []models.Session
	entries  []models.EarningsEntry
	rideIDs  map[string]struct{}
}

// MemoryStore keeps the logs in process memory, serialized per courier.
type MemoryStore struct {
	mu   sync.Mutex
	logs map[string]*courierLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string]*courierLog)}
}

func (m *MemoryStore) log(courierID string) *courierLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[courierID]
	if !ok {
		l = &courierLog{rideIDs: make(map[string]struct{})}
		m.logs[courierID] = l
	}
	return l
}

func (m *MemoryStore) OpenSession(ctx context.Context, s *models.Session) error {
	l := m.log(s.CourierID)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions = append(l.sessions, *s)
	return nil
}

func (m *MemoryStore) CloseSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	m.mu.Lock()
	logs := make([]*courierLog, 0, len(m.logs))
	for _, l := range m.logs {
		logs = append(logs, l)
	}
	m.mu.Unlock()
	for _, l := range logs {
		l.mu.Lock()
		for i := range l.sessions {
			if l.sessions[i].ID == sessionID && l.sessions[i].EndedAt == nil {
				at := endedAt
				l.sessions[i].EndedAt = &at
				l.mu.Unlock()
				return nil
			}
		}
		l.mu.Unlock()
	}
	return ErrNoOpenSession
}

func (m *MemoryStore) OpenSessionFor(ctx context.Context, courierID string) (*models.Session, error) {
	l := m.log(courierID)
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.sessions) - 1; i >= 0; i-- {
		if l.sessions[i].EndedAt == nil {
			cp := l.sessions[i]
			return &cp, nil
		}
	}
	return nil, ErrNoOpenSession
}

func (m *MemoryStore) AppendEarning(ctx context.Context, e *models.EarningsEntry) (bool, error) {
	l := m.log(e.CourierID)
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.rideIDs[e.RideID]; dup {
		return false, nil
	}
	l.rideIDs[e.RideID] = struct{}{}
	l.entries = append(l.entries, *e)
	return true, nil
}

func (m *MemoryStore) EarningsInRange(ctx context.Context, courierID string, from, to time.Time) (int64, int64, int, error) {
	l := m.log(courierID)
	l.mu.Lock()
	defer l.mu.Unlock()
	var fee, order int64
	rides := 0
	for _, e := range l.entries {
		if e.BookedAt.Before(from) || !e.BookedAt.Before(to) {
			continue
		}
		fee += e.RideFee
		order += e.OrderAmount
		rides++
	}
	return fee, order, rides, nil
}

func (m *MemoryStore) SessionSecondsInRange(ctx context.Context, courierID string, from, to time.Time) (float64, error) {
	l := m.log(courierID)
	l.mu.Lock()
	defer l.mu.Unlock()
	var total float64
	for _, s := range l.sessions {
		if s.EndedAt == nil {
			continue
		}
		start, end := s.StartedAt, *s.EndedAt
		if start.Before(from) {
			start = from
		}
		if end.After(to) {
			end = to
		}
		if end.After(start) {
			total += end.Sub(start).Seconds()
		}
	}
	return total, nil
}
