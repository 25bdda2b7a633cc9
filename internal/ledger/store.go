package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Taxonomy shared by the ledger, the arbiter and the HTTP boundary.
// Conflict and OTP mismatch are expected under load and drive client UI;
// InvalidTransition means a stale or buggy client.
var (
	ErrNotFound          = errors.New("ride not found")
	ErrConflict          = errors.New("ride no longer available")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrOTPMismatch       = errors.New("otp mismatch")
	ErrMissingEvidence   = errors.New("completion evidence required")
	ErrIneligible        = errors.New("courier not eligible")
)

// Change is one atomic ledger mutation: the state compare-and-swap plus the
// writes that must land with it. ApplyChange implementations must make the
// state check and every write a single indivisible operation.
type Change struct {
	From          models.RideState
	To            models.RideState
	AssignCourier string // set on accept
	ClearCourier  bool   // set when an assignment is released
	Evidence      string // set on complete
	At            time.Time
}

// RideStore is the persistence contract of the ride ledger.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	// ApplyChange performs the compare-and-swap: it commits the change only
	// if the ride is still in ch.From, and reports false otherwise.
	ApplyChange(ctx context.Context, rideID string, ch Change) (bool, error)
	AppendEvent(ctx context.Context, e *models.RideEvent) error
	// ListByCourier returns rides assigned to the courier in any of the given
	// states, most recently created first.
	ListByCourier(ctx context.Context, courierID string, states []models.RideState, limit int) ([]*models.Ride, error)
}

type rideEntry struct {
	mu   sync.Mutex
	ride models.Ride
}

// MemoryStore keeps the ledger in process memory. Serialization is per ride:
// the map lock only guards entry lookup, each entry carries its own mutex so
// unrelated rides never contend.
type MemoryStore struct {
	mu     sync.RWMutex
	rides  map[string]*rideEntry
	events []models.RideEvent
	evMu   sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*rideEntry)}
}

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return ErrConflict
	}
	cp := *r
	m.rides[r.ID] = &rideEntry{ride: cp}
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	e, ok := m.entry(id)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := e.ride
	return &cp, nil
}

func (m *MemoryStore) ApplyChange(ctx context.Context, rideID string, ch Change) (bool, error) {
	e, ok := m.entry(rideID)
	if !ok {
		return false, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ride.State != ch.From {
		return false, nil
	}
	at := ch.At
	if at.IsZero() {
		at = time.Now()
	}
	e.ride.State = ch.To
	if ch.AssignCourier != "" {
		e.ride.CourierID = ch.AssignCourier
	}
	if ch.ClearCourier {
		e.ride.CourierID = ""
	}
	if ch.Evidence != "" {
		e.ride.EvidenceRef = ch.Evidence
	}
	switch ch.To {
	case models.StateAccepted:
		e.ride.AcceptedAt = &at
	case models.StateStarted:
		e.ride.StartedAt = &at
	case models.StateCompleted:
		e.ride.CompletedAt = &at
	case models.StateCancelled, models.StateExpired:
		e.ride.CancelledAt = &at
	case models.StatePending:
		// compensating rollback of a failed accept
		e.ride.AcceptedAt = nil
	}
	return true, nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, e *models.RideEvent) error {
	m.evMu.Lock()
	defer m.evMu.Unlock()
	m.events = append(m.events, *e)
	return nil
}

func (m *MemoryStore) ListByCourier(ctx context.Context, courierID string, states []models.RideState, limit int) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, e := range m.rides {
		e.mu.Lock()
		r := e.ride
		e.mu.Unlock()
		if r.CourierID != courierID {
			continue
		}
		if !stateIn(r.State, states) {
			continue
		}
		cp := r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Events returns a snapshot of the transition log, mostly for tests.
func (m *MemoryStore) Events() []models.RideEvent {
	m.evMu.Lock()
	defer m.evMu.Unlock()
	out := make([]models.RideEvent, len(m.events))
	copy(out, m.events)
	return out
}

func (m *MemoryStore) entry(id string) (*rideEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.rides[id]
	return e, ok
}

func stateIn(s models.RideState, states []models.RideState) bool {
	if len(states) == 0 {
		return true
	}
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}
