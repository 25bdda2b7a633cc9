package arbiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
)

func newFixture(t *testing.T) (*Arbiter, *ledger.Service, *presence.Index) {
	t.Helper()
	logger := logging.NewLogger("error")
	svc := ledger.NewService(ledger.NewMemoryStore(), logger)
	reg := presence.NewIndex(time.Minute)
	return New(svc, reg, logger), svc, reg
}

func createRide(t *testing.T, svc *ledger.Service) *models.Ride {
	t.Helper()
	r, err := svc.Create(context.Background(), models.RideRequest{
		RequesterID: "shop-1",
		Pickup:      models.Coord{Lat: 0.001},
		Dropoff:     models.Coord{Lat: 0.01},
		FareAmount:  450,
	})
	if err != nil {
		t.Fatalf("create ride: %v", err)
	}
	return r
}

func heartbeat(t *testing.T, reg *presence.Index, id string) {
	t.Helper()
	if err := reg.Heartbeat(context.Background(), models.Heartbeat{CourierID: id}); err != nil {
		t.Fatalf("heartbeat %s: %v", id, err)
	}
}

func TestConcurrentAcceptsExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	arb, svc, reg := newFixture(t)
	ride := createRide(t, svc)

	const attempts = 32
	for i := 0; i < attempts; i++ {
		heartbeat(t, reg, fmt.Sprintf("c%d", i))
	}

	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		courierID := fmt.Sprintf("c%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := arb.TryAccept(ctx, ride.ID, courierID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		if !errors.Is(err, ledger.ErrConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", wins)
	}

	got, err := svc.Get(ctx, ride.ID)
	if err != nil {
		t.Fatalf("get ride: %v", err)
	}
	if got.State != models.StateAccepted {
		t.Fatalf("expected accepted, got %s", got.State)
	}
	if got.CourierID == "" {
		t.Fatal("expected an assigned courier")
	}
	p, err := reg.Get(ctx, got.CourierID)
	if err != nil {
		t.Fatalf("get presence: %v", err)
	}
	if p.CurrentRideID != ride.ID {
		t.Fatalf("winner's current ride should be %s, got %q", ride.ID, p.CurrentRideID)
	}
}

func TestRetryByWinnerIsIdempotent(t *testing.T) {
	ctx := context.Background()
	arb, svc, reg := newFixture(t)
	ride := createRide(t, svc)
	heartbeat(t, reg, "c1")

	if _, err := arb.TryAccept(ctx, ride.ID, "c1"); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	r, err := arb.TryAccept(ctx, ride.ID, "c1")
	if err != nil {
		t.Fatalf("retry by winner should succeed, got %v", err)
	}
	if r.CourierID != "c1" || r.State != models.StateAccepted {
		t.Fatalf("unexpected ride after retry: %+v", r)
	}
}

func TestLoserGetsConflictNotNotFound(t *testing.T) {
	ctx := context.Background()
	arb, svc, reg := newFixture(t)
	ride := createRide(t, svc)
	heartbeat(t, reg, "winner")
	heartbeat(t, reg, "loser")

	if _, err := arb.TryAccept(ctx, ride.ID, "winner"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	_, err := arb.TryAccept(ctx, ride.ID, "loser")
	if !errors.Is(err, ledger.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestUnknownRideIsNotFound(t *testing.T) {
	ctx := context.Background()
	arb, _, reg := newFixture(t)
	heartbeat(t, reg, "c1")
	_, err := arb.TryAccept(ctx, "nope", "c1")
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBusyCourierIsIneligible(t *testing.T) {
	ctx := context.Background()
	arb, svc, reg := newFixture(t)
	first := createRide(t, svc)
	second := createRide(t, svc)
	heartbeat(t, reg, "c1")

	if _, err := arb.TryAccept(ctx, first.ID, "c1"); err != nil {
		t.Fatalf("accept first: %v", err)
	}
	_, err := arb.TryAccept(ctx, second.ID, "c1")
	if !errors.Is(err, ledger.ErrIneligible) {
		t.Fatalf("expected ErrIneligible, got %v", err)
	}
}

func TestUnknownCourierIsIneligible(t *testing.T) {
	ctx := context.Background()
	arb, svc, _ := newFixture(t)
	ride := createRide(t, svc)
	_, err := arb.TryAccept(ctx, ride.ID, "ghost")
	if !errors.Is(err, ledger.ErrIneligible) {
		t.Fatalf("expected ErrIneligible, got %v", err)
	}
}

// laggyRegistry adds a store round-trip's worth of latency to reads, widening
// the window between the eligibility read and the reservation write.
type laggyRegistry struct {
	*presence.Index
}

func (l *laggyRegistry) Get(ctx context.Context, courierID string) (models.CourierPresence, error) {
	time.Sleep(2 * time.Millisecond)
	return l.Index.Get(ctx, courierID)
}

// One courier racing accepts on two different pending rides must end up
// holding exactly one of them; the other ride returns to pending.
func TestOneCourierTwoRidesWinsExactlyOne(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewLogger("error")
	svc := ledger.NewService(ledger.NewMemoryStore(), logger)
	idx := presence.NewIndex(time.Minute)
	arb := New(svc, &laggyRegistry{Index: idx}, logger)

	first := createRide(t, svc)
	second := createRide(t, svc)
	heartbeat(t, idx, "c1")

	var wg sync.WaitGroup
	errs := make(map[string]error, 2)
	var mu sync.Mutex
	for _, id := range []string{first.ID, second.ID} {
		rideID := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := arb.TryAccept(ctx, rideID, "c1")
			mu.Lock()
			errs[rideID] = err
			mu.Unlock()
		}()
	}
	wg.Wait()

	wins := 0
	var wonRide string
	for rideID, err := range errs {
		if err == nil {
			wins++
			wonRide = rideID
			continue
		}
		if !errors.Is(err, ledger.ErrIneligible) && !errors.Is(err, ledger.ErrConflict) {
			t.Fatalf("ride %s: unexpected error %v", rideID, err)
		}
	}
	if wins != 1 {
		t.Fatalf("courier won %d rides, want exactly 1", wins)
	}

	for _, id := range []string{first.ID, second.ID} {
		got, err := svc.Get(ctx, id)
		if err != nil {
			t.Fatalf("get ride %s: %v", id, err)
		}
		if id == wonRide {
			if got.State != models.StateAccepted || got.CourierID != "c1" {
				t.Fatalf("won ride %s: state=%s courier=%q", id, got.State, got.CourierID)
			}
		} else if got.State != models.StatePending || got.CourierID != "" {
			t.Fatalf("lost ride %s should be pending/unassigned, got state=%s courier=%q", id, got.State, got.CourierID)
		}
	}

	p, err := idx.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get presence: %v", err)
	}
	if p.CurrentRideID != wonRide {
		t.Fatalf("current ride = %q, want %q", p.CurrentRideID, wonRide)
	}
}

// failingRegistry wraps the index and fails the post-accept presence write so
// the compensating rollback path is exercised.
type failingRegistry struct {
	*presence.Index
}

func (f *failingRegistry) SetCurrentRide(ctx context.Context, courierID, rideID string) error {
	return errors.New("presence store down")
}

func TestPresenceFailureRollsBackLedger(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewLogger("error")
	svc := ledger.NewService(ledger.NewMemoryStore(), logger)
	idx := presence.NewIndex(time.Minute)
	arb := New(svc, &failingRegistry{Index: idx}, logger)
	ride := createRide(t, svc)
	heartbeat(t, idx, "c1")

	_, err := arb.TryAccept(ctx, ride.ID, "c1")
	if !errors.Is(err, ledger.ErrConflict) {
		t.Fatalf("expected ErrConflict after rollback, got %v", err)
	}
	got, err := svc.Get(ctx, ride.ID)
	if err != nil {
		t.Fatalf("get ride: %v", err)
	}
	if got.State != models.StatePending || got.CourierID != "" {
		t.Fatalf("expected ride rolled back to pending/unassigned, got state=%s courier=%q", got.State, got.CourierID)
	}
}
