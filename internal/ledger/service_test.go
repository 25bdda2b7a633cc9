package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

func newRide(t *testing.T, svc *Service) *models.Ride {
	t.Helper()
	r, err := svc.Create(context.Background(), models.RideRequest{
		RequesterID: "shop-1",
		Pickup:      models.Coord{Lat: 0.001},
		Dropoff:     models.Coord{Lat: 0.02},
		FareAmount:  450,
		OrderAmount: 2300,
	})
	if err != nil {
		t.Fatalf("create ride: %v", err)
	}
	return r
}

func newSvc() (*Service, *MemoryStore) {
	store := NewMemoryStore()
	return NewService(store, logging.NewLogger("error")), store
}

func accept(t *testing.T, svc *Service, rideID, courierID string) {
	t.Helper()
	if _, err := svc.Assign(context.Background(), rideID, courierID); err != nil {
		t.Fatalf("assign: %v", err)
	}
}

func TestCreateGeneratesOTP(t *testing.T) {
	svc, _ := newSvc()
	r := newRide(t, svc)
	if len(r.OTP) != 4 {
		t.Fatalf("expected 4-digit otp, got %q", r.OTP)
	}
	if r.State != models.StatePending {
		t.Fatalf("expected pending, got %s", r.State)
	}
}

func TestCreateHonorsCollaboratorSeed(t *testing.T) {
	ctx := context.Background()
	svc, _ := newSvc()
	r, err := svc.Create(ctx, models.RideRequest{
		RequesterID: "shop-1",
		Pickup:      models.Coord{Lat: 0.001},
		Dropoff:     models.Coord{Lat: 0.02},
		FareAmount:  450,
		OTPSeed:     "778899",
	})
	if err != nil {
		t.Fatalf("create ride: %v", err)
	}
	if r.OTP != "778899" {
		t.Fatalf("expected supplied seed as otp, got %q", r.OTP)
	}
	accept(t, svc, r.ID, "c1")
	if _, err := svc.Start(ctx, r.ID, "c1", "778899"); err != nil {
		t.Fatalf("start with supplied seed: %v", err)
	}
}

func TestStartRequiresExactOTP(t *testing.T) {
	ctx := context.Background()
	svc, _ := newSvc()
	r := newRide(t, svc)
	accept(t, svc, r.ID, "c1")

	if _, err := svc.Start(ctx, r.ID, "c1", "0000x"); !errors.Is(err, ErrOTPMismatch) {
		t.Fatalf("expected ErrOTPMismatch, got %v", err)
	}
	// mismatch is recoverable: the ride must still be accepted
	got, _ := svc.Get(ctx, r.ID)
	if got.State != models.StateAccepted {
		t.Fatalf("state changed on otp mismatch: %s", got.State)
	}

	started, err := svc.Start(ctx, r.ID, "c1", r.OTP)
	if err != nil {
		t.Fatalf("start with correct otp: %v", err)
	}
	if started.State != models.StateStarted || started.StartedAt == nil {
		t.Fatalf("unexpected ride after start: %+v", started)
	}

	// replaying the same otp after success is a no-op success
	again, err := svc.Start(ctx, r.ID, "c1", r.OTP)
	if err != nil {
		t.Fatalf("replayed start should succeed, got %v", err)
	}
	if !again.StartedAt.Equal(*started.StartedAt) {
		t.Fatal("replayed start must not move the started timestamp")
	}
}

func TestStartRejectsWrongCourier(t *testing.T) {
	ctx := context.Background()
	svc, _ := newSvc()
	r := newRide(t, svc)
	accept(t, svc, r.ID, "c1")
	if _, err := svc.Start(ctx, r.ID, "c2", r.OTP); !errors.Is(err, ErrIneligible) {
		t.Fatalf("expected ErrIneligible, got %v", err)
	}
}

func TestCompleteRequiresEvidence(t *testing.T) {
	ctx := context.Background()
	svc, _ := newSvc()
	r := newRide(t, svc)
	accept(t, svc, r.ID, "c1")
	if _, err := svc.Start(ctx, r.ID, "c1", r.OTP); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := svc.Complete(ctx, r.ID, "c1", ""); !errors.Is(err, ErrMissingEvidence) {
		t.Fatalf("expected ErrMissingEvidence, got %v", err)
	}
	got, _ := svc.Get(ctx, r.ID)
	if got.State != models.StateStarted {
		t.Fatalf("state changed on missing evidence: %s", got.State)
	}

	done, err := svc.Complete(ctx, r.ID, "c1", "photo:abc123")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.State != models.StateCompleted || done.EvidenceRef != "photo:abc123" {
		t.Fatalf("unexpected ride after complete: %+v", done)
	}
}

func TestSkippingStatesIsRejected(t *testing.T) {
	ctx := context.Background()
	svc, _ := newSvc()
	r := newRide(t, svc)
	// pending -> started directly must never pass, even with the right otp
	if _, err := svc.Start(ctx, r.ID, "c1", r.OTP); !errors.Is(err, ErrIneligible) {
		t.Fatalf("expected ErrIneligible for unassigned courier, got %v", err)
	}
	accept(t, svc, r.ID, "c1")
	// accepted -> completed skips started
	if _, err := svc.Complete(ctx, r.ID, "c1", "photo:x"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCancelOnlyBeforeStart(t *testing.T) {
	ctx := context.Background()
	svc, _ := newSvc()

	r := newRide(t, svc)
	if _, err := svc.Cancel(ctx, r.ID, "shop-1"); err != nil {
		t.Fatalf("cancel pending: %v", err)
	}

	r2 := newRide(t, svc)
	accept(t, svc, r2.ID, "c1")
	cancelled, err := svc.Cancel(ctx, r2.ID, "shop-1")
	if err != nil {
		t.Fatalf("cancel accepted: %v", err)
	}
	if cancelled.CourierID != "" {
		t.Fatalf("cancel must release the assignment, courier=%q", cancelled.CourierID)
	}

	r3 := newRide(t, svc)
	accept(t, svc, r3.ID, "c1")
	if _, err := svc.Start(ctx, r3.ID, "c1", r3.OTP); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.Cancel(ctx, r3.ID, "shop-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition once started, got %v", err)
	}
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	ctx := context.Background()
	svc, _ := newSvc()
	r := newRide(t, svc)
	accept(t, svc, r.ID, "c1")
	if _, err := svc.Start(ctx, r.ID, "c1", r.OTP); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.Complete(ctx, r.ID, "c1", "photo:x"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := svc.Cancel(ctx, r.ID, "shop-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancel after complete should fail, got %v", err)
	}
	if err := svc.Expire(ctx, r.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expire after complete should conflict, got %v", err)
	}
}

func TestExpireLosesAgainstAccept(t *testing.T) {
	ctx := context.Background()
	svc, _ := newSvc()
	r := newRide(t, svc)
	accept(t, svc, r.ID, "c1")
	if err := svc.Expire(ctx, r.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	got, _ := svc.Get(ctx, r.ID)
	if got.State != models.StateAccepted {
		t.Fatalf("expire must not clobber an accepted ride, got %s", got.State)
	}
}

func TestAssignmentInvariant(t *testing.T) {
	// assigned courier is set iff the state is accepted, started or completed
	ctx := context.Background()
	svc, _ := newSvc()
	r := newRide(t, svc)
	check := func(want bool) {
		t.Helper()
		got, _ := svc.Get(ctx, r.ID)
		if (got.CourierID != "") != want {
			t.Fatalf("state %s: courier assignment = %q, want set=%v", got.State, got.CourierID, want)
		}
	}
	check(false)
	accept(t, svc, r.ID, "c1")
	check(true)
	if _, err := svc.Start(ctx, r.ID, "c1", r.OTP); err != nil {
		t.Fatalf("start: %v", err)
	}
	check(true)
	if _, err := svc.Complete(ctx, r.ID, "c1", "photo:x"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	check(true)
}

func TestEveryTransitionIsLogged(t *testing.T) {
	ctx := context.Background()
	svc, store := newSvc()
	r := newRide(t, svc)
	accept(t, svc, r.ID, "c1")
	if _, err := svc.Start(ctx, r.ID, "c1", r.OTP); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.Complete(ctx, r.ID, "c1", "photo:x"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	events := store.Events()
	if len(events) != 4 { // create, accept, start, complete
		t.Fatalf("expected 4 events, got %d: %+v", len(events), events)
	}
	last := events[len(events)-1]
	if last.To != models.StateCompleted || last.At.IsZero() {
		t.Fatalf("unexpected final event: %+v", last)
	}
}

type captureEarnings struct {
	entries []models.EarningsEntry
}

func (c *captureEarnings) RecordEarnings(ctx context.Context, e models.EarningsEntry) error {
	c.entries = append(c.entries, e)
	return nil
}

func TestCompletionEmitsEarningsOnce(t *testing.T) {
	ctx := context.Background()
	svc, _ := newSvc()
	rec := &captureEarnings{}
	svc.Earnings = rec
	r := newRide(t, svc)
	accept(t, svc, r.ID, "c1")
	if _, err := svc.Start(ctx, r.ID, "c1", r.OTP); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.Complete(ctx, r.ID, "c1", "photo:x"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// duplicate complete is a no-op success and must not re-emit
	if _, err := svc.Complete(ctx, r.ID, "c1", "photo:x"); err != nil {
		t.Fatalf("duplicate complete: %v", err)
	}
	if len(rec.entries) != 1 {
		t.Fatalf("expected 1 earnings entry, got %d", len(rec.entries))
	}
	if rec.entries[0].RideFee != 450 || rec.entries[0].OrderAmount != 2300 {
		t.Fatalf("unexpected entry: %+v", rec.entries[0])
	}
}
