package earnings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

func newTracker() *Tracker {
	return NewTracker(NewMemoryStore(), logging.NewLogger("error"))
}

func TestStartSessionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	tr := newTracker()
	first, err := tr.StartSession(ctx, "c1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	second, err := tr.StartSession(ctx, "c1")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("second start must return the open session, got %s and %s", first.ID, second.ID)
	}
}

func TestEndSessionWithoutOpenFails(t *testing.T) {
	ctx := context.Background()
	tr := newTracker()
	if _, err := tr.EndSession(ctx, "c1"); !errors.Is(err, ErrNoOpenSession) {
		t.Fatalf("expected ErrNoOpenSession, got %v", err)
	}
}

func TestSessionRollupMatchesDuration(t *testing.T) {
	ctx := context.Background()
	tr := newTracker()
	base := time.Now().Truncate(time.Hour)
	tr.now = func() time.Time { return base }

	if _, err := tr.StartSession(ctx, "c1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	tr.now = func() time.Time { return base.Add(90 * time.Minute) }
	if _, err := tr.EndSession(ctx, "c1"); err != nil {
		t.Fatalf("end: %v", err)
	}

	stats, err := tr.Stats(ctx, "c1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if got := stats.Total.HoursOnline; got != 1.5 {
		t.Fatalf("expected 1.5 hours online, got %f", got)
	}
}

func TestEarningsIdempotentByRideID(t *testing.T) {
	ctx := context.Background()
	tr := newTracker()
	entry := models.EarningsEntry{CourierID: "c1", RideID: "r1", RideFee: 450, OrderAmount: 2300}
	if err := tr.RecordEarnings(ctx, entry); err != nil {
		t.Fatalf("record: %v", err)
	}
	// duplicate completion event delivered at-least-once
	if err := tr.RecordEarnings(ctx, entry); err != nil {
		t.Fatalf("duplicate record: %v", err)
	}
	stats, err := tr.Stats(ctx, "c1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total.Earnings != 450 || stats.Total.Rides != 1 {
		t.Fatalf("duplicate must not double-count: %+v", stats.Total)
	}
	if stats.Total.OrderAmount != 2300 {
		t.Fatalf("order passthrough missing: %+v", stats.Total)
	}
}

func TestStatsWindows(t *testing.T) {
	ctx := context.Background()
	tr := newTracker()
	now := time.Now()
	old := now.AddDate(0, -2, 0) // outside month and week, inside total

	if err := tr.RecordEarnings(ctx, models.EarningsEntry{CourierID: "c1", RideID: "old", RideFee: 100, BookedAt: old}); err != nil {
		t.Fatalf("record old: %v", err)
	}
	if err := tr.RecordEarnings(ctx, models.EarningsEntry{CourierID: "c1", RideID: "fresh", RideFee: 250, BookedAt: now}); err != nil {
		t.Fatalf("record fresh: %v", err)
	}

	stats, err := tr.Stats(ctx, "c1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Today.Earnings != 250 {
		t.Fatalf("today should only see the fresh entry: %+v", stats.Today)
	}
	if stats.ThisMonth.Earnings != 250 {
		t.Fatalf("this month should only see the fresh entry: %+v", stats.ThisMonth)
	}
	if stats.Total.Earnings != 350 || stats.Total.Rides != 2 {
		t.Fatalf("total should see both entries: %+v", stats.Total)
	}
}

type onlineRecorder struct {
	calls []bool
}

func (o *onlineRecorder) SetOnline(ctx context.Context, courierID string, online bool) error {
	o.calls = append(o.calls, online)
	return nil
}

func TestSessionTogglesPresence(t *testing.T) {
	ctx := context.Background()
	tr := newTracker()
	rec := &onlineRecorder{}
	tr.Presence = rec
	if _, err := tr.StartSession(ctx, "c1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := tr.EndSession(ctx, "c1"); err != nil {
		t.Fatalf("end: %v", err)
	}
	if len(rec.calls) != 2 || rec.calls[0] != true || rec.calls[1] != false {
		t.Fatalf("expected online then offline, got %v", rec.calls)
	}
}
