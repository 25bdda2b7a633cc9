package earnings

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// PresenceToggle lets session boundaries flip the courier's availability
// without the tracker depending on the whole registry.
type PresenceToggle interface {
	SetOnline(ctx context.Context, courierID string, online bool) error
}

// Tracker accrues online time and per-ride earnings per courier. All query
// results are derived views over the append-only logs.
type Tracker struct {
	Store    Store
	Presence PresenceToggle // optional
	Logger   *slog.Logger

	now func() time.Time
}

func NewTracker(store Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{Store: store, Logger: logger, now: time.Now}
}

// StartSession opens a session for the courier. Calling it while one is open
// returns the existing session unchanged.
func (t *Tracker) StartSession(ctx context.Context, courierID string) (*models.Session, error) {
	if s, err := t.Store.OpenSessionFor(ctx, courierID); err == nil {
		return s, nil
	} else if !errors.Is(err, ErrNoOpenSession) {
		return nil, err
	}
	s := &models.Session{
		ID:        newID(),
		CourierID: courierID,
		StartedAt: t.now(),
	}
	if err := t.Store.OpenSession(ctx, s); err != nil {
		return nil, err
	}
	t.toggle(ctx, courierID, true)
	t.Logger.Info("session opened", "courier_id", courierID, "session_id", s.ID)
	return s, nil
}

// EndSession closes the courier's open session. Forced closures on
// disconnect timeout go through the same path.
func (t *Tracker) EndSession(ctx context.Context, courierID string) (*models.Session, error) {
	s, err := t.Store.OpenSessionFor(ctx, courierID)
	if err != nil {
		return nil, err
	}
	endedAt := t.now()
	if err := t.Store.CloseSession(ctx, s.ID, endedAt); err != nil {
		return nil, err
	}
	s.EndedAt = &endedAt
	t.toggle(ctx, courierID, false)
	t.Logger.Info("session closed",
		"courier_id", courierID, "session_id", s.ID,
		"duration_s", endedAt.Sub(s.StartedAt).Seconds())
	return s, nil
}

// RecordEarnings books the fee for a completed ride. The ride id is the
// idempotency key: replays of the completion event never double-count.
func (t *Tracker) RecordEarnings(ctx context.Context, e models.EarningsEntry) error {
	if e.BookedAt.IsZero() {
		e.BookedAt = t.now()
	}
	written, err := t.Store.AppendEarning(ctx, &e)
	if err != nil {
		return err
	}
	if !written {
		t.Logger.Debug("duplicate earnings entry ignored", "ride_id", e.RideID)
	}
	return nil
}

// Stats aggregates the standard windows for the courier. Weeks start on
// Monday in the server's local time.
func (t *Tracker) Stats(ctx context.Context, courierID string) (models.CourierStats, error) {
	now := t.now()
	day := startOfDay(now)
	week := startOfWeek(now)
	month := startOfMonth(now)
	farFuture := now.Add(24 * time.Hour)

	stats := models.CourierStats{CourierID: courierID}
	for _, w := range []struct {
		dst  *models.StatsWindow
		from time.Time
	}{
		{&stats.Today, day},
		{&stats.ThisWeek, week},
		{&stats.ThisMonth, month},
		{&stats.Total, time.Time{}},
	} {
		fee, order, rides, err := t.Store.EarningsInRange(ctx, courierID, w.from, farFuture)
		if err != nil {
			return models.CourierStats{}, err
		}
		secs, err := t.Store.SessionSecondsInRange(ctx, courierID, w.from, farFuture)
		if err != nil {
			return models.CourierStats{}, err
		}
		*w.dst = models.StatsWindow{
			Earnings:    fee,
			OrderAmount: order,
			Rides:       rides,
			HoursOnline: secs / 3600,
		}
	}
	return stats, nil
}

func (t *Tracker) toggle(ctx context.Context, courierID string, online bool) {
	if t.Presence == nil {
		return
	}
	if err := t.Presence.SetOnline(ctx, courierID, online); err != nil {
		t.Logger.Info("presence toggle skipped", "courier_id", courierID, "online", online, "error", err)
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func startOfWeek(t time.Time) time.Time {
	d := startOfDay(t)
	wd := int(d.Weekday())
	if wd == 0 { // Sunday wraps to the previous Monday
		wd = 7
	}
	return d.AddDate(0, 0, -(wd - 1))
}

func startOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
