package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
)

// Arbiter resolves races between couriers accepting the same ride. The actual
// arbitration is the ledger's compare-and-swap; this layer adds the
// eligibility check in front and keeps the presence current-ride pointer in
// sync behind it, rolling the ledger back when that second write fails.
type Arbiter struct {
	Ledger   *ledger.Service
	Registry presence.Registry
	Logger   *slog.Logger
}

func New(l *ledger.Service, reg presence.Registry, logger *slog.Logger) *Arbiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbiter{Ledger: l, Registry: reg, Logger: logger}
}

// TryAccept attempts to assign the ride to the courier. Exactly one caller
// wins per ride; losers get ledger.ErrConflict, unknown rides
// ledger.ErrNotFound, and couriers already carrying a ride
// ledger.ErrIneligible. A retry by the winner returns success.
func (a *Arbiter) TryAccept(ctx context.Context, rideID, courierID string) (*models.Ride, error) {
	p, err := a.Registry.Get(ctx, courierID)
	if err != nil {
		if errors.Is(err, presence.ErrUnknownCourier) {
			return nil, fmt.Errorf("%w: courier never reported", ledger.ErrIneligible)
		}
		return nil, err
	}
	if p.CurrentRideID != "" && p.CurrentRideID != rideID {
		return nil, fmt.Errorf("%w: courier already on ride", ledger.ErrIneligible)
	}

	r, err := a.Ledger.Assign(ctx, rideID, courierID)
	if err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			observability.AcceptConflicts.Inc()
		}
		return nil, err
	}

	if err := a.Registry.SetCurrentRide(ctx, courierID, rideID); err != nil {
		// the two records must not drift apart: undo the ledger write so the
		// ride stays broadcastable. SetCurrentRide is conditional, so a
		// courier racing accepts on two rides loses the reservation on one
		// of them here even though both per-ride CASes went through.
		a.Logger.Warn("courier reservation failed after accept, rolling back",
			"ride_id", rideID, "courier_id", courierID, "error", err)
		if rbErr := a.Ledger.ReleaseAssignment(ctx, rideID, courierID); rbErr != nil {
			a.Logger.Error("compensating rollback failed",
				"ride_id", rideID, "courier_id", courierID, "error", rbErr)
		}
		if errors.Is(err, presence.ErrCourierBusy) {
			return nil, fmt.Errorf("%w: courier already on ride", ledger.ErrIneligible)
		}
		return nil, ledger.ErrConflict
	}
	return r, nil
}
