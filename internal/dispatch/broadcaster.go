package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
)

// Eligibility is the slice of the matcher the broadcaster consumes.
type Eligibility interface {
	Find(ctx context.Context, q matcher.Query) ([]presence.Candidate, error)
}

// Ledger is the slice of the ride ledger the broadcaster consumes.
type Ledger interface {
	Get(ctx context.Context, rideID string) (*models.Ride, error)
	Expire(ctx context.Context, rideID string) error
}

// Broadcaster drives the notification rounds of a pending ride: run
// eligibility, fan out offers, wait the acceptance window, widen the radius
// and repeat; after the configured rounds with no acceptance the ride
// expires. Offer bookkeeping is held in memory and resets on restart.
type Broadcaster struct {
	Matcher     Eligibility
	Ledger      Ledger
	Pusher      Pusher
	Logger      *slog.Logger
	Window      time.Duration
	Rounds      int
	RadiusM     float64
	Growth      float64
	SpeedMps    float64    // naive pickup-ETA estimate in the offer payload
	ETAClient   eta.Client // optional routing engine
	ETACache    *eta.Cache // optional ETA cache
	PushTimeout time.Duration

	mu      sync.Mutex
	offered map[string]map[string]struct{} // courier id -> pending ride ids
	wg      sync.WaitGroup
}

func NewBroadcaster(m Eligibility, l Ledger, p Pusher, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		Matcher:     m,
		Ledger:      l,
		Pusher:      p,
		Logger:      logger,
		Window:      60 * time.Second,
		Rounds:      3,
		RadiusM:     5000,
		Growth:      1.5,
		SpeedMps:    10,
		PushTimeout: 3 * time.Second,
		offered:     make(map[string]map[string]struct{}),
	}
}

// Broadcast starts the round loop for a freshly created ride and returns
// immediately.
func (b *Broadcaster) Broadcast(ctx context.Context, ride *models.Ride) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run(ctx, ride)
	}()
}

// Wait blocks until all in-flight round loops have finished. Used on
// shutdown and in tests.
func (b *Broadcaster) Wait() { b.wg.Wait() }

func (b *Broadcaster) run(ctx context.Context, ride *models.Ride) {
	defer b.clearOffers(ride.ID)
	radius := b.RadiusM
	timer := time.NewTimer(b.Window)
	defer timer.Stop()

	for round := 1; round <= b.Rounds; round++ {
		r, err := b.Ledger.Get(ctx, ride.ID)
		if err != nil {
			b.Logger.Error("broadcast round aborted", "ride_id", ride.ID, "error", err)
			return
		}
		if r.State != models.StatePending {
			return
		}

		b.round(ctx, r, round, radius)

		timer.Reset(b.Window)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		radius *= b.Growth
	}

	err := b.Ledger.Expire(ctx, ride.ID)
	switch {
	case err == nil:
		b.Logger.Info("ride expired, no courier found", "ride_id", ride.ID, "rounds", b.Rounds)
	case errors.Is(err, ledger.ErrConflict):
		// accepted (or cancelled) during the final window
	default:
		b.Logger.Error("expire failed", "ride_id", ride.ID, "error", err)
	}
}

// round runs one eligibility pass and fans the offer out. Delivery is
// fire-and-forget per courier: a slow or broken channel for one courier
// never blocks the others, it only means fewer notified candidates.
func (b *Broadcaster) round(ctx context.Context, r *models.Ride, round int, radius float64) {
	observability.BroadcastRounds.Inc()
	cands, err := b.Matcher.Find(ctx, matcher.Query{Pickup: r.Pickup, RadiusM: radius})
	if err != nil {
		b.Logger.Error("eligibility query failed", "ride_id", r.ID, "round", round, "error", err)
		return
	}
	if len(cands) == 0 {
		// hold for the next round; the radius will have grown
		b.Logger.Info("no eligible couriers", "ride_id", r.ID, "round", round, "radius_m", radius)
		return
	}

	for _, c := range cands {
		offer := models.RideOffer{
			RideID:           r.ID,
			Pickup:           r.Pickup,
			Dropoff:          r.Dropoff,
			FareAmount:       r.FareAmount,
			RequesterContact: r.RequesterContact,
			DistanceM:        c.DistanceM,
			PickupETASec:     b.pickupETA(c.Loc, r.Pickup),
			Round:            round,
		}
		b.recordOffer(c.CourierID, r.ID)
		b.wg.Add(1)
		go func(courierID string, offer models.RideOffer) {
			defer b.wg.Done()
			pctx, cancel := context.WithTimeout(context.Background(), b.PushTimeout)
			defer cancel()
			if err := b.Pusher.Push(pctx, courierID, offer); err != nil {
				observability.OfferPushFailures.Inc()
				b.Logger.Info("offer push failed", "ride_id", offer.RideID, "courier_id", courierID, "error", err)
				return
			}
			observability.OffersPushed.Inc()
		}(c.CourierID, offer)
	}
	b.Logger.Info("broadcast round", "ride_id", r.ID, "round", round, "radius_m", radius, "couriers", len(cands))
}

func (b *Broadcaster) pickupETA(from, to models.Coord) float64 {
	if b.ETACache != nil {
		if v, ok := b.ETACache.Get(from, to); ok {
			return v
		}
	}
	if b.ETAClient != nil {
		if v, err := b.ETAClient.EstimateSeconds(from, to); err == nil {
			if b.ETACache != nil {
				b.ETACache.Set(from, to, v)
			}
			return v
		}
	}
	return eta.EstimateSeconds(from, to, b.SpeedMps)
}

// PendingFor returns the rides currently broadcast to the courier that are
// still up for grabs. Rides that left pending since the offer are pruned.
func (b *Broadcaster) PendingFor(ctx context.Context, courierID string) ([]*models.Ride, error) {
	b.mu.Lock()
	ids := make([]string, 0, len(b.offered[courierID]))
	for id := range b.offered[courierID] {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	out := make([]*models.Ride, 0, len(ids))
	for _, id := range ids {
		r, err := b.Ledger.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				b.removeOffer(courierID, id)
				continue
			}
			return nil, err
		}
		if r.State != models.StatePending {
			b.removeOffer(courierID, id)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (b *Broadcaster) recordOffer(courierID, rideID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.offered[courierID]
	if !ok {
		set = make(map[string]struct{})
		b.offered[courierID] = set
	}
	set[rideID] = struct{}{}
}

func (b *Broadcaster) removeOffer(courierID, rideID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.offered[courierID], rideID)
}

func (b *Broadcaster) clearOffers(rideID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for courierID, set := range b.offered {
		delete(set, rideID)
		if len(set) == 0 {
			delete(b.offered, courierID)
		}
	}
}
