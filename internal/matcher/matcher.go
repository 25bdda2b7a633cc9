package matcher

import (
	"context"
	"sort"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
)

// Query describes one eligibility pass for a ride broadcast round.
type Query struct {
	Pickup  models.Coord
	RadiusM float64
}

// Service is the eligibility filter: given a pickup it returns the couriers
// that may be notified, closest first. An empty result is not an error; the
// broadcaster holds the ride for the next round.
type Service struct {
	Registry presence.Registry
	Limit    int
}

func (s *Service) Find(ctx context.Context, q Query) ([]presence.Candidate, error) {
	limit := s.Limit
	if limit <= 0 {
		limit = 16
	}
	// over-fetch: the nearest records may all be busy or stale, and the
	// registry limit applies before this filter runs
	cands, err := s.Registry.Nearby(ctx, q.Pickup, q.RadiusM, limit*4)
	if err != nil {
		return nil, err
	}
	eligible := cands[:0]
	for _, c := range cands {
		if !c.Online {
			continue
		}
		if c.CurrentRideID != "" {
			// a courier already carrying a ride is never re-dispatched
			continue
		}
		eligible = append(eligible, c)
	}
	// closest first; ties go to the longer-standing heartbeat to damp
	// idle flapping between equally-near couriers
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].DistanceM != eligible[j].DistanceM {
			return eligible[i].DistanceM < eligible[j].DistanceM
		}
		return eligible[i].HeartbeatAt.Before(eligible[j].HeartbeatAt)
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}
	return eligible, nil
}
