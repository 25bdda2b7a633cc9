package presence

import (
	"context"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHeartbeatCreatesPresence(t *testing.T) {
	ctx := context.Background()
	x := NewIndex(45 * time.Second)
	if _, err := x.Get(ctx, "c1"); err != ErrUnknownCourier {
		t.Fatalf("expected ErrUnknownCourier, got %v", err)
	}
	if err := x.Heartbeat(ctx, models.Heartbeat{CourierID: "c1", Loc: models.Coord{Lat: 1, Lon: 2}}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	p, err := x.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !p.Online {
		t.Fatal("expected courier online after heartbeat")
	}
	if p.Loc.Lat != 1 || p.Loc.Lon != 2 {
		t.Fatalf("unexpected loc: %+v", p.Loc)
	}
}

func TestStaleHeartbeatReadsOffline(t *testing.T) {
	ctx := context.Background()
	x := NewIndex(45 * time.Second)
	base := time.Now()
	x.now = func() time.Time { return base }

	if err := x.Heartbeat(ctx, models.Heartbeat{CourierID: "c1", At: base}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	x.now = func() time.Time { return base.Add(30 * time.Second) }
	if p, _ := x.Get(ctx, "c1"); !p.Online {
		t.Fatal("courier should still be online inside the TTL")
	}

	// no explicit go-offline call, just silence past the TTL
	x.now = func() time.Time { return base.Add(46 * time.Second) }
	if p, _ := x.Get(ctx, "c1"); p.Online {
		t.Fatal("courier should read offline once the heartbeat is stale")
	}
}

func TestNearbyRadiusAndLimit(t *testing.T) {
	ctx := context.Background()
	x := NewIndex(time.Minute)
	// ~111m per 0.001 degree of latitude at the equator
	for id, lat := range map[string]float64{"near": 0.001, "mid": 0.002, "far": 0.5} {
		if err := x.Heartbeat(ctx, models.Heartbeat{CourierID: id, Loc: models.Coord{Lat: lat}}); err != nil {
			t.Fatalf("heartbeat %s: %v", id, err)
		}
	}

	got, err := x.Nearby(ctx, models.Coord{}, 1000, 0)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates inside radius, got %d", len(got))
	}
	if got[0].CourierID != "near" || got[1].CourierID != "mid" {
		t.Fatalf("expected distance ordering near,mid; got %s,%s", got[0].CourierID, got[1].CourierID)
	}

	got, err = x.Nearby(ctx, models.Coord{}, 1000, 1)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(got) != 1 || got[0].CourierID != "near" {
		t.Fatalf("expected limit to keep closest candidate, got %+v", got)
	}
}

func TestCurrentRideMutations(t *testing.T) {
	ctx := context.Background()
	x := NewIndex(time.Minute)
	if err := x.SetCurrentRide(ctx, "ghost", "r1"); err != ErrUnknownCourier {
		t.Fatalf("expected ErrUnknownCourier, got %v", err)
	}
	_ = x.Heartbeat(ctx, models.Heartbeat{CourierID: "c1"})
	if err := x.SetCurrentRide(ctx, "c1", "r1"); err != nil {
		t.Fatalf("set current ride: %v", err)
	}
	p, _ := x.Get(ctx, "c1")
	if p.CurrentRideID != "r1" {
		t.Fatalf("expected current ride r1, got %q", p.CurrentRideID)
	}

	// the reservation is conditional: re-reserving the same ride is a no-op,
	// reserving a second ride while the first is held is refused
	if err := x.SetCurrentRide(ctx, "c1", "r1"); err != nil {
		t.Fatalf("re-reserving the held ride should succeed, got %v", err)
	}
	if err := x.SetCurrentRide(ctx, "c1", "r2"); err != ErrCourierBusy {
		t.Fatalf("expected ErrCourierBusy for a second ride, got %v", err)
	}
	p, _ = x.Get(ctx, "c1")
	if p.CurrentRideID != "r1" {
		t.Fatalf("failed reservation must not overwrite, got %q", p.CurrentRideID)
	}

	if err := x.ClearCurrentRide(ctx, "c1"); err != nil {
		t.Fatalf("clear current ride: %v", err)
	}
	p, _ = x.Get(ctx, "c1")
	if p.CurrentRideID != "" {
		t.Fatalf("expected cleared current ride, got %q", p.CurrentRideID)
	}
	if err := x.SetCurrentRide(ctx, "c1", "r2"); err != nil {
		t.Fatalf("reserving after clear should succeed, got %v", err)
	}
}
