package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisRegistry implements Registry on Redis GEO commands plus a per-courier
// metadata hash. This is the durable presence store: positions live in a
// single GEO key, everything else in courier:meta:<id>.
type RedisRegistry struct {
	client *redis.Client
	geoKey string
	ttl    time.Duration
	now    func() time.Time
}

// metaTTL bounds how long a silent courier's record is kept. Staleness for
// eligibility is still the read-time heartbeat comparison; this only sweeps
// entries that have been dead for much longer.
const metaTTL = 24 * time.Hour

func NewRedisRegistry(client *redis.Client, geoKey string, staleTTL time.Duration) *RedisRegistry {
	return &RedisRegistry{client: client, geoKey: geoKey, ttl: staleTTL, now: time.Now}
}

func (r *RedisRegistry) Heartbeat(ctx context.Context, hb models.Heartbeat) error {
	at := hb.At
	if at.IsZero() {
		at = r.now()
	}
	if _, err := r.client.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{
		Longitude: hb.Loc.Lon,
		Latitude:  hb.Loc.Lat,
		Name:      hb.CourierID,
	}).Result(); err != nil {
		return err
	}
	fields := map[string]interface{}{
		"heartbeat_ms": at.UnixMilli(),
		"online":       "true",
		"lat":          strconv.FormatFloat(hb.Loc.Lat, 'f', -1, 64),
		"lon":          strconv.FormatFloat(hb.Loc.Lon, 'f', -1, 64),
	}
	if hb.Name != "" {
		fields["name"] = hb.Name
	}
	if hb.Vehicle != "" {
		fields["vehicle"] = hb.Vehicle
	}
	key := metaKey(hb.CourierID)
	if err := r.client.HSet(ctx, key, fields).Err(); err != nil {
		return err
	}
	return r.client.PExpire(ctx, key, metaTTL).Err()
}

func (r *RedisRegistry) Get(ctx context.Context, courierID string) (models.CourierPresence, error) {
	m, err := r.client.HGetAll(ctx, metaKey(courierID)).Result()
	if err != nil {
		return models.CourierPresence{}, err
	}
	if len(m) == 0 {
		return models.CourierPresence{}, ErrUnknownCourier
	}
	return r.fromMeta(courierID, m), nil
}

func (r *RedisRegistry) Nearby(ctx context.Context, origin models.Coord, radiusM float64, limit int) ([]Candidate, error) {
	res, err := r.client.GeoRadius(ctx, r.geoKey, origin.Lon, origin.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusM,
		Unit:      "m",
		WithCoord: true,
		WithDist:  true,
		Count:     limit,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(res))
	for _, g := range res {
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil {
			continue
		}
		if len(m) == 0 {
			// the meta hash expired but GEO members carry no TTL: drop the
			// orphaned position so the set does not grow without bound
			r.client.ZRem(ctx, r.geoKey, g.Name)
			continue
		}
		p := r.fromMeta(g.Name, m)
		p.Loc = models.Coord{Lat: g.Latitude, Lon: g.Longitude}
		out = append(out, Candidate{CourierPresence: p, DistanceM: g.Dist})
	}
	return out, nil
}

// reserveRideScript sets current_ride only when the courier is free or
// already holds this ride, in one server-side step.
var reserveRideScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local cur = redis.call('HGET', KEYS[1], 'current_ride')
if cur == false or cur == '' or cur == ARGV[1] then
  redis.call('HSET', KEYS[1], 'current_ride', ARGV[1])
  return 1
end
return 0
`)

func (r *RedisRegistry) SetCurrentRide(ctx context.Context, courierID, rideID string) error {
	res, err := reserveRideScript.Run(ctx, r.client, []string{metaKey(courierID)}, rideID).Int()
	if err != nil {
		return err
	}
	switch res {
	case -1:
		return ErrUnknownCourier
	case 0:
		return ErrCourierBusy
	}
	return nil
}

func (r *RedisRegistry) ClearCurrentRide(ctx context.Context, courierID string) error {
	return r.setField(ctx, courierID, "current_ride", "")
}

func (r *RedisRegistry) SetOnline(ctx context.Context, courierID string, online bool) error {
	fields := map[string]interface{}{"online": strconv.FormatBool(online)}
	if online {
		fields["heartbeat_ms"] = r.now().UnixMilli()
	}
	exists, err := r.client.Exists(ctx, metaKey(courierID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrUnknownCourier
	}
	return r.client.HSet(ctx, metaKey(courierID), fields).Err()
}

func (r *RedisRegistry) setField(ctx context.Context, courierID, field, value string) error {
	exists, err := r.client.Exists(ctx, metaKey(courierID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrUnknownCourier
	}
	return r.client.HSet(ctx, metaKey(courierID), field, value).Err()
}

func (r *RedisRegistry) fromMeta(courierID string, m map[string]string) models.CourierPresence {
	p := models.CourierPresence{
		CourierID:     courierID,
		Name:          m["name"],
		Vehicle:       m["vehicle"],
		CurrentRideID: m["current_ride"],
	}
	if ms, err := strconv.ParseInt(m["heartbeat_ms"], 10, 64); err == nil {
		p.HeartbeatAt = time.UnixMilli(ms)
	}
	if lat, err := strconv.ParseFloat(m["lat"], 64); err == nil {
		p.Loc.Lat = lat
	}
	if lon, err := strconv.ParseFloat(m["lon"], 64); err == nil {
		p.Loc.Lon = lon
	}
	p.Online = m["online"] == "true"
	if p.Online && r.ttl > 0 && r.now().Sub(p.HeartbeatAt) > r.ttl {
		p.Online = false
	}
	return p
}

func metaKey(id string) string { return "courier:meta:" + id }
