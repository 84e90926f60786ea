package geo

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// MaxRedisLat is the highest absolute latitude Redis GEO can index.
const MaxRedisLat = 85.05112878

// RedisGeo implements the locator on Redis GEO commands. Positions live in
// one sorted set; the online flag and update time live in a hash per driver.
type RedisGeo struct {
	client    *redis.Client
	key       string
	freshness time.Duration
	now       func() time.Time
}

func NewRedisGeo(client *redis.Client, key string, freshness time.Duration) *RedisGeo {
	return &RedisGeo{client: client, key: key, freshness: freshness, now: time.Now}
}

func indexable(c models.Coord) bool {
	return c.Valid() && math.Abs(c.Lat) <= MaxRedisLat
}

func (r *RedisGeo) Upsert(ctx context.Context, d models.DriverLocation) error {
	if !indexable(d.Loc) {
		return ErrInvalidCoordinate
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = r.now()
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.DriverID})
		pipe.HSet(ctx, MetaKey(d.DriverID), MetaFields(d))
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert driver %s: %w", d.DriverID, err)
	}
	return nil
}

func (r *RedisGeo) FindCandidates(ctx context.Context, pickup models.Coord, radiusKm float64, max int) ([]models.Candidate, error) {
	if !indexable(pickup) {
		return nil, ErrInvalidCoordinate
	}
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  pickup.Lon,
			Latitude:   pickup.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo search: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	metas := make([]*redis.MapStringStringCmd, len(res))
	for i, g := range res {
		metas[i] = pipe.HGetAll(ctx, MetaKey(g.Name))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load driver meta: %w", err)
	}

	now := r.now()
	out := make([]models.Candidate, 0, len(res))
	for i, g := range res {
		online, updated := parseMeta(metas[i].Val())
		if !online || now.Sub(updated) > r.freshness {
			continue
		}
		out = append(out, models.Candidate{DriverID: g.Name, DistanceKm: g.Dist})
	}
	return rank(out, max), nil
}

// OnlineCount scans every indexed driver and counts the online, fresh ones.
func (r *RedisGeo) OnlineCount(ctx context.Context) (int, error) {
	ids, err := r.client.ZRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list drivers: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := r.client.Pipeline()
	metas := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		metas[i] = pipe.HGetAll(ctx, MetaKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("load driver meta: %w", err)
	}
	now := r.now()
	n := 0
	for _, m := range metas {
		if online, updated := parseMeta(m.Val()); online && now.Sub(updated) <= r.freshness {
			n++
		}
	}
	return n, nil
}

// MetaKey is the hash holding a driver's online flag and last update.
func MetaKey(id string) string { return "driver:meta:" + id }

// MetaFields renders the hash fields written alongside the GEO position.
func MetaFields(d models.DriverLocation) map[string]interface{} {
	return map[string]interface{}{
		"online":     strconv.FormatBool(d.Online),
		"updated_ms": strconv.FormatInt(d.UpdatedAt.UnixMilli(), 10),
	}
}

func parseMeta(m map[string]string) (online bool, updated time.Time) {
	online = m["online"] == "true"
	if ms, err := strconv.ParseInt(m["updated_ms"], 10, 64); err == nil {
		updated = time.UnixMilli(ms)
	}
	return online, updated
}
