package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ambulance-dispatch/internal/models"
)

// RedisPresence implements Registry on top of Redis GEO commands so the
// authority and the location consumer share one presence view.
type RedisPresence struct {
	client  *redis.Client
	key     string
	radiusM float64
	maxAge  time.Duration
	ctx     context.Context
}

func NewRedisPresence(addr, password, key string, radiusM float64, maxAge time.Duration) *RedisPresence {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if radiusM <= 0 {
		radiusM = 5000
	}
	return &RedisPresence{client: c, key: key, radiusM: radiusM, maxAge: maxAge, ctx: context.Background()}
}

func (r *RedisPresence) Upsert(p models.DriverPresence) {
	// GEOADD for position, HSET for status metadata
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: p.Loc.Lng, Latitude: p.Loc.Lat, Name: p.DriverID}).Result()
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_ = r.client.HSet(r.ctx, metaKey(p.DriverID), map[string]interface{}{
		"status":    string(p.Status),
		"ambulance": p.AmbulanceID,
		"updated":   updated.Format(time.RFC3339Nano),
	}).Err()
}

func (r *RedisPresence) UpdateLocation(driverID string, s models.LocationSample) {
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: s.Lng, Latitude: s.Lat, Name: driverID}).Result()
	ts := s.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	pipe := r.client.Pipeline()
	pipe.HSetNX(r.ctx, metaKey(driverID), "status", string(models.DriverAvailable))
	pipe.HSet(r.ctx, metaKey(driverID), "updated", ts.Format(time.RFC3339Nano))
	_, _ = pipe.Exec(r.ctx)
}

// SetStatus rewrites only the status field so the driver's GEO position
// and sample freshness survive lifecycle transitions.
func (r *RedisPresence) SetStatus(driverID string, status models.DriverStatus) {
	_ = r.client.HSet(r.ctx, metaKey(driverID), "status", string(status)).Err()
}

func (r *RedisPresence) Nearby(lat, lng float64, limit int) []models.DriverPresence {
	res, err := r.client.GeoRadius(r.ctx, r.key, lng, lat, &redis.GeoRadiusQuery{
		Radius: r.radiusM, Unit: "m", WithCoord: true, WithDist: true, Count: limit * 2, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil
	}
	now := time.Now()
	out := make([]models.DriverPresence, 0, len(res))
	for _, g := range res {
		p := models.DriverPresence{DriverID: g.Name, Status: models.DriverOffline}
		p.Loc.Lat = g.Latitude
		p.Loc.Lng = g.Longitude
		if m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result(); err == nil {
			if v, ok := m["status"]; ok {
				p.Status = models.DriverStatus(v)
			}
			p.AmbulanceID = m["ambulance"]
			if v, ok := m["updated"]; ok {
				if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
					p.UpdatedAt = ts
				}
			}
		}
		if p.Status != models.DriverAvailable {
			continue
		}
		if r.maxAge > 0 && !p.UpdatedAt.IsZero() && now.Sub(p.UpdatedAt) > r.maxAge {
			continue
		}
		out = append(out, p)
		if len(out) == limit {
			break
		}
	}
	return out
}

func metaKey(id string) string { return "driver:meta:" + id }

func (r *RedisPresence) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }
