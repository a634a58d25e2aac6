package eta

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/models"
)

// Client is the interface used by candidate selection to get ETAs from a
// routing backend when one is configured.
type Client interface {
	EstimateSeconds(from, to models.Coord) (float64, error)
}

// Minutes converts a distance into an advisory ETA using a linear speed
// model: ceil((m/1000) / kmh * 60). This is a ranking and patient-facing
// estimate, not a routing engine.
func Minutes(distanceMeters, speedKmh float64) int {
	if speedKmh <= 0 {
		speedKmh = 40 // default urban ambulance speed
	}
	min := distanceMeters / 1000 / speedKmh * 60
	return int(math.Ceil(min))
}

// MinutesBetween is Minutes over the haversine distance of two points.
func MinutesBetween(from, to models.Coord, speedKmh float64) int {
	return Minutes(geo.Haversine(from.Lat, from.Lng, to.Lat, to.Lng), speedKmh)
}

// Estimator produces advisory ETAs. It prefers the routing backend,
// memoizing its answers, and degrades to the linear model whenever the
// backend is missing or unreachable.
type Estimator struct {
	Client   Client
	Cache    *Cache
	SpeedKmh float64
}

func (e *Estimator) Minutes(from, to models.Coord) int {
	if e.Client != nil {
		if e.Cache != nil {
			if secs, ok := e.Cache.Get(from, to); ok {
				return minutesFromSeconds(secs)
			}
		}
		if secs, err := e.Client.EstimateSeconds(from, to); err == nil {
			if e.Cache != nil {
				e.Cache.Set(from, to, secs)
			}
			return minutesFromSeconds(secs)
		}
	}
	return MinutesBetween(from, to, e.SpeedKmh)
}

func minutesFromSeconds(secs float64) int {
	return int(math.Ceil(secs / 60))
}

// Cache is a tiny in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng)
}

// Get returns the cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}
