package geo

import (
	"math"
	"sync"
	"time"

	"github.com/example/ambulance-dispatch/internal/models"
)

// Registry is the minimal presence interface required by candidate
// selection and the HTTP handlers.
type Registry interface {
	Nearby(lat, lng float64, limit int) []models.DriverPresence
	Upsert(p models.DriverPresence)
	// UpdateLocation moves a driver without touching its status; unknown
	// drivers start out available.
	UpdateLocation(driverID string, s models.LocationSample)
	// SetStatus changes a driver's status without touching its stored
	// location or the freshness of its last sample.
	SetStatus(driverID string, status models.DriverStatus)
}

// Index is the in-memory Registry used when Redis is not configured.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverPresence

	// MaxAge excludes drivers whose last sample is older than this from
	// Nearby results; zero disables the check.
	MaxAge time.Duration
}

func NewIndex(maxAge time.Duration) *Index {
	return &Index{drivers: make(map[string]models.DriverPresence), MaxAge: maxAge}
}

func (g *Index) Upsert(p models.DriverPresence) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	g.drivers[p.DriverID] = p
}

func (g *Index) UpdateLocation(driverID string, s models.LocationSample) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.drivers[driverID]
	if !ok {
		p = models.DriverPresence{DriverID: driverID, Status: models.DriverAvailable}
	}
	p.Loc = models.Coord{Lat: s.Lat, Lng: s.Lng}
	p.UpdatedAt = s.Timestamp
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	g.drivers[driverID] = p
}

func (g *Index) SetStatus(driverID string, status models.DriverStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.drivers[driverID]
	if !ok {
		// no location yet; the driver becomes rankable once a sample lands
		p = models.DriverPresence{DriverID: driverID}
	}
	p.Status = status
	g.drivers[driverID] = p
}

func (g *Index) Get(driverID string) (models.DriverPresence, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.drivers[driverID]
	return p, ok
}

// Nearby returns up to limit available drivers ordered by distance to
// (lat, lng). Equidistant drivers are ordered by freshest sample first.
// naive scan; in prod use geo-hash or H3
func (g *Index) Nearby(lat, lng float64, limit int) []models.DriverPresence {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		p    models.DriverPresence
		dist float64
	}
	now := time.Now()
	arr := make([]pair, 0, len(g.drivers))
	for _, p := range g.drivers {
		if p.Status != models.DriverAvailable {
			continue
		}
		if g.MaxAge > 0 && now.Sub(p.UpdatedAt) > g.MaxAge {
			continue
		}
		dist := Haversine(lat, lng, p.Loc.Lat, p.Loc.Lng)
		arr = append(arr, pair{p, dist})
	}
	closer := func(a, b pair) bool {
		if a.dist != b.dist {
			return a.dist < b.dist
		}
		// freshest sample wins a distance tie
		return a.p.UpdatedAt.After(b.p.UpdatedAt)
	}
	// partial selection sort for top-N
	n := limit
	if n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if closer(arr[j], arr[minIdx]) {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]models.DriverPresence, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].p)
	}
	return out
}

// Haversine distance in meters; inputs in degrees.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
