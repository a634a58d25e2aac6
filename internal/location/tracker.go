package location

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/models"
)

// ErrPermissionDenied is returned when the device refuses location access.
var ErrPermissionDenied = errors.New("location permission denied")

// PositionSource abstracts the device positioning hardware.
type PositionSource interface {
	RequestPermission() error
	Current() (models.LocationSample, error)
}

// Tracker samples a PositionSource and emits a LocationSample whenever the
// report interval elapses or the device has moved at least minDistance
// meters, whichever comes first. Both thresholds keep the channel from
// flooding while still capturing meaningful movement.
type Tracker struct {
	src PositionSource

	// MaxSampleAge discards samples older than this instead of emitting
	// them; an outdated position would corrupt ETA ranking. Zero disables.
	MaxSampleAge time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

func NewTracker(src PositionSource) *Tracker {
	return &Tracker{src: src}
}

// Current performs a one-shot read.
func (t *Tracker) Current() (models.LocationSample, error) {
	if err := t.src.RequestPermission(); err != nil {
		return models.LocationSample{}, ErrPermissionDenied
	}
	return t.src.Current()
}

// Start begins continuous sampling. It returns false if permission cannot
// be obtained. Calling Start while already tracking restarts the stream.
func (t *Tracker) Start(ctx context.Context, cb func(models.LocationSample), interval time.Duration, minDistance float64) bool {
	if err := t.src.RequestPermission(); err != nil {
		return false
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}

	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.running = true
	t.mu.Unlock()

	go t.loop(ctx, cb, interval, minDistance)
	return true
}

func (t *Tracker) loop(ctx context.Context, cb func(models.LocationSample), interval time.Duration, minDistance float64) {
	// poll finer than the report interval so the movement threshold can
	// fire early
	poll := interval / 4
	if poll < 50*time.Millisecond {
		poll = 50 * time.Millisecond
	}
	if poll > 500*time.Millisecond {
		poll = 500 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var (
		lastEmit time.Time
		lastLoc  models.LocationSample
		emitted  bool
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s, err := t.src.Current()
			if err != nil {
				continue
			}
			if s.Timestamp.IsZero() {
				s.Timestamp = time.Now()
			}
			if t.MaxSampleAge > 0 && time.Since(s.Timestamp) > t.MaxSampleAge {
				continue
			}
			moved := emitted && minDistance > 0 && geo.Haversine(lastLoc.Lat, lastLoc.Lng, s.Lat, s.Lng) >= minDistance
			due := !emitted || time.Since(lastEmit) >= interval
			if !due && !moved {
				continue
			}
			cb(s)
			lastEmit = time.Now()
			lastLoc = s
			emitted = true
		}
	}
}

// Stop is idempotent and safe to call when not tracking.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.running = false
}

// Tracking reports whether a sampling stream is active.
func (t *Tracker) Tracking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}
