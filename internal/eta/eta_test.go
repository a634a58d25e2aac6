package eta

import (
	"errors"
	"testing"
	"time"

	"github.com/example/ambulance-dispatch/internal/models"
)

func TestMinutesTenKmAtSixty(t *testing.T) {
	if got := Minutes(10000, 60); got != 10 {
		t.Fatalf("expected 10 minutes, got %d", got)
	}
}

func TestMinutesRoundsUp(t *testing.T) {
	// 1.5 km at 60 km/h = 1.5 min -> 2
	if got := Minutes(1500, 60); got != 2 {
		t.Fatalf("expected 2 minutes, got %d", got)
	}
}

func TestMinutesZeroDistance(t *testing.T) {
	if got := Minutes(0, 60); got != 0 {
		t.Fatalf("expected 0 minutes, got %d", got)
	}
}

// countingClient records calls and either answers or fails every request.
type countingClient struct {
	secs  float64
	err   error
	calls int
}

func (c *countingClient) EstimateSeconds(_, _ models.Coord) (float64, error) {
	c.calls++
	return c.secs, c.err
}

func TestEstimatorPrefersBackend(t *testing.T) {
	cl := &countingClient{secs: 600}
	e := &Estimator{Client: cl, SpeedKmh: 40}
	from := models.Coord{Lat: 0, Lng: 0}
	to := models.Coord{Lat: 1, Lng: 1}
	if got := e.Minutes(from, to); got != 10 {
		t.Fatalf("expected 10 minutes from the backend, got %d", got)
	}
}

func TestEstimatorMemoizesBackendAnswers(t *testing.T) {
	cl := &countingClient{secs: 300}
	e := &Estimator{Client: cl, Cache: NewCache(time.Minute), SpeedKmh: 40}
	from := models.Coord{Lat: 0, Lng: 0}
	to := models.Coord{Lat: 1, Lng: 1}
	e.Minutes(from, to)
	e.Minutes(from, to)
	if cl.calls != 1 {
		t.Fatalf("backend called %d times for the same route", cl.calls)
	}
}

func TestEstimatorFallsBackToLinearModel(t *testing.T) {
	cl := &countingClient{err: errors.New("routing backend unreachable")}
	e := &Estimator{Client: cl, SpeedKmh: 40}
	from := models.Coord{Lat: 0, Lng: 0}
	to := models.Coord{Lat: 0, Lng: 1}
	want := MinutesBetween(from, to, 40)
	if got := e.Minutes(from, to); got != want {
		t.Fatalf("expected linear fallback %d, got %d", want, got)
	}
	if cl.calls != 1 {
		t.Fatalf("backend called %d times", cl.calls)
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(10 * time.Millisecond)
	a := models.Coord{Lat: 1, Lng: 2}
	b := models.Coord{Lat: 3, Lng: 4}
	c.Set(a, b, 42)
	if v, ok := c.Get(a, b); !ok || v != 42 {
		t.Fatalf("expected hit, got %v %v", v, ok)
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get(a, b); ok {
		t.Fatal("expected entry to expire")
	}
}
