package location

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ambulance-dispatch/internal/models"
)

type fakeSource struct {
	mu     sync.Mutex
	denied bool
	sample models.LocationSample
}

func (f *fakeSource) RequestPermission() error {
	if f.denied {
		return errors.New("denied")
	}
	return nil
}

func (f *fakeSource) Current() (models.LocationSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sample, nil
}

func (f *fakeSource) set(lat, lng float64) {
	f.mu.Lock()
	f.sample = models.LocationSample{Lat: lat, Lng: lng, Timestamp: time.Now()}
	f.mu.Unlock()
}

func TestStartDeniedReturnsFalse(t *testing.T) {
	tr := NewTracker(&fakeSource{denied: true})
	if tr.Start(context.Background(), func(models.LocationSample) {}, time.Second, 10) {
		t.Fatal("expected Start to fail without permission")
	}
	if _, err := tr.Current(); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestMovementThresholdFiresBeforeInterval(t *testing.T) {
	src := &fakeSource{}
	src.set(0, 0)
	tr := NewTracker(src)

	var mu sync.Mutex
	var got []models.LocationSample
	ok := tr.Start(context.Background(), func(s models.LocationSample) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	}, time.Hour, 50) // interval effectively never elapses twice
	if !ok {
		t.Fatal("expected tracking to start")
	}
	defer tr.Stop()

	// first emission happens on the first poll
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(got) >= 1 })

	// ~111m north should trip the 50m movement threshold
	src.set(0.001, 0)
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(got) >= 2 })
}

func TestStopIdempotent(t *testing.T) {
	tr := NewTracker(&fakeSource{})
	tr.Stop()
	tr.Stop()
	if !tr.Start(context.Background(), func(models.LocationSample) {}, time.Second, 0) {
		t.Fatal("expected start after stop")
	}
	tr.Stop()
	if tr.Tracking() {
		t.Fatal("expected tracker stopped")
	}
	tr.Stop()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
