package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ambulance-dispatch/internal/dispatch"
	"github.com/example/ambulance-dispatch/internal/models"
)

// fakeAuthority scripts request/response results.
type fakeAuthority struct {
	mu        sync.Mutex
	acceptErr error
	snapshots map[string]*models.EmergencyRequest
	gets      int
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{snapshots: make(map[string]*models.EmergencyRequest)}
}

func (f *fakeAuthority) set(e *models.EmergencyRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[e.ID] = e.Clone()
}

func (f *fakeAuthority) Accept(ctx context.Context, emergencyID, driverID string) (*models.EmergencyRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acceptErr != nil {
		return nil, f.acceptErr
	}
	e, ok := f.snapshots[emergencyID]
	if !ok {
		return nil, dispatch.ErrNotFound
	}
	e.Status = models.EmergencyAccepted
	e.AssignedDriver = driverID
	return e.Clone(), nil
}

func (f *fakeAuthority) Reject(ctx context.Context, emergencyID, driverID, reason string) error {
	return nil
}

func (f *fakeAuthority) UpdateStatus(ctx context.Context, emergencyID, driverID string, status models.EmergencyStatus) (*models.EmergencyRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.snapshots[emergencyID]
	if !ok {
		return nil, dispatch.ErrNotFound
	}
	e.Status = status
	return e.Clone(), nil
}

func (f *fakeAuthority) MarkPickup(ctx context.Context, emergencyID, driverID string, loc models.Coord) (*models.EmergencyRequest, error) {
	return f.UpdateStatus(ctx, emergencyID, driverID, models.EmergencyInProgress)
}

func (f *fakeAuthority) MarkHospitalArrival(ctx context.Context, emergencyID, driverID, hospitalID string, loc models.Coord) (*models.EmergencyRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.snapshots[emergencyID]
	if !ok {
		return nil, dispatch.ErrNotFound
	}
	e.AssignedHospital = hospitalID
	return e.Clone(), nil
}

func (f *fakeAuthority) Get(ctx context.Context, emergencyID string) (*models.EmergencyRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	e, ok := f.snapshots[emergencyID]
	if !ok {
		return nil, dispatch.ErrNotFound
	}
	return e.Clone(), nil
}

// fakeConn feeds scripted envelopes and records sends.
type fakeConn struct {
	events chan models.Envelope
	mu     sync.Mutex
	sent   []models.Envelope
}

func newFakeConn() *fakeConn { return &fakeConn{events: make(chan models.Envelope, 16)} }

func (c *fakeConn) Events() <-chan models.Envelope { return c.events }

func (c *fakeConn) Send(env models.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Close() error { return nil }

// fakeConnector returns scripted dial outcomes in order, then blocks.
type fakeConnector struct {
	mu       sync.Mutex
	outcomes []dialOutcome
	dials    int
}

type dialOutcome struct {
	conn *fakeConn
	err  error
}

func (f *fakeConnector) Dial(ctx context.Context) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if len(f.outcomes) == 0 {
		return nil, errors.New("dial refused")
	}
	out := f.outcomes[0]
	f.outcomes = f.outcomes[1:]
	if out.err != nil {
		return nil, out.err
	}
	return out.conn, nil
}

func offered(id string) *models.EmergencyRequest {
	return &models.EmergencyRequest{ID: id, PatientID: "p1", Status: models.EmergencyOffered}
}

func TestAcceptOptimisticThenConfirmed(t *testing.T) {
	auth := newFakeAuthority()
	auth.set(offered("e1"))
	a := NewAgent("me", auth, &fakeConnector{})
	a.Store().AddIncoming(offered("e1"))

	e, err := a.Accept(context.Background(), "e1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if e.AssignedDriver != "me" || e.Status != models.EmergencyAccepted {
		t.Fatalf("snapshot = %+v", e)
	}
	if got := a.Store().Active(); got == nil || got.ID != "e1" {
		t.Fatalf("active = %+v", got)
	}
	if len(a.Store().Incoming()) != 0 {
		t.Fatalf("accepted offer still incoming")
	}
}

func TestAcceptRollsBackWhenRaceLost(t *testing.T) {
	auth := newFakeAuthority()
	auth.acceptErr = dispatch.ErrAlreadyAssigned
	a := NewAgent("me", auth, &fakeConnector{})
	a.Store().AddIncoming(offered("e1"))

	_, err := a.Accept(context.Background(), "e1")
	if !errors.Is(err, dispatch.ErrAlreadyAssigned) {
		t.Fatalf("err = %v, want ErrAlreadyAssigned", err)
	}
	if a.Store().Active() != nil {
		t.Fatalf("optimistic claim not rolled back")
	}
	// the offer is gone for good; someone else has the emergency
	if len(a.Store().Incoming()) != 0 {
		t.Fatalf("lost offer restored to incoming")
	}
}

func TestAcceptRestoresOfferOnTransportFailure(t *testing.T) {
	auth := newFakeAuthority()
	auth.acceptErr = errors.New("connection reset")
	a := NewAgent("me", auth, &fakeConnector{})
	a.Store().AddIncoming(offered("e1"))

	if _, err := a.Accept(context.Background(), "e1"); err == nil {
		t.Fatalf("expected transport error")
	}
	if a.Store().Active() != nil {
		t.Fatalf("optimistic claim not rolled back")
	}
	// retriable failure: the driver can try again
	if len(a.Store().Incoming()) != 1 {
		t.Fatalf("offer not restored after transport failure")
	}
}

func TestAcceptWithoutOfferFails(t *testing.T) {
	a := NewAgent("me", newFakeAuthority(), &fakeConnector{})
	if _, err := a.Accept(context.Background(), "nope"); !errors.Is(err, dispatch.ErrOfferExpired) {
		t.Fatalf("err = %v, want ErrOfferExpired", err)
	}
}

func TestHandleEnvelopeDeduplicatesOffers(t *testing.T) {
	auth := newFakeAuthority()
	a := NewAgent("me", auth, &fakeConnector{})

	notice := dispatch.OfferNotice{Emergency: offered("e1"), Deadline: time.Now().Add(30 * time.Second)}
	payload, _ := json.Marshal(notice)
	env := models.Envelope{Event: models.EventNewRequest, EmergencyID: "e1", Payload: payload}

	a.HandleEnvelope(context.Background(), env)
	a.HandleEnvelope(context.Background(), env) // redelivery

	if got := len(a.Store().Incoming()); got != 1 {
		t.Fatalf("incoming len = %d, want 1", got)
	}
}

func TestHandleEnvelopeGapTriggersRefetch(t *testing.T) {
	auth := newFakeAuthority()
	assigned := offered("e1")
	assigned.Status = models.EmergencyAccepted
	assigned.AssignedDriver = "someone-else"
	auth.set(assigned)

	a := NewAgent("me", auth, &fakeConnector{})
	a.Store().AddIncoming(offered("e1"))
	a.Store().CheckSeq("e1", 1)

	snap, _ := json.Marshal(offered("e1"))
	a.HandleEnvelope(context.Background(), models.Envelope{
		Event: models.EventUpdated, EmergencyID: "e1", Seq: 4, Payload: snap,
	})

	auth.mu.Lock()
	gets := auth.gets
	auth.mu.Unlock()
	if gets != 1 {
		t.Fatalf("gap did not trigger a refetch, gets = %d", gets)
	}
	// the refetched truth evicted the local offer
	if len(a.Store().Incoming()) != 0 {
		t.Fatalf("stale offer survived gap reconciliation")
	}
}

func TestRunFailsAfterAttemptBudget(t *testing.T) {
	a := NewAgent("me", newFakeAuthority(), &fakeConnector{},
		WithReconnectPolicy(ReconnectPolicy{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 3}))

	err := a.Run(context.Background())
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("err = %v, want ErrConnectionFailed", err)
	}
}

func TestRunResyncsAfterReconnect(t *testing.T) {
	auth := newFakeAuthority()
	taken := offered("e1")
	taken.Status = models.EmergencyAccepted
	taken.AssignedDriver = "someone-else"
	auth.set(taken)

	conn := newFakeConn()
	connector := &fakeConnector{outcomes: []dialOutcome{
		{err: errors.New("network down")},
		{conn: conn},
	}}
	a := NewAgent("me", auth, connector,
		WithReconnectPolicy(ReconnectPolicy{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 10}))
	// offer arrived before the outage; while offline the emergency was
	// assigned to another driver
	a.Store().AddIncoming(offered("e1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(a.Store().Incoming()) == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(a.Store().Incoming()) != 0 {
		t.Fatalf("mirror did not converge after reconnect")
	}
	cancel()
	<-done
}

func TestPublishLocationDroppedWhileDisconnected(t *testing.T) {
	a := NewAgent("me", newFakeAuthority(), &fakeConnector{})
	if err := a.PublishLocation(models.LocationSample{Lat: 1, Lng: 2, Timestamp: time.Now()}); err != nil {
		t.Fatalf("disconnected publish should be a silent drop, got %v", err)
	}
}
