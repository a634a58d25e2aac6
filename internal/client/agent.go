package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ambulance-dispatch/internal/dispatch"
	"github.com/example/ambulance-dispatch/internal/models"
)

// ErrConnectionFailed is surfaced after the reconnect budget is exhausted.
// The request/response path keeps working; the push mirror is degraded.
var ErrConnectionFailed = errors.New("push channel unreachable after retries")

// Authority is the request/response path to the dispatch authority, used
// for operations whose result the caller must know synchronously.
type Authority interface {
	Accept(ctx context.Context, emergencyID, driverID string) (*models.EmergencyRequest, error)
	Reject(ctx context.Context, emergencyID, driverID, reason string) error
	UpdateStatus(ctx context.Context, emergencyID, driverID string, status models.EmergencyStatus) (*models.EmergencyRequest, error)
	MarkPickup(ctx context.Context, emergencyID, driverID string, loc models.Coord) (*models.EmergencyRequest, error)
	MarkHospitalArrival(ctx context.Context, emergencyID, driverID, hospitalID string, loc models.Coord) (*models.EmergencyRequest, error)
	Get(ctx context.Context, emergencyID string) (*models.EmergencyRequest, error)
}

// Conn is a live push channel.
type Conn interface {
	Events() <-chan models.Envelope
	Send(env models.Envelope) error
	Close() error
}

// Connector dials the push channel. Dial authenticates with the bearer
// credential and announces presence before returning.
type Connector interface {
	Dial(ctx context.Context) (Conn, error)
}

type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnected
	StateReconnecting
	StateFailed
)

// ReconnectPolicy bounds the exponential backoff of the push channel.
type ReconnectPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{InitialDelay: time.Second, MaxDelay: 5 * time.Second, MaxAttempts: 10}
}

// Agent mirrors the authoritative state machine on a driver's device:
// it applies optimistic local transitions, reconciles them against
// authoritative broadcasts, deduplicates notifications and drives
// reconnection and resubscription.
type Agent struct {
	driverID  string
	authority Authority
	connector Connector
	store     *Store
	policy    ReconnectPolicy
	logger    *slog.Logger

	stateCh chan ConnState // latest-wins state notifications
	connMu  sync.Mutex
	conn    Conn
}

func NewAgent(driverID string, authority Authority, connector Connector, opts ...Option) *Agent {
	a := &Agent{
		driverID:  driverID,
		authority: authority,
		connector: connector,
		store:     NewStore(),
		policy:    DefaultReconnectPolicy(),
		logger:    slog.Default(),
		stateCh:   make(chan ConnState, 1),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

type Option func(*Agent)

func WithReconnectPolicy(p ReconnectPolicy) Option { return func(a *Agent) { a.policy = p } }
func WithLogger(l *slog.Logger) Option             { return func(a *Agent) { a.logger = l } }

func (a *Agent) Store() *Store { return a.store }

// States exposes connection-state changes for the UI layer.
func (a *Agent) States() <-chan ConnState { return a.stateCh }

func (a *Agent) setState(s ConnState) {
	select {
	case a.stateCh <- s:
	default:
		// drop the stale state, keep the newest
		select {
		case <-a.stateCh:
		default:
		}
		a.stateCh <- s
	}
}

// Run maintains the push channel until ctx is done, reconnecting with
// bounded exponential backoff. After the attempt budget is spent it
// surfaces ErrConnectionFailed; locally mirrored state is retained.
func (a *Agent) Run(ctx context.Context) error {
	attempts := 0
	delay := a.policy.InitialDelay
	for {
		conn, err := a.connector.Dial(ctx)
		if err != nil {
			attempts++
			if a.policy.MaxAttempts > 0 && attempts >= a.policy.MaxAttempts {
				a.setState(StateFailed)
				return ErrConnectionFailed
			}
			a.setState(StateReconnecting)
			a.logger.Warn("push channel dial failed", "attempt", attempts, "retry_in", delay, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > a.policy.MaxDelay {
				delay = a.policy.MaxDelay
			}
			continue
		}

		attempts = 0
		delay = a.policy.InitialDelay
		a.setConn(conn)
		a.setState(StateConnected)

		// close the gap for anything missed while disconnected: pull the
		// authoritative state instead of trusting buffered pushes
		a.Resync(ctx)

		a.consume(ctx, conn)
		a.setConn(nil)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.setState(StateReconnecting)
	}
}

func (a *Agent) setConn(c Conn) {
	a.connMu.Lock()
	a.conn = c
	a.connMu.Unlock()
}

func (a *Agent) consume(ctx context.Context, conn Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-conn.Events():
			if !ok {
				return
			}
			a.HandleEnvelope(ctx, env)
		}
	}
}

// Resync refetches every tracked emergency from the authority and
// reconciles the mirror against the result.
func (a *Agent) Resync(ctx context.Context) {
	for _, id := range a.store.KnownIDs() {
		e, err := a.authority.Get(ctx, id)
		if err != nil {
			if errors.Is(err, dispatch.ErrNotFound) {
				a.store.RemoveIncoming(id)
			}
			continue
		}
		a.store.ApplySnapshot(a.driverID, e)
	}
}

// HandleEnvelope applies one push event to the local mirror. Events are
// applied in authority-assigned sequence order; a detected gap triggers a
// full refetch of that emergency rather than incremental repair.
func (a *Agent) HandleEnvelope(ctx context.Context, env models.Envelope) {
	switch a.store.CheckSeq(env.EmergencyID, env.Seq) {
	case SeqStale:
		return
	case SeqGap:
		a.refetch(ctx, env.EmergencyID)
		return
	}

	switch env.Event {
	case models.EventNewRequest:
		var notice dispatch.OfferNotice
		if err := json.Unmarshal(env.Payload, &notice); err != nil || notice.Emergency == nil {
			a.logger.Warn("malformed offer notice", "emergency_id", env.EmergencyID)
			return
		}
		if a.store.AddIncoming(notice.Emergency) {
			a.logger.Info("offer received", "emergency_id", notice.Emergency.ID, "deadline", notice.Deadline)
		}
	case models.EventUpdated:
		var e models.EmergencyRequest
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			a.refetch(ctx, env.EmergencyID)
			return
		}
		a.store.ApplySnapshot(a.driverID, &e)
	case models.EventCancelled, models.EventCancelledByPatient:
		var c models.Cancellation
		_ = json.Unmarshal(env.Payload, &c)
		a.applyCancellation(ctx, env.EmergencyID, env.Event, c)
	}
}

func (a *Agent) applyCancellation(ctx context.Context, emergencyID, event string, c models.Cancellation) {
	byPatient := event == models.EventCancelledByPatient
	a.logger.Info("emergency cancelled", "emergency_id", emergencyID, "by_patient", byPatient, "reason", c.Reason)
	a.refetch(ctx, emergencyID)
}

func (a *Agent) refetch(ctx context.Context, emergencyID string) {
	if emergencyID == "" {
		return
	}
	e, err := a.authority.Get(ctx, emergencyID)
	if err != nil {
		if errors.Is(err, dispatch.ErrNotFound) {
			a.store.RemoveIncoming(emergencyID)
		}
		return
	}
	a.store.ApplySnapshot(a.driverID, e)
}

// Accept optimistically claims the offer locally, then reconciles against
// the authoritative result. Losing the race rolls the mirror back and
// drops the offer; the caller sees ErrAlreadyAssigned, distinct from a
// transport failure.
func (a *Agent) Accept(ctx context.Context, emergencyID string) (*models.EmergencyRequest, error) {
	opID := uuid.NewString()
	prior := a.store.RemoveIncoming(emergencyID)
	if prior == nil {
		return nil, dispatch.ErrOfferExpired
	}
	optimistic := prior.Clone()
	optimistic.Status = models.EmergencyAccepted
	optimistic.AssignedDriver = a.driverID
	a.store.SetActive(optimistic)

	e, err := a.authority.Accept(ctx, emergencyID, a.driverID)
	if err != nil {
		a.store.SetActive(nil)
		if errors.Is(err, dispatch.ErrAlreadyAssigned) || errors.Is(err, dispatch.ErrOfferExpired) {
			// lost the race; the offer stays gone
			a.logger.Info("accept lost", "emergency_id", emergencyID, "op_id", opID, "error", err)
			return nil, err
		}
		// transport failure: restore the offer so the driver can retry
		a.store.AddIncoming(prior)
		return nil, err
	}
	a.store.ApplySnapshot(a.driverID, e)
	return e, nil
}

// Reject removes the offer locally and notifies the authority, which
// immediately forwards the emergency to the next candidate.
func (a *Agent) Reject(ctx context.Context, emergencyID, reason string) error {
	prior := a.store.RemoveIncoming(emergencyID)
	err := a.authority.Reject(ctx, emergencyID, a.driverID, reason)
	if err != nil && !errors.Is(err, dispatch.ErrOfferExpired) && !errors.Is(err, dispatch.ErrAlreadyAssigned) {
		if prior != nil {
			a.store.AddIncoming(prior)
		}
		return err
	}
	return nil
}

// UpdateStatus drives the active trip through pickup, completion or
// cancellation via the request/response path.
func (a *Agent) UpdateStatus(ctx context.Context, emergencyID string, status models.EmergencyStatus) (*models.EmergencyRequest, error) {
	e, err := a.authority.UpdateStatus(ctx, emergencyID, a.driverID, status)
	if err != nil {
		return nil, err
	}
	a.store.ApplySnapshot(a.driverID, e)
	return e, nil
}

func (a *Agent) MarkPickup(ctx context.Context, emergencyID string, loc models.Coord) (*models.EmergencyRequest, error) {
	e, err := a.authority.MarkPickup(ctx, emergencyID, a.driverID, loc)
	if err != nil {
		return nil, err
	}
	a.store.ApplySnapshot(a.driverID, e)
	return e, nil
}

func (a *Agent) MarkHospitalArrival(ctx context.Context, emergencyID, hospitalID string, loc models.Coord) (*models.EmergencyRequest, error) {
	e, err := a.authority.MarkHospitalArrival(ctx, emergencyID, a.driverID, hospitalID, loc)
	if err != nil {
		return nil, err
	}
	a.store.ApplySnapshot(a.driverID, e)
	return e, nil
}

// PublishLocation pushes a location sample over the live channel. Samples
// produced while disconnected are dropped; a fresh one follows shortly and
// a stale position would corrupt ETA ranking.
func (a *Agent) PublishLocation(s models.LocationSample) error {
	a.connMu.Lock()
	conn := a.conn
	a.connMu.Unlock()
	if conn == nil {
		return nil
	}
	payload, _ := json.Marshal(models.LocationUpdate{DriverID: a.driverID, LocationSample: s})
	return conn.Send(models.Envelope{Event: models.EventUpdateLocation, Timestamp: time.Now(), Payload: payload})
}

// PublishStatus announces a driver status change over the live channel.
func (a *Agent) PublishStatus(status models.DriverStatus) error {
	a.connMu.Lock()
	conn := a.conn
	a.connMu.Unlock()
	if conn == nil {
		return nil
	}
	payload, _ := json.Marshal(models.StatusPush{DriverID: a.driverID, Status: status, Timestamp: time.Now()})
	return conn.Send(models.Envelope{Event: models.EventUpdateStatus, Timestamp: time.Now(), Payload: payload})
}
