package dispatch

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ambulance-dispatch/internal/eta"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/observability"
	"github.com/example/ambulance-dispatch/internal/storage"
)

// Notifier delivers push events to drivers. Implementations must tolerate
// redelivery; receivers treat events as idempotent.
type Notifier interface {
	Notify(driverID string, env models.Envelope) error
	Broadcast(driverIDs []string, env models.Envelope)
}

// Registry is the external driver-presence source consulted for candidate
// selection. Reads may be slightly stale; selection is advisory.
type Registry interface {
	Nearby(lat, lng float64, limit int) []models.DriverPresence
	Upsert(p models.DriverPresence)
	// SetStatus flips only the status; the driver's last known location
	// and sample freshness must survive lifecycle transitions.
	SetStatus(driverID string, status models.DriverStatus)
}

// Listener receives lifecycle hooks for accepted transitions. Used for
// billing and operator alerting; failures never block a transition.
type Listener interface {
	EmergencyAccepted(e *models.EmergencyRequest)
	EmergencyCompleted(e *models.EmergencyRequest)
	EmergencyCancelled(e *models.EmergencyRequest)
}

type Config struct {
	// OfferTimeout is the server-owned deadline for a driver to answer an
	// offer. A disconnected candidate is still timed out and forwarded.
	OfferTimeout   time.Duration
	MaxOfferRounds int
	CandidateTopN  int
	SpeedKmh       float64
}

// OfferNotice is the payload of an emergency:newRequest push event.
type OfferNotice struct {
	Emergency  *models.EmergencyRequest `json:"emergency"`
	Deadline   time.Time                `json:"deadline"`
	ETAMinutes int                      `json:"eta_minutes"`
}

// StateMachine is the dispatch authority: the single writer for each
// emergency's lifecycle and assignment. Exclusivity under concurrent
// accepts reduces to the per-emergency lock plus the version check on the
// store update.
type StateMachine struct {
	cfg       Config
	store     storage.EmergencyStore
	presence  Registry
	notifier  Notifier
	logger    *slog.Logger
	listeners []Listener

	// ETA, when set, routes offer ETAs through a routing backend with a
	// memo cache; otherwise the linear model is used.
	ETA *eta.Estimator

	// OnExhausted is invoked when forwarding runs out of candidates; the
	// emergency stays parked awaiting new availability.
	OnExhausted func(emergencyID string)

	mu      sync.Mutex
	entries map[string]*entry
}

// entry is the in-memory runtime state for one emergency. en.mu is the
// single-writer lock for that emergency.
type entry struct {
	mu       sync.Mutex
	e        *models.EmergencyRequest
	attempt  *models.OfferAttempt
	attempts []*models.OfferAttempt
	offered  map[string]bool
	timer    *time.Timer
	seq      uint64
}

func NewStateMachine(cfg Config, store storage.EmergencyStore, presence Registry, notifier Notifier, logger *slog.Logger) *StateMachine {
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = 30 * time.Second
	}
	if cfg.CandidateTopN <= 0 {
		cfg.CandidateTopN = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StateMachine{
		cfg:      cfg,
		store:    store,
		presence: presence,
		notifier: notifier,
		logger:   logger,
		entries:  make(map[string]*entry),
	}
}

func (m *StateMachine) AddListener(l Listener) {
	m.listeners = append(m.listeners, l)
}

// Create inserts a new emergency in pending state and immediately offers
// it to the nearest candidate.
func (m *StateMachine) Create(req models.EmergencyRequest) (*models.EmergencyRequest, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Status = models.EmergencyPending
	req.AssignedDriver = ""
	req.Version = 0
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now()
	}
	if err := m.store.Save(&req); err != nil {
		return nil, err
	}

	en := &entry{e: req.Clone(), offered: make(map[string]bool)}
	m.mu.Lock()
	m.entries[req.ID] = en
	m.mu.Unlock()

	en.mu.Lock()
	deliver := m.offerNext(en)
	snap := en.e.Clone()
	en.mu.Unlock()
	deliver()

	m.logger.Info("emergency created", "emergency_id", req.ID, "severity", req.Severity, "status", snap.Status)
	return snap, nil
}

// offerNext issues a new OfferAttempt to the best remaining candidate.
// Caller holds en.mu and must run the returned func after releasing it;
// the push write can block and must not stall the emergency lock.
func (m *StateMachine) offerNext(en *entry) (deliver func()) {
	deliver = func() {}
	e := en.e
	if e.Status.Terminal() || e.AssignedDriver != "" {
		return deliver
	}
	if en.attempt != nil && en.attempt.Outcome == models.OfferPending {
		// a live attempt must be terminal before a new one is issued
		return deliver
	}
	if m.cfg.MaxOfferRounds > 0 && len(en.attempts) >= m.cfg.MaxOfferRounds {
		m.exhausted(en)
		return deliver
	}

	cand, ok := m.nextCandidate(en)
	if !ok {
		m.exhausted(en)
		return deliver
	}

	now := time.Now()
	attempt := models.OfferAttempt{
		EmergencyID: e.ID,
		DriverID:    cand.DriverID,
		IssuedAt:    now,
		Deadline:    now.Add(m.cfg.OfferTimeout),
		Outcome:     models.OfferPending,
	}
	en.attempt = &attempt
	en.attempts = append(en.attempts, &attempt)
	en.offered[cand.DriverID] = true

	e.Status = models.EmergencyOffered
	m.persist(en)

	observability.OffersIssued.Inc()
	m.logger.Info("offer issued", "emergency_id", e.ID, "driver_id", cand.DriverID, "deadline", attempt.Deadline)

	notice := OfferNotice{
		Emergency:  e.Clone(),
		Deadline:   attempt.Deadline,
		ETAMinutes: m.etaMinutes(cand.Loc, e.Location),
	}
	env := m.envelope(en, models.EventNewRequest, notice)

	issuedAt := attempt.IssuedAt
	driverID := attempt.DriverID
	en.timer = time.AfterFunc(m.cfg.OfferTimeout, func() {
		m.expire(e.ID, driverID, issuedAt)
	})

	// the candidate alone is told about the open offer
	return func() { _ = m.notifier.Notify(driverID, env) }
}

func (m *StateMachine) etaMinutes(from, to models.Coord) int {
	if m.ETA != nil {
		return m.ETA.Minutes(from, to)
	}
	return eta.MinutesBetween(from, to, m.cfg.SpeedKmh)
}

// nextCandidate picks the nearest available driver not yet offered this
// emergency; ties are broken inside the registry by freshest sample.
func (m *StateMachine) nextCandidate(en *entry) (models.DriverPresence, bool) {
	cands := m.presence.Nearby(en.e.Location.Lat, en.e.Location.Lng, m.cfg.CandidateTopN+len(en.offered))
	for _, c := range cands {
		if en.offered[c.DriverID] {
			continue
		}
		return c, true
	}
	return models.DriverPresence{}, false
}

func (m *StateMachine) exhausted(en *entry) {
	observability.OfferExhausted.Inc()
	m.logger.Warn("no candidates remain, emergency parked", "emergency_id", en.e.ID, "rounds", len(en.attempts))
	if m.OnExhausted != nil {
		go m.OnExhausted(en.e.ID)
	}
}

// Accept resolves a driver's accept call. Exactly one caller per emergency
// wins; all later callers get ErrAlreadyAssigned.
func (m *StateMachine) Accept(emergencyID, driverID string) (*models.EmergencyRequest, error) {
	en, ok := m.entry(emergencyID)
	if !ok {
		return nil, ErrNotFound
	}
	en.mu.Lock()

	e := en.e
	if e.AssignedDriver != "" {
		if e.AssignedDriver == driverID {
			// retried accept after a win is a no-op
			snap := e.Clone()
			en.mu.Unlock()
			return snap, nil
		}
		en.mu.Unlock()
		observability.AssignConflicts.Inc()
		return nil, ErrAlreadyAssigned
	}
	attempt := en.attempt
	if attempt == nil || attempt.DriverID != driverID || attempt.Outcome != models.OfferPending {
		terminal := e.Status.Terminal()
		en.mu.Unlock()
		if terminal {
			return nil, ErrNotFound
		}
		return nil, ErrOfferExpired
	}
	if time.Now().After(attempt.Deadline) {
		// let the timer callback retire and forward it
		en.mu.Unlock()
		return nil, ErrOfferExpired
	}

	// the assignment CAS: we hold the single-writer lock and verified the
	// field is empty, so this driver wins
	now := time.Now()
	e.AssignedDriver = driverID
	e.Status = models.EmergencyAccepted
	e.OfferRespondedAt = &now
	attempt.Outcome = models.OfferAccepted
	en.stopTimer()
	if err := m.persist(en); err != nil {
		// a store-level version conflict means another authority instance
		// won; undo and report the loss
		e.AssignedDriver = ""
		e.Status = models.EmergencyOffered
		e.OfferRespondedAt = nil
		attempt.Outcome = models.OfferRejected
		en.mu.Unlock()
		observability.AssignConflicts.Inc()
		return nil, ErrAlreadyAssigned
	}

	snap := e.Clone()
	targets, env := m.prepareFanout(en, models.EventUpdated, snap)
	en.mu.Unlock()

	// the lock is released before anything that can block: presence I/O,
	// push writes, listener gateways
	m.presence.SetStatus(driverID, models.DriverBusy)
	observability.OffersAccepted.Inc()
	m.logger.Info("offer accepted", "emergency_id", snap.ID, "driver_id", driverID)
	m.notifier.Broadcast(targets, env)
	for _, l := range m.listeners {
		l.EmergencyAccepted(snap)
	}
	return snap, nil
}

// Reject marks the driver's pending offer rejected and immediately
// forwards the emergency to the next candidate.
func (m *StateMachine) Reject(emergencyID, driverID, reason string) error {
	en, ok := m.entry(emergencyID)
	if !ok {
		return ErrNotFound
	}
	en.mu.Lock()

	e := en.e
	attempt := en.attempt
	if attempt == nil || attempt.DriverID != driverID || attempt.Outcome != models.OfferPending {
		assignedElsewhere := e.AssignedDriver != "" && e.AssignedDriver != driverID
		en.mu.Unlock()
		if assignedElsewhere {
			return ErrAlreadyAssigned
		}
		return ErrOfferExpired
	}

	attempt.Outcome = models.OfferRejected
	en.stopTimer()
	observability.OffersRejected.Inc()
	m.logger.Info("offer rejected", "emergency_id", e.ID, "driver_id", driverID, "reason", reason)

	deliver := func() {}
	if e.AssignedDriver == "" {
		deliver = m.offerNext(en)
	}
	en.mu.Unlock()
	deliver()
	return nil
}

// expire is the server-owned timeout check scheduled at each attempt's
// deadline. Races with Accept/Reject resolve under the entry lock: only a
// still-pending matching attempt is retired.
func (m *StateMachine) expire(emergencyID, driverID string, issuedAt time.Time) {
	en, ok := m.entry(emergencyID)
	if !ok {
		return
	}
	en.mu.Lock()

	attempt := en.attempt
	if attempt == nil || attempt.Outcome != models.OfferPending ||
		attempt.DriverID != driverID || !attempt.IssuedAt.Equal(issuedAt) {
		en.mu.Unlock()
		return
	}
	attempt.Outcome = models.OfferExpired
	observability.OffersExpired.Inc()
	m.logger.Info("offer expired", "emergency_id", emergencyID, "driver_id", driverID)

	deliver := func() {}
	if en.e.AssignedDriver == "" {
		deliver = m.offerNext(en)
	}
	en.mu.Unlock()
	deliver()
}

// Reoffer retries candidate selection for a parked emergency, e.g. after a
// new driver comes online.
func (m *StateMachine) Reoffer(emergencyID string) error {
	en, ok := m.entry(emergencyID)
	if !ok {
		return ErrNotFound
	}
	en.mu.Lock()
	if en.e.Status.Terminal() || en.e.AssignedDriver != "" {
		en.mu.Unlock()
		return nil
	}
	if en.attempt != nil && en.attempt.Outcome == models.OfferPending {
		en.mu.Unlock()
		return ErrNoLiveOffer
	}
	deliver := m.offerNext(en)
	en.mu.Unlock()
	deliver()
	return nil
}

// UpdateStatus applies a driver-initiated lifecycle transition. Terminal
// states are idempotent: repeated calls return the current terminal
// snapshot without error so retried network calls are harmless.
func (m *StateMachine) UpdateStatus(emergencyID, driverID string, status models.EmergencyStatus) (*models.EmergencyRequest, error) {
	en, ok := m.entry(emergencyID)
	if !ok {
		return nil, ErrNotFound
	}
	en.mu.Lock()

	e := en.e
	if e.Status.Terminal() {
		snap := e.Clone()
		en.mu.Unlock()
		return snap, nil
	}
	if e.AssignedDriver != driverID {
		en.mu.Unlock()
		return nil, ErrNotFound
	}

	now := time.Now()
	freed := false
	switch status {
	case models.EmergencyInProgress:
		e.Status = models.EmergencyInProgress
	case models.EmergencyCompleted:
		e.Status = models.EmergencyCompleted
		e.CompletedAt = &now
		freed = true
	case models.EmergencyCancelled:
		e.Status = models.EmergencyCancelled
		e.CompletedAt = &now
		freed = true
	default:
		en.mu.Unlock()
		return nil, ErrNotFound
	}
	m.persist(en)

	snap := e.Clone()
	var targets []string
	var env models.Envelope
	if status == models.EmergencyCancelled {
		targets, env = m.prepareFanout(en, models.EventCancelled, models.Cancellation{EmergencyID: e.ID, Message: "cancelled by driver"})
	} else {
		targets, env = m.prepareFanout(en, models.EventUpdated, snap)
	}
	en.mu.Unlock()

	if freed {
		m.presence.SetStatus(driverID, models.DriverAvailable)
	}
	m.logger.Info("status updated", "emergency_id", snap.ID, "driver_id", driverID, "status", snap.Status)
	m.notifier.Broadcast(targets, env)
	for _, l := range m.listeners {
		switch status {
		case models.EmergencyCompleted:
			l.EmergencyCompleted(snap)
		case models.EmergencyCancelled:
			l.EmergencyCancelled(snap)
		}
	}
	return snap, nil
}

// MarkPickup records the patient pickup and moves the trip in progress.
func (m *StateMachine) MarkPickup(emergencyID, driverID string, loc models.Coord) (*models.EmergencyRequest, error) {
	en, ok := m.entry(emergencyID)
	if !ok {
		return nil, ErrNotFound
	}
	en.mu.Lock()

	e := en.e
	if e.Status.Terminal() {
		snap := e.Clone()
		en.mu.Unlock()
		return snap, nil
	}
	if e.AssignedDriver != driverID {
		en.mu.Unlock()
		return nil, ErrNotFound
	}
	var targets []string
	var env models.Envelope
	changed := e.PickedUpAt == nil
	if changed {
		now := time.Now()
		e.PickedUpAt = &now
		e.Status = models.EmergencyInProgress
		m.persist(en)
		targets, env = m.prepareFanout(en, models.EventUpdated, e.Clone())
	}
	snap := e.Clone()
	en.mu.Unlock()

	m.reportPosition(driverID, loc)
	if changed {
		m.notifier.Broadcast(targets, env)
	}
	return snap, nil
}

// MarkHospitalArrival records arrival at the destination hospital.
func (m *StateMachine) MarkHospitalArrival(emergencyID, driverID, hospitalID string, loc models.Coord) (*models.EmergencyRequest, error) {
	en, ok := m.entry(emergencyID)
	if !ok {
		return nil, ErrNotFound
	}
	en.mu.Lock()

	e := en.e
	if e.Status.Terminal() {
		snap := e.Clone()
		en.mu.Unlock()
		return snap, nil
	}
	if e.AssignedDriver != driverID {
		en.mu.Unlock()
		return nil, ErrNotFound
	}
	var targets []string
	var env models.Envelope
	changed := e.HospitalArrivedAt == nil
	if changed {
		now := time.Now()
		e.HospitalArrivedAt = &now
		e.AssignedHospital = hospitalID
		m.persist(en)
		targets, env = m.prepareFanout(en, models.EventUpdated, e.Clone())
	}
	snap := e.Clone()
	en.mu.Unlock()

	m.reportPosition(driverID, loc)
	if changed {
		m.notifier.Broadcast(targets, env)
	}
	return snap, nil
}

// CancelByPatient is a hard preempt: it overrides any pending offer or
// accepted assignment and notifies affected drivers with the
// patient-specific cancellation event.
func (m *StateMachine) CancelByPatient(emergencyID, reason string) (*models.EmergencyRequest, error) {
	en, ok := m.entry(emergencyID)
	if !ok {
		return nil, ErrNotFound
	}
	en.mu.Lock()

	e := en.e
	if e.Status.Terminal() {
		snap := e.Clone()
		en.mu.Unlock()
		return snap, nil
	}

	var affected []string
	if en.attempt != nil && en.attempt.Outcome == models.OfferPending {
		en.attempt.Outcome = models.OfferExpired
		en.stopTimer()
		affected = append(affected, en.attempt.DriverID)
	}
	freedDriver := e.AssignedDriver
	if freedDriver != "" {
		affected = append(affected, freedDriver)
	}

	now := time.Now()
	e.Status = models.EmergencyCancelled
	e.CompletedAt = &now
	m.persist(en)

	notice := models.Cancellation{EmergencyID: e.ID, Reason: reason, Message: "the patient cancelled this request"}
	env := m.envelope(en, models.EventCancelledByPatient, notice)
	snap := e.Clone()
	en.mu.Unlock()

	if freedDriver != "" {
		m.presence.SetStatus(freedDriver, models.DriverAvailable)
	}
	m.logger.Info("emergency cancelled by patient", "emergency_id", snap.ID, "reason", reason)
	m.notifier.Broadcast(affected, env)
	for _, l := range m.listeners {
		l.EmergencyCancelled(snap)
	}
	return snap, nil
}

// Get returns the authoritative snapshot for client resynchronization.
func (m *StateMachine) Get(emergencyID string) (*models.EmergencyRequest, error) {
	en, ok := m.entry(emergencyID)
	if !ok {
		if e, found := m.store.Get(emergencyID); found {
			return e, nil
		}
		return nil, ErrNotFound
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	return en.e.Clone(), nil
}

// Attempts returns the offer history for an emergency, newest last.
func (m *StateMachine) Attempts(emergencyID string) ([]models.OfferAttempt, error) {
	en, ok := m.entry(emergencyID)
	if !ok {
		return nil, ErrNotFound
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	out := make([]models.OfferAttempt, len(en.attempts))
	for i, a := range en.attempts {
		out[i] = *a
	}
	return out, nil
}

func (m *StateMachine) entry(id string) (*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	en, ok := m.entries[id]
	return en, ok
}

// persist bumps the version and writes through to the store. Caller holds
// en.mu. Store failures other than version conflicts are logged and the
// in-memory state stays authoritative.
func (m *StateMachine) persist(en *entry) error {
	en.e.Version++
	if err := m.store.Update(en.e); err != nil {
		if err == storage.ErrVersionConflict {
			en.e.Version--
			return err
		}
		m.logger.Error("store update failed", "emergency_id", en.e.ID, "error", err)
	}
	return nil
}

// prepareFanout builds a sequence-numbered event for every driver that has
// seen this emergency. Caller holds en.mu; the broadcast itself happens
// after the lock is released since push writes can block indefinitely.
func (m *StateMachine) prepareFanout(en *entry, event string, payload any) ([]string, models.Envelope) {
	ids := make([]string, 0, len(en.offered)+1)
	for id := range en.offered {
		ids = append(ids, id)
	}
	if en.e.AssignedDriver != "" && !en.offered[en.e.AssignedDriver] {
		ids = append(ids, en.e.AssignedDriver)
	}
	return ids, m.envelope(en, event, payload)
}

// reportPosition folds a driver-reported fix into presence. A client that
// omits the coordinates still flips to busy without moving the stored
// location.
func (m *StateMachine) reportPosition(driverID string, loc models.Coord) {
	if loc.Lat == 0 && loc.Lng == 0 {
		m.presence.SetStatus(driverID, models.DriverBusy)
		return
	}
	m.presence.Upsert(models.DriverPresence{DriverID: driverID, Status: models.DriverBusy, Loc: loc, UpdatedAt: time.Now()})
}

// envelope builds a push envelope with the next per-emergency sequence
// number. Caller holds en.mu.
func (m *StateMachine) envelope(en *entry, event string, payload any) models.Envelope {
	en.seq++
	b, _ := json.Marshal(payload)
	return models.Envelope{
		Event:       event,
		EmergencyID: en.e.ID,
		Seq:         en.seq,
		Timestamp:   time.Now(),
		Payload:     b,
	}
}

func (en *entry) stopTimer() {
	if en.timer != nil {
		en.timer.Stop()
		en.timer = nil
	}
}
