package models

import "time"

type Coord struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type EmergencyStatus string

const (
	EmergencyPending    EmergencyStatus = "pending"
	EmergencyOffered    EmergencyStatus = "offered"
	EmergencyAccepted   EmergencyStatus = "accepted"
	EmergencyInProgress EmergencyStatus = "in_progress"
	EmergencyCompleted  EmergencyStatus = "completed"
	EmergencyCancelled  EmergencyStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s EmergencyStatus) Terminal() bool {
	return s == EmergencyCompleted || s == EmergencyCancelled
}

type EmergencyRequest struct {
	ID               string          `json:"id"`
	PatientID        string          `json:"patient_id"`
	Symptoms         []string        `json:"symptoms,omitempty"`
	Severity         Severity        `json:"severity"`
	TriageScore      int             `json:"triage_score"`
	Location         Coord           `json:"location"`
	Status           EmergencyStatus `json:"status"`
	AssignedDriver   string          `json:"assigned_driver,omitempty"`
	AssignedHospital string          `json:"assigned_hospital,omitempty"`

	// Version guards the assignment field; every accepted transition
	// increments it so concurrent writers are detected.
	Version int64 `json:"version"`

	RequestedAt       time.Time  `json:"requested_at"`
	OfferRespondedAt  *time.Time `json:"offer_responded_at,omitempty"`
	PickedUpAt        *time.Time `json:"picked_up_at,omitempty"`
	HospitalArrivedAt *time.Time `json:"hospital_arrived_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (e *EmergencyRequest) Clone() *EmergencyRequest {
	c := *e
	if e.Symptoms != nil {
		c.Symptoms = append([]string(nil), e.Symptoms...)
	}
	c.OfferRespondedAt = cloneTime(e.OfferRespondedAt)
	c.PickedUpAt = cloneTime(e.PickedUpAt)
	c.HospitalArrivedAt = cloneTime(e.HospitalArrivedAt)
	c.CompletedAt = cloneTime(e.CompletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

type OfferOutcome string

const (
	OfferPending  OfferOutcome = "pending"
	OfferAccepted OfferOutcome = "accepted"
	OfferRejected OfferOutcome = "rejected"
	OfferExpired  OfferOutcome = "expired"
)

// OfferAttempt is a single time-bounded proposal of one emergency to one
// driver. The authority keeps at most one pending attempt per emergency.
type OfferAttempt struct {
	EmergencyID string       `json:"emergency_id"`
	DriverID    string       `json:"driver_id"`
	IssuedAt    time.Time    `json:"issued_at"`
	Deadline    time.Time    `json:"deadline"`
	Outcome     OfferOutcome `json:"outcome"`
}

type DriverStatus string

const (
	DriverAvailable DriverStatus = "available"
	DriverBusy      DriverStatus = "busy"
	DriverOffline   DriverStatus = "offline"
)

// DriverPresence is the driver-owned advisory state read by candidate
// selection. Slightly stale reads are acceptable.
type DriverPresence struct {
	DriverID    string       `json:"driver_id"`
	Status      DriverStatus `json:"status"`
	Loc         Coord        `json:"loc"`
	AmbulanceID string       `json:"ambulance_id,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

type LocationSample struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	AccuracyM float64   `json:"accuracy_m,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// LocationUpdate is the wire shape published to the location topic.
type LocationUpdate struct {
	DriverID string `json:"driver_id"`
	LocationSample
}
