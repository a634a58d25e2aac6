package models

import (
	"encoding/json"
	"time"
)

// Push-channel event names. Authority-to-client events carry emergency
// snapshots; client-to-authority events carry driver telemetry and
// lifecycle signals.
const (
	EventNewRequest         = "emergency:newRequest"
	EventCancelledByPatient = "emergency:cancelledByPatient"
	EventCancelled          = "emergency:cancelled"
	EventUpdated            = "emergency:updated"

	EventDriverConnected   = "driver:connected"
	EventUpdateLocation    = "driver:updateLocation"
	EventUpdateStatus      = "driver:updateStatus"
	EventEmergencyAccepted = "driver:emergencyAccepted"
	EventPatientPickedUp   = "driver:patientPickedUp"
	EventHospitalArrival   = "driver:hospitalArrival"
	EventTripCompleted     = "driver:tripCompleted"
)

// Envelope wraps every push-channel message. Seq is assigned by the
// authority per emergency; receivers apply events in Seq order and fall
// back to last-write-wins on Timestamp when Seq is absent.
type Envelope struct {
	Event       string          `json:"event"`
	EmergencyID string          `json:"emergency_id,omitempty"`
	Seq         uint64          `json:"seq,omitempty"`
	Timestamp   time.Time       `json:"ts"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Cancellation is the payload for both cancellation events. Patient- and
// driver-initiated cancellations use distinct event names so clients can
// present different messaging.
type Cancellation struct {
	EmergencyID string `json:"emergency_id"`
	Reason      string `json:"reason,omitempty"`
	Message     string `json:"message,omitempty"`
}

// StatusPush is the client-to-authority driver status payload.
type StatusPush struct {
	DriverID  string       `json:"driver_id"`
	Status    DriverStatus `json:"status"`
	Timestamp time.Time    `json:"ts"`
}
