package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/observability"
	"github.com/example/ambulance-dispatch/internal/transport"
)

var upgrader = websocket.Upgrader{}

// handleWS upgrades a driver's push channel. The bearer credential is
// checked before the upgrade; an invalid one is rejected at the transport
// layer.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	claims, err := s.Verifier.ValidateToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	driverID := mux.Vars(r)["driver_id"]
	if claims.DriverID != "" && claims.DriverID != driverID {
		http.Error(w, "token does not match driver", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	sess := s.WSReg.Add(driverID, conn)
	observability.DriversOnline.Inc()
	go s.readPump(driverID, conn, sess)
}

// readPump consumes client-to-authority events until the socket drops.
// Mutating events with results the client must know synchronously should
// use the request/response path; everything here is fire-and-forget.
func (s *Server) readPump(driverID string, conn *websocket.Conn, sess *transport.Session) {
	defer func() {
		observability.DriversOnline.Dec()
		// a reconnect may already have replaced this session; only the
		// still-registered connection gets to mark the driver offline
		if s.WSReg.RemoveSession(driverID, sess) {
			s.Presence.SetStatus(driverID, models.DriverOffline)
		}
		_ = conn.Close()
	}()
	for {
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		s.handleClientEvent(driverID, env)
	}
}

func (s *Server) handleClientEvent(driverID string, env models.Envelope) {
	switch env.Event {
	case models.EventDriverConnected, models.EventUpdateStatus:
		var push models.StatusPush
		if err := json.Unmarshal(env.Payload, &push); err != nil {
			return
		}
		// status only; the stored location stays until a fresh sample lands
		s.Presence.SetStatus(driverID, push.Status)
	case models.EventUpdateLocation:
		var u models.LocationUpdate
		if err := json.Unmarshal(env.Payload, &u); err != nil {
			return
		}
		u.DriverID = driverID
		if s.Kafka != nil {
			if err := s.Kafka.PublishLocation(u); err != nil {
				s.logger.Warn("location publish failed", "driver_id", driverID, "error", err)
			}
		}
		s.Presence.UpdateLocation(driverID, u.LocationSample)
	case models.EventEmergencyAccepted:
		var body struct {
			EmergencyID string `json:"emergency_id"`
		}
		if err := json.Unmarshal(env.Payload, &body); err != nil {
			return
		}
		if _, err := s.Machine.Accept(body.EmergencyID, driverID); err != nil {
			s.logger.Info("push accept rejected", "emergency_id", body.EmergencyID, "driver_id", driverID, "error", err)
		}
	case models.EventPatientPickedUp:
		var body struct {
			EmergencyID string       `json:"emergency_id"`
			Location    models.Coord `json:"location"`
		}
		if err := json.Unmarshal(env.Payload, &body); err != nil {
			return
		}
		if _, err := s.Machine.MarkPickup(body.EmergencyID, driverID, body.Location); err != nil {
			s.logger.Warn("pickup rejected", "emergency_id", body.EmergencyID, "driver_id", driverID, "error", err)
		}
	case models.EventHospitalArrival:
		var body struct {
			EmergencyID string       `json:"emergency_id"`
			HospitalID  string       `json:"hospital_id"`
			Location    models.Coord `json:"location"`
		}
		if err := json.Unmarshal(env.Payload, &body); err != nil {
			return
		}
		if _, err := s.Machine.MarkHospitalArrival(body.EmergencyID, driverID, body.HospitalID, body.Location); err != nil {
			s.logger.Warn("arrival rejected", "emergency_id", body.EmergencyID, "driver_id", driverID, "error", err)
		}
	case models.EventTripCompleted:
		var body struct {
			EmergencyID string `json:"emergency_id"`
		}
		if err := json.Unmarshal(env.Payload, &body); err != nil {
			return
		}
		if _, err := s.Machine.UpdateStatus(body.EmergencyID, driverID, models.EmergencyCompleted); err != nil {
			s.logger.Warn("completion rejected", "emergency_id", body.EmergencyID, "driver_id", driverID, "error", err)
		}
	}
}
