package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ambulance-dispatch/internal/auth"
	"github.com/example/ambulance-dispatch/internal/dispatch"
	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/ingest"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/transport"
)

// Server is the request/response surface of the dispatch authority. Every
// state-changing operation available on the push channel is also reachable
// here, for clients whose socket is down or who need a synchronous result.
type Server struct {
	Machine  *dispatch.StateMachine
	Presence geo.Registry
	Kafka    *ingest.KafkaProducer
	WSReg    *transport.Registry
	Verifier *auth.Verifier

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(machine *dispatch.StateMachine, presence geo.Registry, kafka *ingest.KafkaProducer, wsreg *transport.Registry, verifier *auth.Verifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Machine:  machine,
		Presence: presence,
		Kafka:    kafka,
		WSReg:    wsreg,
		Verifier: verifier,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.Verifier.Middleware)
	api.HandleFunc("/emergencies", s.handleCreate).Methods("POST")
	api.HandleFunc("/emergencies/{id}", s.handleGet).Methods("GET")
	api.HandleFunc("/emergencies/{id}/accept", s.handleAccept).Methods("POST")
	api.HandleFunc("/emergencies/{id}/reject", s.handleReject).Methods("POST")
	api.HandleFunc("/emergencies/{id}/status", s.handleStatus).Methods("POST")
	api.HandleFunc("/emergencies/{id}/pickup", s.handlePickup).Methods("POST")
	api.HandleFunc("/emergencies/{id}/arrival", s.handleArrival).Methods("POST")
	api.HandleFunc("/emergencies/{id}/cancel", s.handleCancelByPatient).Methods("POST")

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req models.EmergencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	e, err := s.Machine.Create(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	e, err := s.Machine.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.callerDriver(w, r)
	if !ok {
		return
	}
	e, err := s.Machine.Accept(mux.Vars(r)["id"], driverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.callerDriver(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := s.Machine.Reject(mux.Vars(r)["id"], driverID, body.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.callerDriver(w, r)
	if !ok {
		return
	}
	var body struct {
		Status models.EmergencyStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	e, err := s.Machine.UpdateStatus(mux.Vars(r)["id"], driverID, body.Status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) handlePickup(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.callerDriver(w, r)
	if !ok {
		return
	}
	var body struct {
		Location models.Coord `json:"location"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	e, err := s.Machine.MarkPickup(mux.Vars(r)["id"], driverID, body.Location)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleArrival(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.callerDriver(w, r)
	if !ok {
		return
	}
	var body struct {
		HospitalID string       `json:"hospital_id"`
		Location   models.Coord `json:"location"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	e, err := s.Machine.MarkHospitalArrival(mux.Vars(r)["id"], driverID, body.HospitalID, body.Location)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleCancelByPatient(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	e, err := s.Machine.CancelByPatient(mux.Vars(r)["id"], body.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var u models.LocationUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.Kafka != nil {
		if err := s.Kafka.PublishLocation(u); err != nil {
			s.logger.Warn("location publish failed", "driver_id", u.DriverID, "error", err)
		}
	}
	s.Presence.UpdateLocation(u.DriverID, u.LocationSample)
	w.WriteHeader(http.StatusNoContent)
}

// callerDriver resolves the acting driver id from the verified bearer
// claims, falling back to the request body for trusted internal callers.
func (s *Server) callerDriver(w http.ResponseWriter, r *http.Request) (string, bool) {
	if claims := auth.FromContext(r.Context()); claims != nil && claims.DriverID != "" {
		return claims.DriverID, true
	}
	var body struct {
		DriverID string `json:"driver_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return "", false
	}
	return body.DriverID, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrAlreadyAssigned):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, dispatch.ErrOfferExpired):
		http.Error(w, err.Error(), http.StatusGone)
	case errors.Is(err, dispatch.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
