package transport

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ambulance-dispatch/internal/models"
)

// Session represents a connected driver's push channel. Writes are
// serialized; gorilla/websocket allows only one concurrent writer.
type Session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *Session) Send(env models.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(env)
}

// Registry holds driver push sessions keyed by driver id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{sessions: make(map[string]*Session), logger: logger}
}

// Add registers a driver's session, replacing any previous one. The
// returned handle identifies this connection for RemoveSession.
func (r *Registry) Add(driverID string, conn *websocket.Conn) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &Session{conn: conn}
	r.sessions[driverID] = s
	return s
}

func (r *Registry) Remove(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, driverID)
}

// RemoveSession evicts the driver's session only if it is still s. A
// reconnect replaces the session, and the old connection's teardown must
// not tear down its successor.
func (r *Registry) RemoveSession(driverID string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[driverID]; ok && cur == s {
		delete(r.sessions, driverID)
		return true
	}
	return false
}

func (r *Registry) Connected(driverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[driverID]
	return ok
}

// Notify sends an event to a single driver. Delivery is at-least-once from
// the receiver's point of view; senders may retry on transient errors.
func (r *Registry) Notify(driverID string, env models.Envelope) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(env); err != nil {
		r.logger.Warn("ws send failed", "driver_id", driverID, "event", env.Event, "error", err)
		r.RemoveSession(driverID, s)
		return err
	}
	return nil
}

// Broadcast sends an event to every listed driver, best effort.
func (r *Registry) Broadcast(driverIDs []string, env models.Envelope) {
	for _, id := range driverIDs {
		_ = r.Notify(id, env)
	}
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no push session" }
