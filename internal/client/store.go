package client

import (
	"sync"

	"github.com/example/ambulance-dispatch/internal/models"
)

// Store is the driver client's local mirror of authoritative state: zero
// or one active emergency, deduplicated open offers, and a history of
// terminal emergencies. It is updated only through accepted transitions
// or explicit refetches.
type Store struct {
	mu       sync.Mutex
	active   *models.EmergencyRequest
	incoming []*models.EmergencyRequest
	history  []*models.EmergencyRequest
	lastSeq  map[string]uint64
}

func NewStore() *Store {
	return &Store{lastSeq: make(map[string]uint64)}
}

// AddIncoming records an open offer. Duplicate notifications for an id
// already present are dropped; the push channel is at-least-once.
func (s *Store) AddIncoming(e *models.EmergencyRequest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.incoming {
		if cur.ID == e.ID {
			return false
		}
	}
	s.incoming = append(s.incoming, e.Clone())
	return true
}

func (s *Store) RemoveIncoming(id string) *models.EmergencyRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeIncomingLocked(id)
}

func (s *Store) removeIncomingLocked(id string) *models.EmergencyRequest {
	for i, cur := range s.incoming {
		if cur.ID == id {
			s.incoming = append(s.incoming[:i], s.incoming[i+1:]...)
			return cur
		}
	}
	return nil
}

func (s *Store) Active() *models.EmergencyRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	return s.active.Clone()
}

func (s *Store) SetActive(e *models.EmergencyRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e == nil {
		s.active = nil
		return
	}
	s.active = e.Clone()
}

func (s *Store) Incoming() []*models.EmergencyRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.EmergencyRequest, 0, len(s.incoming))
	for _, e := range s.incoming {
		out = append(out, e.Clone())
	}
	return out
}

func (s *Store) History() []*models.EmergencyRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.EmergencyRequest, 0, len(s.history))
	for _, e := range s.history {
		out = append(out, e.Clone())
	}
	return out
}

// KnownIDs lists every emergency the mirror currently tracks; used to
// drive refetches after a reconnect.
func (s *Store) KnownIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	if s.active != nil {
		ids = append(ids, s.active.ID)
	}
	for _, e := range s.incoming {
		ids = append(ids, e.ID)
	}
	return ids
}

// SeqResult classifies an envelope's sequence number against the mirror.
type SeqResult int

const (
	SeqApply SeqResult = iota // next in order, apply it
	SeqStale                  // duplicate or out of order, drop it
	SeqGap                    // events were missed, refetch instead
)

// CheckSeq records and classifies seq for an emergency. Seq zero means the
// sender did not number the event; those always apply (last-write-wins).
func (s *Store) CheckSeq(emergencyID string, seq uint64) SeqResult {
	if seq == 0 {
		return SeqApply
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.lastSeq[emergencyID]
	switch {
	case seq <= last:
		return SeqStale
	case seq == last+1 || last == 0:
		s.lastSeq[emergencyID] = seq
		return SeqApply
	default:
		s.lastSeq[emergencyID] = seq
		return SeqGap
	}
}

// ApplySnapshot reconciles an authoritative snapshot into the mirror for
// driver driverID. Terminal emergencies move to history; assignments to
// other drivers evict local offers and any stale active mirror.
func (s *Store) ApplySnapshot(driverID string, e *models.EmergencyRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeIncomingLocked(e.ID)

	switch {
	case e.Status.Terminal():
		if s.active != nil && s.active.ID == e.ID {
			s.active = nil
		}
		// the same terminal state can arrive via event and resync
		for i, h := range s.history {
			if h.ID == e.ID {
				s.history[i] = e.Clone()
				return
			}
		}
		s.history = append(s.history, e.Clone())
	case e.AssignedDriver == driverID:
		s.active = e.Clone()
	default:
		// assigned elsewhere or re-offered; drop any stale local claim
		if s.active != nil && s.active.ID == e.ID {
			s.active = nil
		}
		if e.Status == models.EmergencyOffered && e.AssignedDriver == "" {
			// an open re-offer to us arrives as emergency:newRequest, so
			// nothing to do here
			return
		}
	}
}
