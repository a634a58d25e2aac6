package storage

import (
	"errors"
	"sync"

	"github.com/example/ambulance-dispatch/internal/models"
)

// ErrVersionConflict signals that an update lost an optimistic-concurrency
// race; the caller should re-read and retry or give up.
var ErrVersionConflict = errors.New("emergency version conflict")

// EmergencyStore defines persistence operations for emergencies.
type EmergencyStore interface {
	Save(e *models.EmergencyRequest) error
	// Update applies e only if the stored version matches e.Version-1.
	Update(e *models.EmergencyRequest) error
	Get(id string) (*models.EmergencyRequest, bool)
}

type MemoryStore struct {
	mu          sync.RWMutex
	emergencies map[string]*models.EmergencyRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{emergencies: make(map[string]*models.EmergencyRequest)}
}

func (m *MemoryStore) Save(e *models.EmergencyRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emergencies[e.ID] = e.Clone()
	return nil
}

func (m *MemoryStore) Update(e *models.EmergencyRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.emergencies[e.ID]
	if !ok {
		return errors.New("emergency not found")
	}
	if cur.Version != e.Version-1 {
		return ErrVersionConflict
	}
	m.emergencies[e.ID] = e.Clone()
	return nil
}

func (m *MemoryStore) Get(id string) (*models.EmergencyRequest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.emergencies[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}
