package state

import (
	"context"
	"sync"
)

// MemoryStore keeps state in process memory. Each session has its own lock so
// sessions never contend with each other beyond the map lookup.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memoryEntry
}

type memoryEntry struct {
	mu    sync.Mutex
	state SessionState
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memoryEntry)}
}

func (m *MemoryStore) Init(_ context.Context, sessionID string) error {
	if err := checkID(sessionID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		m.sessions[sessionID] = &memoryEntry{state: newSessionState(sessionID)}
	}
	return nil
}

func (m *MemoryStore) Read(_ context.Context, sessionID string) (SessionState, error) {
	e, err := m.entry(sessionID)
	if err != nil {
		return SessionState{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.clone(), nil
}

func (m *MemoryStore) Write(_ context.Context, sessionID string, slot Slot, value any) error {
	v, err := normalize(slot, value)
	if err != nil {
		return err
	}
	e, err := m.entry(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.state.clone()
	if err := apply(&next, slot, v); err != nil {
		return err
	}
	e.state = next
	return nil
}

func (m *MemoryStore) Discard(_ context.Context, sessionID string) error {
	if err := checkID(sessionID); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	return nil
}

// Len reports how many sessions hold state.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *MemoryStore) entry(sessionID string) (*memoryEntry, error) {
	if err := checkID(sessionID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	e, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotInitialized
	}
	return e, nil
}
