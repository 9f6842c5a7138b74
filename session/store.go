package session

import "sync"

// Store persists the single current session. The contract mirrors the
// in-memory copy being authoritative: Get never fails (structurally invalid
// data is cleared and reported as absent), Save is a no-op for invalid
// sessions, and any storage failure degrades to clearing rather than
// leaving inconsistent state behind.
type Store interface {
	// Get returns the persisted session, or nil when absent or invalid.
	Get() *Session
	// Save writes the session through to storage. Invalid sessions are
	// ignored.
	Save(s *Session)
	// Clear removes the persisted session.
	Clear()
}

// MemStore keeps the session in memory only. Useful for tests and for
// deployments that prefer a fresh login per process.
type MemStore struct {
	mu sync.Mutex
	s  *Session
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore { return &MemStore{} }

func (m *MemStore) Get() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.s.Valid() {
		m.s = nil
		return nil
	}
	cp := *m.s
	return &cp
}

func (m *MemStore) Save(s *Session) {
	if !s.Valid() {
		return
	}
	cp := *s
	m.mu.Lock()
	m.s = &cp
	m.mu.Unlock()
}

func (m *MemStore) Clear() {
	m.mu.Lock()
	m.s = nil
	m.mu.Unlock()
}
