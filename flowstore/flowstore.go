// Package flowstore holds the transient artifacts of one login round-trip:
// the PKCE code verifier, the state and nonce values, and the optional
// post-login return path. Entries live only for the duration of a flow and
// are cleared once consumed.
package flowstore

import "sync"

// Store is the contract the auth provider uses for in-flight login state.
// Getters return the empty string when a value is absent; writes overwrite
// silently. ClearAll removes every key including the return path; the
// provider clears verifier/state/nonce individually when it wants the
// return path to survive the redirect.
type Store interface {
	SaveCodeVerifier(v string)
	CodeVerifier() string
	ClearCodeVerifier()

	SaveState(s string)
	State() string
	ClearState()

	SaveNonce(n string)
	Nonce() string
	ClearNonce()

	SaveReturnTo(path string)
	ReturnTo() string
	ClearReturnTo()

	ClearAll()
}

const (
	keyCodeVerifier = "code_verifier"
	keyState        = "state"
	keyNonce        = "nonce"
	keyReturnTo     = "return_to"
)

// MemStore is the process-scoped Store. A login flow starts and finishes
// within one process lifetime, so nothing is persisted.
type MemStore struct {
	mu sync.Mutex
	m  map[string]string
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{m: make(map[string]string)}
}

func (s *MemStore) set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
}

func (s *MemStore) get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[key]
}

func (s *MemStore) clear(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

func (s *MemStore) SaveCodeVerifier(v string) { s.set(keyCodeVerifier, v) }
func (s *MemStore) CodeVerifier() string      { return s.get(keyCodeVerifier) }
func (s *MemStore) ClearCodeVerifier()        { s.clear(keyCodeVerifier) }

func (s *MemStore) SaveState(v string) { s.set(keyState, v) }
func (s *MemStore) State() string      { return s.get(keyState) }
func (s *MemStore) ClearState()        { s.clear(keyState) }

func (s *MemStore) SaveNonce(v string) { s.set(keyNonce, v) }
func (s *MemStore) Nonce() string      { return s.get(keyNonce) }
func (s *MemStore) ClearNonce()        { s.clear(keyNonce) }

func (s *MemStore) SaveReturnTo(v string) { s.set(keyReturnTo, v) }
func (s *MemStore) ReturnTo() string      { return s.get(keyReturnTo) }
func (s *MemStore) ClearReturnTo()        { s.clear(keyReturnTo) }

func (s *MemStore) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.m)
}
