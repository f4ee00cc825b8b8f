package lockout

import (
	"context"
	"sync"
	"time"

	"github.com/example/palmvein/internal/identity"
)

// MemoryStore keeps lockout state for the lifetime of the process.
type MemoryStore struct {
	mu     sync.Mutex
	states map[identity.Identity]State
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[identity.Identity]State)}
}

// Get returns the zero State for identities with no failures.
func (s *MemoryStore) Get(_ context.Context, id identity.Identity) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyState(s.states[id]), nil
}

func (s *MemoryStore) IncrementFailure(_ context.Context, id identity.Identity, at time.Time) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.states[id]
	state.FailureCount++
	last := at
	state.LastFailure = &last
	s.states[id] = state
	return copyState(state), nil
}

func (s *MemoryStore) Reset(_ context.Context, id identity.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, id)
	return nil
}

func copyState(s State) State {
	if s.LastFailure != nil {
		last := *s.LastFailure
		s.LastFailure = &last
	}
	return s
}
