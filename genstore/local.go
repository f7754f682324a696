package genstore

import (
	"context"
	"sync"
)

// Local keeps generations in-process.
//
// With a process-local store and a persistent provider, a restart would
// reset generations and revive responses cleared before it. Seed every
// scope with a value unique to the process lifetime (e.g. start time) to
// avoid that.
type Local struct {
	mu   sync.RWMutex
	seed uint64
	gens map[string]uint64
}

var _ GenStore = (*Local)(nil)

func NewLocal(seed uint64) *Local {
	return &Local{seed: seed, gens: make(map[string]uint64)}
}

func (s *Local) Current(_ context.Context, scope string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(scope), nil
}

func (s *Local) get(scope string) uint64 {
	if g, ok := s.gens[scope]; ok {
		return g
	}
	return s.seed
}

// Snapshot acquires the read lock once and reads all requested scopes.
func (s *Local) Snapshot(_ context.Context, scopes []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(scopes))
	s.mu.RLock()
	for _, sc := range scopes {
		out[sc] = s.get(sc)
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *Local) Bump(_ context.Context, scope string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.get(scope) + 1
	s.gens[scope] = g
	return g, nil
}

func (s *Local) Close(context.Context) error { return nil }
