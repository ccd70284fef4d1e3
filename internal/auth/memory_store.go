package auth

import (
	"context"
	"sync"
)

// MemoryStore provides an in-memory implementation of the Store interface,
// intended for development and single-node deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*Subject
}

// NewMemoryStore initialises the store with the provided seed keys.
func NewMemoryStore(seeds []Seed) (*MemoryStore, error) {
	store := &MemoryStore{keys: make(map[string]*Subject)}
	for _, seed := range seeds {
		if err := store.ApplySeed(context.Background(), seed); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// ApplySeed implements the SeedWriter interface.
func (s *MemoryStore) ApplySeed(_ context.Context, seed Seed) error {
	subject, err := seed.Subject()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys == nil {
		s.keys = make(map[string]*Subject)
	}
	s.keys[HashKey(seed.Key)] = subject
	return nil
}

// LookupKey implements Store.
func (s *MemoryStore) LookupKey(_ context.Context, keyHash string) (*Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if subject, ok := s.keys[keyHash]; ok {
		return subject.Clone(), nil
	}
	return nil, ErrInvalidKey
}
