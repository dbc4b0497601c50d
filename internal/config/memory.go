package config

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// MemoryStore is an in-process Store backed by a map, guarded by a mutex and
// wired to a VersionCache. It is the store used by unit tests and by
// callers that manage configuration entirely in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]DataStoreConfig
	version *VersionCache
}

// NewMemoryStore creates an empty MemoryStore bound to version.
func NewMemoryStore(version *VersionCache) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]DataStoreConfig),
		version: version,
	}
}

func (s *MemoryStore) Load(_ context.Context, name string) (DataStoreConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.entries[name]
	if !ok {
		return DataStoreConfig{}, ErrNotFound
	}
	return cfg, nil
}

func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := slices.Collect(maps.Keys(s.entries))
	slices.Sort(names)
	return names, nil
}

func (s *MemoryStore) Save(_ context.Context, cfg DataStoreConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[cfg.Name] = cfg
	s.version.Bump()
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; !ok {
		return ErrNotFound
	}
	delete(s.entries, name)
	s.version.Bump()
	return nil
}

var _ Store = (*MemoryStore)(nil)
