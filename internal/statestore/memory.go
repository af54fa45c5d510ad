package statestore

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore is an in-process Store used in tests and as a fallback when no
// redis backend is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	values  map[string]string
	units   map[string]string
	objects map[string]bool
	writes  int
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:  make(map[string]string),
		units:   make(map[string]string),
		objects: make(map[string]bool),
	}
}

func (s *MemoryStore) EnsureObject(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = true
	return nil
}

func (s *MemoryStore) EnsureState(_ context.Context, path, unit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.units[path]; !ok && unit != "" {
		s.units[path] = unit
	}
	return nil
}

func (s *MemoryStore) SetIfChanged(_ context.Context, path string, value interface{}) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.values[path]; ok && current == string(encoded) {
		return nil
	}
	s.values[path] = string(encoded)
	s.writes++
	return nil
}

// Get returns the decoded value stored at path.
func (s *MemoryStore) Get(path string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.values[path]
	if !ok {
		return nil, false
	}
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, false
	}
	return v, true
}

// Unit returns the declared unit for a leaf.
func (s *MemoryStore) Unit(path string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.units[path]
}

// Paths returns all leaf paths with stored values.
func (s *MemoryStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.values))
	for p := range s.values {
		out = append(out, p)
	}
	return out
}

// Writes reports how many effective (changed) writes happened.
func (s *MemoryStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}
