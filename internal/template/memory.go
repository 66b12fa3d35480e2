package template

import (
	"context"
	"sync"
)

// MemoryStore keeps templates in memory.
type MemoryStore struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewMemoryStore creates a MemoryStore seeded with templates.
func NewMemoryStore(templates ...Template) *MemoryStore {
	s := &MemoryStore{templates: make(map[string]Template)}
	for _, t := range templates {
		s.Put(t)
	}
	return s
}

// Put adds or replaces a template.
func (s *MemoryStore) Put(t Template) {
	s.mu.Lock()
	s.templates[t.ID] = t
	s.mu.Unlock()
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string, teamID int64) (*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok || t.TeamID != teamID {
		return nil, ErrNotFound
	}
	return &t, nil
}
