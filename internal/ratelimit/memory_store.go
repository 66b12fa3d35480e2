package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local sliding window store.
type MemoryStore struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{hits: make(map[string][]time.Time), now: time.Now}
}

// Allow implements Store.
func (s *MemoryStore) Allow(_ context.Context, key string, policy Policy) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-policy.Window)
	kept := s.hits[key][:0]
	for _, t := range s.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= policy.Limit {
		s.hits[key] = kept
		var retry time.Duration
		if len(kept) > 0 {
			retry = kept[0].Add(policy.Window).Sub(now)
		}
		return Decision{Allowed: false, Count: int64(len(kept)), RetryAfter: retry}, nil
	}

	kept = append(kept, now)
	s.hits[key] = kept
	return Decision{Allowed: true, Count: int64(len(kept))}, nil
}

// Reset drops every counter.
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	s.hits = make(map[string][]time.Time)
	s.mu.Unlock()
}
