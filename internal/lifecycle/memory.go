package lifecycle

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SuperALKALINEdroiD/unsend/internal/message"
)

// MemoryStore is a mutex-guarded Store for tests and local development.
type MemoryStore struct {
	mu       sync.Mutex
	messages map[uuid.UUID]*message.Message
	events   map[uuid.UUID][]message.Event
	nextID   int64
	now      func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[uuid.UUID]*message.Message),
		events:   make(map[uuid.UUID][]message.Event),
		now:      time.Now,
	}
}

func (s *MemoryStore) CreateMessage(_ context.Context, m *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[m.ID]; ok {
		return fmt.Errorf("create message %s: already exists", m.ID)
	}
	now := s.now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	s.messages[m.ID] = clone(m)
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id uuid.UUID) (*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(m), nil
}

func (s *MemoryStore) Transition(_ context.Context, id uuid.UUID, t Transition) (*message.Message, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !slices.Contains(t.From, m.Status) {
		return nil, &StatusConflictError{ID: id, Actual: m.Status}
	}

	m.Status = t.To
	if t.Patch.ScheduledAt != nil {
		at := *t.Patch.ScheduledAt
		m.ScheduledAt = &at
	}
	if t.Patch.ProviderMessageID != nil {
		m.ProviderMessageID = *t.Patch.ProviderMessageID
	}
	m.UpdatedAt = s.now()

	if t.Event != nil {
		s.appendLocked(id, t.To, t.Event.Data)
	}
	return clone(m), nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, id uuid.UUID, status message.Status, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[id]; !ok {
		return ErrNotFound
	}
	s.appendLocked(id, status, data)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, id uuid.UUID) ([]message.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[id]; !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(s.events[id]), nil
}

func (s *MemoryStore) FindByProviderMessageID(_ context.Context, providerMessageID string) (*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.messages {
		if providerMessageID != "" && m.ProviderMessageID == providerMessageID {
			return clone(m), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) appendLocked(id uuid.UUID, status message.Status, data map[string]any) {
	s.nextID++
	s.events[id] = append(s.events[id], message.Event{
		ID:        s.nextID,
		MessageID: id,
		Status:    status,
		Data:      data,
		CreatedAt: s.now(),
	})
}

func clone(m *message.Message) *message.Message {
	c := *m
	c.To = slices.Clone(m.To)
	c.CC = slices.Clone(m.CC)
	c.BCC = slices.Clone(m.BCC)
	c.ReplyTo = slices.Clone(m.ReplyTo)
	c.Attachments = slices.Clone(m.Attachments)
	if m.ScheduledAt != nil {
		at := *m.ScheduledAt
		c.ScheduledAt = &at
	}
	return &c
}
