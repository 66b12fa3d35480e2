// Package lifecycle persists messages and their append-only event log, and
// applies status transitions as single conditional writes.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/SuperALKALINEdroiD/unsend/internal/message"
)

// ErrNotFound is returned when no message matches the lookup.
var ErrNotFound = errors.New("message not found")

// StatusConflictError is returned by Transition when the message's current
// status is not one of the expected source statuses.
type StatusConflictError struct {
	ID     uuid.UUID
	Actual message.Status
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("message %s is in status %s", e.ID, e.Actual)
}

// ErrStatusConflict matches any *StatusConflictError via errors.Is.
var ErrStatusConflict = errors.New("status conflict")

func (e *StatusConflictError) Is(target error) bool {
	return target == ErrStatusConflict
}

// Patch lists the fields a transition may update besides status. Nil fields
// are left unchanged.
type Patch struct {
	ScheduledAt       *time.Time
	ProviderMessageID *string
}

// EventSpec describes the event appended together with a transition. A nil
// *EventSpec on a Transition appends no event.
type EventSpec struct {
	Data map[string]any
}

// Transition is a conditional status change.
type Transition struct {
	From  []message.Status
	To    message.Status
	Patch Patch
	Event *EventSpec
}

// Validate checks that every From -> To pair is allowed by the state machine.
func (t Transition) Validate() error {
	if len(t.From) == 0 {
		return errors.New("transition has no source status")
	}
	for _, from := range t.From {
		if !message.CanTransition(from, t.To) {
			return fmt.Errorf("transition %s -> %s is not allowed", from, t.To)
		}
	}
	return nil
}

// Store persists messages and events.
type Store interface {
	CreateMessage(ctx context.Context, m *message.Message) error
	GetMessage(ctx context.Context, id uuid.UUID) (*message.Message, error)
	// Transition atomically moves the message to t.To if its current status is
	// in t.From, applies t.Patch, and appends t.Event in the same write. It
	// returns the updated message.
	Transition(ctx context.Context, id uuid.UUID, t Transition) (*message.Message, error)
	AppendEvent(ctx context.Context, id uuid.UUID, status message.Status, data map[string]any) error
	ListEvents(ctx context.Context, id uuid.UUID) ([]message.Event, error)
	FindByProviderMessageID(ctx context.Context, providerMessageID string) (*message.Message, error)
}
