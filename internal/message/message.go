// Package message defines the email record, its lifecycle events, and the
// status state machine shared by the orchestrator, the stores, and the
// delivery worker.
package message

import (
	"time"

	"github.com/google/uuid"
)

// Message is the unit of work: one email addressed to one or more recipients.
type Message struct {
	ID                uuid.UUID
	TeamID            int64
	DomainID          int64
	Locality          string // queue partition the delivery job lives in
	From              string
	To                []string
	CC                []string
	BCC               []string
	ReplyTo           []string
	Subject           string
	Text              string
	HTML              string
	TemplateID        *string
	Attachments       []Attachment
	ScheduledAt       *time.Time
	Status            Status
	APIKeyID          *int64
	ProviderMessageID string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Attachment describes a file attached to a message. The content itself lives
// in the message store under StorageKey.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	StorageKey  string `json:"storage_key"`
}

// Event is an immutable record of a status transition.
type Event struct {
	ID        int64
	MessageID uuid.UUID
	Status    Status
	Data      map[string]any
	CreatedAt time.Time
}

// InitialStatus returns the status a new message starts in.
func InitialStatus(scheduledAt *time.Time) Status {
	if scheduledAt != nil {
		return StatusScheduled
	}
	return StatusQueued
}

// Recipients returns every address the message is delivered to.
func (m *Message) Recipients() []string {
	all := make([]string, 0, len(m.To)+len(m.CC)+len(m.BCC))
	all = append(all, m.To...)
	all = append(all, m.CC...)
	all = append(all, m.BCC...)
	return all
}

// ErrorData builds the event payload used for failure events.
func ErrorData(err error) map[string]any {
	if err == nil {
		return nil
	}
	return map[string]any{"error": err.Error()}
}
