// Package provider delivers rendered messages through an email service
// provider (ESP).
package provider

import (
	"context"
	"time"
)

// Provider sends a rendered message and reports the ESP's message ID.
type Provider interface {
	Send(ctx context.Context, msg *Message) (*SendResult, error)
	// Name is the label used in logs and metrics, e.g. "ses".
	Name() string
	// Ping returns nil when the ESP accepts requests.
	Ping(ctx context.Context) error
}

// Message is a fully rendered email. BCC never appears in headers.
type Message struct {
	ID          string
	From        string
	To          []string
	CC          []string
	BCC         []string
	ReplyTo     []string
	Subject     string
	Headers     map[string]string
	TextBody    string
	HTMLBody    string
	Attachments []Attachment
}

type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// SendResult is what the ESP returned for an accepted message.
type SendResult struct {
	ProviderMessageID string
	Timestamp         time.Time
	Metadata          map[string]string
}
