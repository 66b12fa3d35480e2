package provider

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Stdout records each message as one JSON line instead of delivering it.
// With raw set, the rendered MIME document follows the line.
type Stdout struct {
	mu  sync.Mutex
	w   io.Writer
	out zerolog.Logger
	raw bool
}

func NewStdout(w io.Writer, raw bool) *Stdout {
	return &Stdout{
		w:   w,
		out: zerolog.New(w).With().Timestamp().Str("provider", "stdout").Logger(),
		raw: raw,
	}
}

func (s *Stdout) Name() string { return "stdout" }

func (s *Stdout) Send(_ context.Context, msg *Message) (*SendResult, error) {
	var doc []byte
	if s.raw {
		var err error
		if doc, err = BuildMIME(msg); err != nil {
			return nil, fmt.Errorf("stdout: render: %w", err)
		}
	}

	names := make([]string, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		names = append(names, a.Filename)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// zerolog swallows write errors, so probe the writer first.
	if _, err := s.w.Write(nil); err != nil {
		return nil, fmt.Errorf("stdout: write: %w", err)
	}
	s.out.Log().
		Str("id", msg.ID).
		Str("from", msg.From).
		Strs("to", msg.To).
		Strs("cc", msg.CC).
		Int("bcc", len(msg.BCC)).
		Str("subject", msg.Subject).
		Int("text_bytes", len(msg.TextBody)).
		Int("html_bytes", len(msg.HTMLBody)).
		Strs("attachments", names).
		Msg("message")
	if doc != nil {
		if _, err := s.w.Write(append(doc, '\n')); err != nil {
			return nil, fmt.Errorf("stdout: write: %w", err)
		}
	}

	return &SendResult{ProviderMessageID: "stdout-" + msg.ID, Timestamp: time.Now()}, nil
}

func (s *Stdout) Ping(context.Context) error { return nil }
