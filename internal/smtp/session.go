package smtp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"github.com/SuperALKALINEdroiD/unsend/internal/auth"
	"github.com/SuperALKALINEdroiD/unsend/internal/dispatch"
	"github.com/SuperALKALINEdroiD/unsend/internal/metrics"
	"github.com/SuperALKALINEdroiD/unsend/internal/mimeparse"
)

var (
	errAuthRequired = &gosmtp.SMTPError{
		Code:         530,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 0},
		Message:      "Authentication required",
	}
	errAuthFailed = &gosmtp.SMTPError{
		Code:         535,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 8},
		Message:      "Authentication failed",
	}
)

// Session handles a single SMTP connection and implements the go-smtp
// AuthSession interface.
type Session struct {
	ctx        context.Context
	log        zerolog.Logger
	backend    *Backend
	principal  *auth.Principal
	sender     string
	recipients []string
}

// AuthMechanisms advertises PLAIN only.
func (s *Session) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

// Auth starts a SASL exchange. The password is an API key; the username is
// ignored.
func (s *Session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, gosmtp.ErrAuthUnknownMechanism
	}
	return sasl.NewPlainServer(func(_, username, password string) error {
		return s.authenticate(username, password)
	}), nil
}

func (s *Session) authenticate(username, token string) error {
	p, err := s.backend.keys.Lookup(s.ctx, token)
	if err != nil {
		metrics.SMTPAuthAttemptsTotal.WithLabelValues("failure").Inc()
		if errors.Is(err, auth.ErrInvalidKey) {
			s.log.Warn().Str("username", username).Str("key", auth.PartialKey(token)).Msg("auth failed")
			return errAuthFailed
		}
		s.log.Error().Err(err).Msg("key lookup failed")
		return &gosmtp.SMTPError{
			Code:         454,
			EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
			Message:      "Temporary authentication failure",
		}
	}

	metrics.SMTPAuthAttemptsTotal.WithLabelValues("success").Inc()
	s.principal = p
	s.log = s.log.With().Int64("team_id", p.TeamID).Int64("api_key_id", p.APIKeyID).Logger()
	s.log.Info().Msg("auth successful")
	return nil
}

// Mail handles MAIL FROM.
func (s *Session) Mail(from string, _ *gosmtp.MailOptions) error {
	if s.principal == nil {
		return errAuthRequired
	}

	addr, err := NormalizeAddress(from)
	if err != nil || !IsValidDomain(ExtractDomain(addr)) {
		s.log.Warn().Str("from", from).Msg("invalid sender address")
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 7},
			Message:      "Invalid sender address",
		}
	}

	s.sender = addr
	s.log.Debug().Str("from", s.sender).Msg("MAIL FROM accepted")
	return nil
}

// Rcpt handles RCPT TO.
func (s *Session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	if s.principal == nil {
		return errAuthRequired
	}
	if len(s.recipients) >= s.backend.opts.MaxRecipients {
		return &gosmtp.SMTPError{
			Code:         452,
			EnhancedCode: gosmtp.EnhancedCode{4, 5, 3},
			Message:      "Too many recipients",
		}
	}

	addr, err := NormalizeAddress(to)
	if err != nil {
		s.log.Warn().Str("to", to).Msg("invalid recipient address")
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
			Message:      "Invalid recipient address",
		}
	}

	s.recipients = append(s.recipients, addr)
	return nil
}

// Data reads the message, parses its MIME structure and submits it. The
// body is never logged.
func (s *Session) Data(r io.Reader) error {
	if s.principal == nil {
		return errAuthRequired
	}
	if len(s.recipients) == 0 {
		return &gosmtp.SMTPError{
			Code:         503,
			EnhancedCode: gosmtp.EnhancedCode{5, 5, 1},
			Message:      "No recipients specified",
		}
	}

	start := time.Now()
	defer func() { metrics.SMTPSubmitDuration.Observe(time.Since(start).Seconds()) }()

	raw, err := io.ReadAll(r)
	if err != nil {
		var smtpErr *gosmtp.SMTPError
		if errors.As(err, &smtpErr) {
			return smtpErr
		}
		s.log.Error().Err(err).Msg("failed to read message data")
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "Error reading message",
		}
	}

	parsed, err := mimeparse.Parse(raw)
	if err != nil {
		s.log.Warn().Err(err).Msg("malformed message")
		metrics.EmailsSubmittedTotal.WithLabelValues("smtp", string(dispatch.KindValidation)).Inc()
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
			Message:      "Malformed message",
		}
	}

	req := s.buildRequest(parsed)
	m, err := s.backend.submitter.Submit(s.ctx, req)
	if err != nil {
		kind := dispatch.KindOf(err)
		metrics.EmailsSubmittedTotal.WithLabelValues("smtp", string(kind)).Inc()
		s.log.Warn().Err(err).Str("kind", string(kind)).Msg("submit rejected")
		return submitError(err)
	}
	metrics.EmailsSubmittedTotal.WithLabelValues("smtp", "accepted").Inc()

	s.log.Info().
		Str("message_id", m.ID.String()).
		Str("from", s.sender).
		Int("recipient_count", len(s.recipients)).
		Msg("message submitted")
	return nil
}

func (s *Session) buildRequest(parsed *mimeparse.Message) dispatch.SubmitRequest {
	to, cc, bcc := splitRecipients(s.recipients, parsed.Header)
	keyID := s.principal.APIKeyID

	req := dispatch.SubmitRequest{
		TeamID:   s.principal.TeamID,
		APIKeyID: &keyID,
		From:     s.sender,
		To:       to,
		CC:       cc,
		BCC:      bcc,
		Subject:  parsed.Subject,
		Text:     parsed.Text,
		HTML:     parsed.HTML,
	}

	// keep the display name when the header agrees with the envelope
	if from, err := mail.ParseAddress(parsed.Header.Get("From")); err == nil &&
		strings.EqualFold(from.Address, s.sender) && from.Name != "" {
		req.From = from.String()
	}
	if list, err := parsed.Header.AddressList("Reply-To"); err == nil {
		for _, a := range list {
			req.ReplyTo = append(req.ReplyTo, a.Address)
		}
	}
	for _, p := range parsed.Parts {
		req.Attachments = append(req.Attachments, dispatch.AttachmentInput{
			Filename:    p.Filename,
			ContentType: p.ContentType,
			Content:     p.Data,
		})
	}
	return req
}

func submitError(err error) *gosmtp.SMTPError {
	var de *dispatch.Error
	if !errors.As(err, &de) {
		de = &dispatch.Error{Kind: dispatch.KindInternal, Message: "internal error"}
	}
	switch de.Kind {
	case dispatch.KindValidation:
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      de.Message,
		}
	case dispatch.KindRateLimited:
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 7, 1},
			Message:      fmt.Sprintf("Rate limit exceeded for %s", de.Scope),
		}
	default:
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "Error queuing message",
		}
	}
}

// Reset is called between messages in the same session. It clears the sender
// and recipients but preserves the authentication state.
func (s *Session) Reset() {
	s.sender = ""
	s.recipients = nil
}

// Logout is called when the client disconnects.
func (s *Session) Logout() error {
	s.backend.active.Add(-1)
	metrics.SMTPActiveSessions.Dec()
	s.log.Debug().Msg("session closed")
	return nil
}
