// Package smtp implements the SMTP front door: clients authenticate with an
// API key over AUTH PLAIN and each DATA command becomes one submit.
package smtp

import (
	"context"
	"sync/atomic"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"github.com/SuperALKALINEdroiD/unsend/internal/auth"
	"github.com/SuperALKALINEdroiD/unsend/internal/dispatch"
	"github.com/SuperALKALINEdroiD/unsend/internal/logger"
	"github.com/SuperALKALINEdroiD/unsend/internal/message"
	"github.com/SuperALKALINEdroiD/unsend/internal/metrics"
)

// Submitter accepts parsed messages. *dispatch.Service satisfies it.
type Submitter interface {
	Submit(ctx context.Context, req dispatch.SubmitRequest) (*message.Message, error)
}

// Options bounds what a single session may do.
type Options struct {
	MaxConnections int
	MaxRecipients  int
}

// Backend implements the go-smtp Backend interface.
// It manages session creation and enforces connection limits.
type Backend struct {
	keys      auth.KeyStore
	submitter Submitter
	log       zerolog.Logger
	opts      Options
	active    atomic.Int64
}

// NewBackend creates a new SMTP backend that authenticates against keys and
// hands accepted messages to submitter.
func NewBackend(keys auth.KeyStore, submitter Submitter, log zerolog.Logger, opts Options) *Backend {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 100
	}
	if opts.MaxRecipients <= 0 {
		opts.MaxRecipients = 50
	}
	return &Backend{
		keys:      keys,
		submitter: submitter,
		log:       log,
		opts:      opts,
	}
}

// NewSession is called after a client sends EHLO/HELO. It enforces connection
// limits and creates a new Session for the connection.
func (b *Backend) NewSession(conn *gosmtp.Conn) (gosmtp.Session, error) {
	current := b.active.Add(1)
	if int(current) > b.opts.MaxConnections {
		b.active.Add(-1)
		metrics.SMTPConnectionsTotal.WithLabelValues("rejected").Inc()
		b.log.Warn().
			Int64("active", current-1).
			Int("max", b.opts.MaxConnections).
			Msg("connection limit reached")
		return nil, &gosmtp.SMTPError{
			Code:         421,
			EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
			Message:      "Too many connections",
		}
	}
	metrics.SMTPConnectionsTotal.WithLabelValues("accepted").Inc()
	metrics.SMTPActiveSessions.Inc()

	remote := ""
	if conn != nil && conn.Conn() != nil {
		remote = conn.Conn().RemoteAddr().String()
	}
	return b.newSession(remote), nil
}

func (b *Backend) newSession(remote string) *Session {
	correlationID := logger.NewCorrelationID()
	sessionLog := b.log.With().
		Str("correlation_id", correlationID).
		Str("remote_addr", remote).
		Logger()
	ctx := logger.WithLogger(logger.WithCorrelationID(context.Background(), correlationID), sessionLog)

	sessionLog.Debug().Msg("new SMTP session")

	return &Session{
		ctx:     ctx,
		log:     sessionLog,
		backend: b,
	}
}

// ActiveSessions returns the current number of active SMTP sessions.
func (b *Backend) ActiveSessions() int64 {
	return b.active.Load()
}
