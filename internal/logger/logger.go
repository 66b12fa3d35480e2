// Package logger builds the zerolog loggers used by every unsend process and
// carries request-scoped loggers and correlation IDs through contexts.
package logger

import (
	"context"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config selects level, format and destination. It mirrors
// config.LoggingConfig so the config package stays a leaf.
type Config struct {
	Level     string
	Format    string // json (default), console
	Output    string // stdout (default), file, both
	FilePath  string // defaults to logs/<service>.log
	MaxSizeMB int
	MaxFiles  int
	// Service is attached to every entry as "service".
	Service string
}

type contextKey string

const (
	loggerKey        contextKey = "logger"
	correlationIDKey contextKey = "correlation_id"
)

// New creates a JSON logger on stdout. Invalid levels fall back to info.
func New(level string) zerolog.Logger {
	return build(os.Stdout, level, "")
}

// NewFromConfig creates a logger writing to the configured destination.
func NewFromConfig(cfg Config) zerolog.Logger {
	w := destination(cfg)
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}
	return build(w, cfg.Level, cfg.Service)
}

func build(w io.Writer, level, service string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	ctx := zerolog.New(w).Level(lvl).With().Timestamp()
	if service != "" {
		ctx = ctx.Str("service", service)
	}
	return ctx.Logger()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithCorrelationID stores a correlation ID in the context.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// CorrelationIDFromContext returns the correlation ID, or "" when unset.
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// FromContext returns the context logger with the correlation ID attached.
// Without a stored logger an info-level stdout logger is used.
func FromContext(ctx context.Context) zerolog.Logger {
	log, ok := ctx.Value(loggerKey).(zerolog.Logger)
	if !ok {
		log = New("info")
	}
	if id := CorrelationIDFromContext(ctx); id != "" {
		log = log.With().Str("correlation_id", id).Logger()
	}
	return log
}

// NewCorrelationID returns a random UUID string.
func NewCorrelationID() string {
	return uuid.New().String()
}
