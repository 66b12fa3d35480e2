// Package msgstore stores attachment bodies outside the message record.
package msgstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a requested object does not exist.
var ErrNotFound = errors.New("msgstore: object not found")

// ErrInvalidKey is returned for keys that could escape the store's namespace.
var ErrInvalidKey = errors.New("msgstore: invalid key")

// Store is a flat key/value blob store. Keys may contain "/" separators;
// attachments of one message share the prefix "<message id>/".
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// DeleteMessage removes every attachment stored for id.
	DeleteMessage(ctx context.Context, id uuid.UUID) error
	Ping(ctx context.Context) error
}

// Config holds configuration for creating a Store.
type Config struct {
	Type       string `mapstructure:"type"` // "local", "s3", or "memory"
	Path       string `mapstructure:"path"` // base directory for local store
	S3Bucket   string `mapstructure:"s3_bucket"`
	S3Prefix   string `mapstructure:"s3_prefix"`
	S3Endpoint string `mapstructure:"s3_endpoint"`
	S3Region   string `mapstructure:"s3_region"`
}

// New creates a Store based on the provided configuration. An empty or
// unknown type falls back to local storage with a warning.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (Store, error) {
	switch cfg.Type {
	case "local":
		return NewLocalFileStore(cfg.Path)
	case "s3":
		return NewS3StoreFromConfig(ctx, cfg)
	case "memory":
		return NewMemoryStore(), nil
	default:
		logger.Warn().
			Str("type", cfg.Type).
			Msg("unsupported or empty store type, defaulting to local")
		return NewLocalFileStore(cfg.Path)
	}
}

// AttachmentKey is the key of the index-th attachment of a message.
func AttachmentKey(messageID uuid.UUID, index int) string {
	return messagePrefix(messageID) + strconv.Itoa(index)
}

func messagePrefix(id uuid.UUID) string {
	return id.String() + "/"
}

func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}
