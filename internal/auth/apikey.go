// Package auth authenticates API keys for the HTTP API and SMTP front door.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	apiKeyBytes  = 16
	apiKeyPrefix = "us_"
)

var (
	// ErrInvalidKey is returned for malformed, unknown, or revoked keys.
	ErrInvalidKey = errors.New("invalid API key")
)

// Principal is the caller an API key resolves to.
type Principal struct {
	TeamID   int64
	APIKeyID int64
}

// KeyStore resolves API keys to principals.
type KeyStore interface {
	Lookup(ctx context.Context, token string) (*Principal, error)
}

// GenerateSecret generates the random part of an API key, hex-encoded.
func GenerateSecret() (string, error) {
	b := make([]byte, apiKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate API key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// FormatKey builds the token handed to clients: us_<id>_<secret>.
func FormatKey(id int64, secret string) string {
	return apiKeyPrefix + strconv.FormatInt(id, 10) + "_" + secret
}

// ParseKey splits a token into its key ID and secret.
func ParseKey(token string) (int64, string, error) {
	rest, ok := strings.CutPrefix(token, apiKeyPrefix)
	if !ok {
		return 0, "", ErrInvalidKey
	}
	idPart, secret, ok := strings.Cut(rest, "_")
	if !ok || secret == "" {
		return 0, "", ErrInvalidKey
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		return 0, "", ErrInvalidKey
	}
	return id, secret, nil
}

// PartialKey returns the displayable prefix of a token.
func PartialKey(token string) string {
	if len(token) <= 12 {
		return token
	}
	return token[:12] + "..."
}
