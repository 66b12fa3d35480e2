package auth

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// verifiedTTL bounds how long a verified key skips bcrypt. Revocations take
// effect after at most this long.
const verifiedTTL = time.Minute

type verifiedKey struct {
	principal Principal
	expires   time.Time
}

// PostgresKeyStore resolves keys against the api_keys table.
type PostgresKeyStore struct {
	pool *pgxpool.Pool

	mu       sync.Mutex
	verified map[[sha256.Size]byte]verifiedKey
	now      func() time.Time
}

// NewPostgresKeyStore creates a PostgresKeyStore.
func NewPostgresKeyStore(pool *pgxpool.Pool) *PostgresKeyStore {
	return &PostgresKeyStore{
		pool:     pool,
		verified: make(map[[sha256.Size]byte]verifiedKey),
		now:      time.Now,
	}
}

// Create stores a new key for teamID and returns the token. The token is
// shown once; only its bcrypt hash is kept.
func (s *PostgresKeyStore) Create(ctx context.Context, teamID int64, name string) (string, int64, error) {
	secret, err := GenerateSecret()
	if err != nil {
		return "", 0, err
	}
	hash, err := HashSecret(secret)
	if err != nil {
		return "", 0, err
	}

	var token string
	var id int64
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`INSERT INTO api_keys (team_id, name, key_hash, partial_key) VALUES ($1, $2, $3, '') RETURNING id`,
			teamID, name, hash,
		).Scan(&id); err != nil {
			return err
		}
		token = FormatKey(id, secret)
		_, err := tx.Exec(ctx, `UPDATE api_keys SET partial_key = $2 WHERE id = $1`, id, PartialKey(token))
		return err
	})
	if err != nil {
		return "", 0, fmt.Errorf("create api key: %w", err)
	}
	return token, id, nil
}

// Lookup implements KeyStore.
func (s *PostgresKeyStore) Lookup(ctx context.Context, token string) (*Principal, error) {
	sum := sha256.Sum256([]byte(token))
	s.mu.Lock()
	if v, ok := s.verified[sum]; ok && s.now().Before(v.expires) {
		s.mu.Unlock()
		p := v.principal
		return &p, nil
	}
	s.mu.Unlock()

	id, secret, err := ParseKey(token)
	if err != nil {
		return nil, err
	}

	var (
		teamID    int64
		hash      string
		revokedAt *time.Time
	)
	err = s.pool.QueryRow(ctx,
		`SELECT team_id, key_hash, revoked_at FROM api_keys WHERE id = $1`, id,
	).Scan(&teamID, &hash, &revokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("lookup api key: %w", err)
	}
	if revokedAt != nil || VerifySecret(hash, secret) != nil {
		return nil, ErrInvalidKey
	}

	_, _ = s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, id)

	p := Principal{TeamID: teamID, APIKeyID: id}
	s.mu.Lock()
	s.verified[sum] = verifiedKey{principal: p, expires: s.now().Add(verifiedTTL)}
	s.mu.Unlock()
	return &p, nil
}

// Revoke disables a key.
func (s *PostgresKeyStore) Revoke(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE api_keys SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidKey
	}
	s.mu.Lock()
	for k, v := range s.verified {
		if v.principal.APIKeyID == id {
			delete(s.verified, k)
		}
	}
	s.mu.Unlock()
	return nil
}

// MemoryKeyStore holds keys in memory, for tests and the in-memory mode.
type MemoryKeyStore struct {
	mu     sync.RWMutex
	keys   map[string]Principal
	nextID int64
}

// NewMemoryKeyStore creates an empty MemoryKeyStore.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]Principal)}
}

// Create issues a key for teamID.
func (s *MemoryKeyStore) Create(_ context.Context, teamID int64, _ string) (string, int64, error) {
	secret, err := GenerateSecret()
	if err != nil {
		return "", 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	token := FormatKey(s.nextID, secret)
	s.keys[token] = Principal{TeamID: teamID, APIKeyID: s.nextID}
	return token, s.nextID, nil
}

// Lookup implements KeyStore.
func (s *MemoryKeyStore) Lookup(_ context.Context, token string) (*Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.keys[token]
	if !ok {
		return nil, ErrInvalidKey
	}
	return &p, nil
}
