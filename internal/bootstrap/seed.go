// Package bootstrap provides startup-time initialization routines such as
// seeding a development team with a verified domain and an API key.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// DB is the subset of *pgxpool.Pool the seeder needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// KeyCreator issues API keys. *auth.PostgresKeyStore satisfies it.
type KeyCreator interface {
	Create(ctx context.Context, teamID int64, name string) (string, int64, error)
}

// Team describes what to seed.
type Team struct {
	ID         int64
	Domain     string
	Region     string
	APIKeyName string
}

// SeedTeam ensures the team owns a verified domain and at least one active
// API key. It is idempotent: an existing domain is marked verified and no
// key is created while one is active. The returned token is empty unless a
// key was created.
func SeedTeam(ctx context.Context, db DB, keys KeyCreator, log zerolog.Logger, team Team) (string, error) {
	if team.Region == "" {
		team.Region = "us-east-1"
	}
	if team.APIKeyName == "" {
		team.APIKeyName = "bootstrap"
	}

	tag, err := db.Exec(ctx, `
		INSERT INTO domains (team_id, name, region, status)
		VALUES ($1, $2, $3, 'SUCCESS')
		ON CONFLICT (team_id, name) DO UPDATE
		SET status = 'SUCCESS', updated_at = NOW()
		WHERE domains.status <> 'SUCCESS'`,
		team.ID, team.Domain, team.Region,
	)
	if err != nil {
		return "", fmt.Errorf("seed domain %s: %w", team.Domain, err)
	}
	if tag.RowsAffected() > 0 {
		log.Info().Int64("team_id", team.ID).Str("domain", team.Domain).Str("region", team.Region).Msg("bootstrap domain verified")
	}

	var hasKey bool
	if err := db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM api_keys WHERE team_id = $1 AND revoked_at IS NULL)`,
		team.ID,
	).Scan(&hasKey); err != nil {
		return "", fmt.Errorf("check api keys: %w", err)
	}
	if hasKey {
		log.Info().Int64("team_id", team.ID).Msg("team already has an API key, skipping")
		return "", nil
	}

	token, id, err := keys.Create(ctx, team.ID, team.APIKeyName)
	if err != nil {
		return "", err
	}
	// The token is only ever shown here.
	log.Warn().
		Int64("team_id", team.ID).
		Int64("api_key_id", id).
		Str("token", token).
		Msg("bootstrap API key created")
	return token, nil
}
