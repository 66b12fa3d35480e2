package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresValidator looks domains up in the domains table.
type PostgresValidator struct {
	pool *pgxpool.Pool
}

// NewPostgresValidator creates a PostgresValidator.
func NewPostgresValidator(pool *pgxpool.Pool) *PostgresValidator {
	return &PostgresValidator{pool: pool}
}

// Validate implements Validator.
func (v *PostgresValidator) Validate(ctx context.Context, from string, teamID int64) (*Domain, error) {
	name, err := NameFromAddress(from)
	if err != nil {
		return nil, err
	}

	var d Domain
	err = v.pool.QueryRow(ctx, `
		SELECT id, team_id, name, region, status
		FROM domains
		WHERE team_id = $1 AND name = $2`, teamID, name,
	).Scan(&d.ID, &d.TeamID, &d.Name, &d.Region, &d.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s is not registered for team %d", ErrInvalidDomain, name, teamID)
		}
		return nil, fmt.Errorf("lookup domain %s: %w", name, err)
	}
	return checkVerified(&d)
}
