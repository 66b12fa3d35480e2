package template

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore reads templates from the templates table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Get implements Store. Templates of other teams are reported as not found.
func (s *PostgresStore) Get(ctx context.Context, id string, teamID int64) (*Template, error) {
	var t Template
	err := s.pool.QueryRow(ctx, `
		SELECT id, team_id, name, subject, content
		FROM templates
		WHERE id = $1 AND team_id = $2`, id, teamID,
	).Scan(&t.ID, &t.TeamID, &t.Name, &t.Subject, &t.Content)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get template %s: %w", id, err)
	}
	return &t, nil
}
