// Package storagetest starts a throwaway PostgreSQL for integration tests.
package storagetest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/SuperALKALINEdroiD/unsend/internal/storage"
)

// StartPostgres runs a postgres:15-alpine container, connects to it, and
// applies the schema. The returned function closes the pool and terminates
// the container.
func StartPostgres(ctx context.Context) (*storage.DB, func(), error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "test",
				"POSTGRES_DB":       "test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("start postgres container: %w", err)
	}
	terminate := func() { _ = container.Terminate(context.Background()) }

	host, err := container.Host(ctx)
	if err != nil {
		terminate()
		return nil, nil, fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		terminate()
		return nil, nil, fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://test:test@%s:%s/test?sslmode=disable", host, port.Port())

	db, err := storage.NewDB(ctx, dsn, 2, 10, 10*time.Second)
	if err != nil {
		terminate()
		return nil, nil, err
	}
	if err := db.Migrate(ctx, zerolog.Nop()); err != nil {
		db.Close()
		terminate()
		return nil, nil, err
	}

	return db, func() {
		db.Close()
		terminate()
	}, nil
}

// SeedDomain inserts a verified domain and returns its ID.
func SeedDomain(ctx context.Context, db *storage.DB, teamID int64, name, region string) (int64, error) {
	var id int64
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO domains (team_id, name, region, status)
		VALUES ($1, $2, $3, 'SUCCESS')
		RETURNING id`, teamID, name, region,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("seed domain %s: %w", name, err)
	}
	return id, nil
}
