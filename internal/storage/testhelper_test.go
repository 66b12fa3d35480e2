//go:build integration

package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/rs/zerolog"

	"github.com/SuperALKALINEdroiD/unsend/internal/storage"
	"github.com/SuperALKALINEdroiD/unsend/internal/storage/storagetest"
)

var (
	sharedDB  *storage.DB
	sharedDSN string
)

// TestMain starts one PostgreSQL container shared by all integration tests.
func TestMain(m *testing.M) {
	db, cleanup, err := storagetest.StartPostgres(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "start postgres: %v\n", err)
		os.Exit(1)
	}
	sharedDB = db
	sharedDSN = db.Pool.Config().ConnString()

	code := m.Run()
	cleanup()
	os.Exit(code)
}

func migrate(t *testing.T) {
	t.Helper()
	if err := sharedDB.Migrate(context.Background(), zerolog.Nop()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}
