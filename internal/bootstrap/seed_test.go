package bootstrap

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

type fakeRow struct {
	value bool
	err   error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*bool) = r.value
	return nil
}

type fakeDB struct {
	execSQL  []string
	execArgs [][]any
	execErr  error
	hasKey   bool
	rowErr   error
}

func (d *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	d.execSQL = append(d.execSQL, sql)
	d.execArgs = append(d.execArgs, args)
	if d.execErr != nil {
		return pgconn.CommandTag{}, d.execErr
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (d *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return fakeRow{value: d.hasKey, err: d.rowErr}
}

type fakeKeys struct {
	created []string
	err     error
}

func (k *fakeKeys) Create(_ context.Context, teamID int64, name string) (string, int64, error) {
	if k.err != nil {
		return "", 0, k.err
	}
	k.created = append(k.created, name)
	return "us_1_secret", 1, nil
}

func TestSeedTeam_CreatesKey(t *testing.T) {
	db := &fakeDB{}
	keys := &fakeKeys{}

	token, err := SeedTeam(context.Background(), db, keys, zerolog.Nop(), Team{ID: 1, Domain: "example.com"})
	if err != nil {
		t.Fatalf("SeedTeam() error = %v", err)
	}
	if token != "us_1_secret" {
		t.Errorf("token = %q", token)
	}
	if len(keys.created) != 1 || keys.created[0] != "bootstrap" {
		t.Errorf("created keys = %v, want [bootstrap]", keys.created)
	}
	if len(db.execSQL) != 1 || !strings.Contains(db.execSQL[0], "INSERT INTO domains") {
		t.Fatalf("exec = %v", db.execSQL)
	}
	if region := db.execArgs[0][2]; region != "us-east-1" {
		t.Errorf("region = %v, want us-east-1 default", region)
	}
}

func TestSeedTeam_ExistingKeySkips(t *testing.T) {
	keys := &fakeKeys{}
	token, err := SeedTeam(context.Background(), &fakeDB{hasKey: true}, keys, zerolog.Nop(), Team{ID: 1, Domain: "example.com"})
	if err != nil {
		t.Fatalf("SeedTeam() error = %v", err)
	}
	if token != "" || len(keys.created) != 0 {
		t.Errorf("token = %q, created = %v; want no new key", token, keys.created)
	}
}

func TestSeedTeam_Errors(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name string
		db   *fakeDB
		keys *fakeKeys
	}{
		{name: "domain insert", db: &fakeDB{execErr: boom}, keys: &fakeKeys{}},
		{name: "key check", db: &fakeDB{rowErr: boom}, keys: &fakeKeys{}},
		{name: "key create", db: &fakeDB{}, keys: &fakeKeys{err: boom}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SeedTeam(context.Background(), tt.db, tt.keys, zerolog.Nop(), Team{ID: 1, Domain: "example.com"})
			if !errors.Is(err, boom) {
				t.Errorf("error = %v, want boom", err)
			}
		})
	}
}
