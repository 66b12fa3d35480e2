package msgstore

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// backends returns one of each Store for the shared behaviour tests.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	local, err := NewLocalFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalFileStore: %v", err)
	}
	return map[string]Store{
		"local":  local,
		"memory": NewMemoryStore(),
		"s3":     NewS3Store(newMockS3Client(), "attachments", "unsend/"),
	}
}

func TestStore_RoundTrip(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := AttachmentKey(uuid.New(), 0)

			if err := store.Put(ctx, key, []byte("first"), "text/plain"); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := store.Put(ctx, key, []byte("second"), "text/plain"); err != nil {
				t.Fatalf("Put overwrite: %v", err)
			}
			got, err := store.Get(ctx, key)
			if err != nil || string(got) != "second" {
				t.Fatalf("Get = %q, %v; want second", got, err)
			}

			if err := store.Delete(ctx, key); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := store.Get(ctx, key); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get after Delete = %v, want ErrNotFound", err)
			}
			if err := store.Delete(ctx, key); err != nil {
				t.Errorf("second Delete = %v, want nil", err)
			}
		})
	}
}

func TestStore_DeleteMessage(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			gone, kept := uuid.New(), uuid.New()
			for i := 0; i < 3; i++ {
				if err := store.Put(ctx, AttachmentKey(gone, i), []byte("x"), ""); err != nil {
					t.Fatalf("Put: %v", err)
				}
			}
			if err := store.Put(ctx, AttachmentKey(kept, 0), []byte("y"), ""); err != nil {
				t.Fatalf("Put: %v", err)
			}

			if err := store.DeleteMessage(ctx, gone); err != nil {
				t.Fatalf("DeleteMessage: %v", err)
			}
			for i := 0; i < 3; i++ {
				if _, err := store.Get(ctx, AttachmentKey(gone, i)); !errors.Is(err, ErrNotFound) {
					t.Errorf("attachment %d of deleted message: %v", i, err)
				}
			}
			if _, err := store.Get(ctx, AttachmentKey(kept, 0)); err != nil {
				t.Errorf("other message lost its attachment: %v", err)
			}
			if err := store.DeleteMessage(ctx, uuid.New()); err != nil {
				t.Errorf("DeleteMessage(unknown) = %v", err)
			}
		})
	}
}

func TestStore_RejectsInvalidKeys(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"", "/abs", "a/../../escape", "a//b"} {
				if err := store.Put(context.Background(), key, []byte("x"), ""); !errors.Is(err, ErrInvalidKey) {
					t.Errorf("Put(%q) = %v, want ErrInvalidKey", key, err)
				}
			}
		})
	}
}

func TestStore_Ping(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Ping(context.Background()); err != nil {
				t.Errorf("Ping() = %v", err)
			}
		})
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		typ     string
		want    string
		wantErr bool
	}{
		{typ: "", want: "*msgstore.LocalFileStore"},
		{typ: "local", want: "*msgstore.LocalFileStore"},
		{typ: "gcs", want: "*msgstore.LocalFileStore"},
		{typ: "memory", want: "*msgstore.MemoryStore"},
		{typ: "s3", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			store, err := New(context.Background(), Config{Type: tt.typ, Path: t.TempDir()}, zerolog.Nop())
			if tt.wantErr {
				if err == nil {
					t.Fatalf("New(%q) = %T, want error", tt.typ, store)
				}
				return
			}
			if err != nil {
				t.Fatalf("New(%q): %v", tt.typ, err)
			}
			if got := typeName(store); got != tt.want {
				t.Errorf("New(%q) = %s, want %s", tt.typ, got, tt.want)
			}
		})
	}
}

func typeName(s Store) string {
	switch s.(type) {
	case *LocalFileStore:
		return "*msgstore.LocalFileStore"
	case *MemoryStore:
		return "*msgstore.MemoryStore"
	case *S3Store:
		return "*msgstore.S3Store"
	}
	return "unknown"
}

func TestAttachmentKey(t *testing.T) {
	id := uuid.MustParse("7c9e6679-7425-40de-944b-e07fc1f90ae7")
	if got := AttachmentKey(id, 2); got != "7c9e6679-7425-40de-944b-e07fc1f90ae7/2" {
		t.Errorf("AttachmentKey() = %q", got)
	}
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key string
		ok  bool
	}{
		{"msg/0", true},
		{"a", true},
		{"", false},
		{"/abs", false},
		{"a/../b", false},
		{"a//b", false},
		{"./a", false},
		{"a/", false},
	}
	for _, tt := range tests {
		err := validateKey(tt.key)
		if tt.ok && err != nil {
			t.Errorf("validateKey(%q) = %v, want nil", tt.key, err)
		}
		if !tt.ok && !errors.Is(err, ErrInvalidKey) {
			t.Errorf("validateKey(%q) = %v, want ErrInvalidKey", tt.key, err)
		}
	}
}

func TestMemoryStore_CopiesData(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	data := []byte("payload")
	if err := store.Put(ctx, "m/0", data, ""); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data[0] = 'X'
	got, _ := store.Get(ctx, "m/0")
	got[1] = 'Y'

	again, _ := store.Get(ctx, "m/0")
	if string(again) != "payload" {
		t.Errorf("Get = %q, stored bytes must not alias caller slices", again)
	}
}
