package msgstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// LocalFileStore maps keys to files below a root directory; each "/" in a
// key is a directory level.
type LocalFileStore struct {
	root string
}

// NewLocalFileStore creates root if needed.
func NewLocalFileStore(root string) (*LocalFileStore, error) {
	if root == "" {
		root = "./data/attachments"
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("msgstore: create %s: %w", root, err)
	}
	return &LocalFileStore{root: root}, nil
}

func (s *LocalFileStore) file(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// Put replaces the file atomically. The content type is not kept; readers
// take it from the message record.
func (s *LocalFileStore) Put(_ context.Context, key string, data []byte, _ string) error {
	name, err := s.file(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(name), 0o750); err != nil {
		return fmt.Errorf("msgstore: create dir for %s: %w", key, err)
	}
	if err := writeAtomic(name, data); err != nil {
		return fmt.Errorf("msgstore: write %s: %w", key, err)
	}
	return nil
}

// writeAtomic writes to a sibling temp file and renames it over name, so
// readers never see a partial attachment.
func writeAtomic(name string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(name), "."+filepath.Base(name)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), name)
}

func (s *LocalFileStore) Get(_ context.Context, key string) ([]byte, error) {
	name, err := s.file(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(name)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("msgstore: read %s: %w", key, err)
	}
	return data, nil
}

func (s *LocalFileStore) Delete(_ context.Context, key string) error {
	name, err := s.file(key)
	if err != nil {
		return err
	}
	if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("msgstore: remove %s: %w", key, err)
	}
	return nil
}

func (s *LocalFileStore) DeleteMessage(_ context.Context, id uuid.UUID) error {
	if err := os.RemoveAll(filepath.Join(s.root, id.String())); err != nil {
		return fmt.Errorf("msgstore: remove attachments of %s: %w", id, err)
	}
	return nil
}

// Ping checks that the root is still a writable directory.
func (s *LocalFileStore) Ping(_ context.Context) error {
	probe, err := os.CreateTemp(s.root, ".ping-*")
	if err != nil {
		return fmt.Errorf("msgstore: %s not writable: %w", s.root, err)
	}
	_ = probe.Close()
	return os.Remove(probe.Name())
}
