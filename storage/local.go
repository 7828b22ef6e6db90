package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore writes media under a directory that the router serves
// statically. Used when no bucket is configured.
type LocalStore struct {
	dir  string
	base string
}

func NewLocalStore(dir, publicBase string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &LocalStore{dir: dir, base: strings.TrimRight(publicBase, "/")}, nil
}

func (s *LocalStore) Dir() string { return s.dir }

func (s *LocalStore) Store(ctx context.Context, name, contentType string, r io.Reader) (*Media, error) {
	key := objectKey("", name)
	f, err := os.Create(filepath.Join(s.dir, key))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		_ = os.Remove(f.Name())
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return &Media{ID: key, URL: s.base + "/" + key}, nil
}

func (s *LocalStore) Delete(ctx context.Context, id string) error {
	// ids never contain separators; reject anything that would escape dir
	if id == "" || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid media id %q", id)
	}
	err := os.Remove(filepath.Join(s.dir, id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
