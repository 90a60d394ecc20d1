// Package upload stores user files (attachments and avatars) under generated
// names, on local disk or in MongoDB GridFS.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// ErrNotExist is returned by a Store for an unknown name.
var ErrNotExist = errors.New("upload: file does not exist")

// Meta describes a stored file.
type Meta struct {
	OriginalName string
	Kind         string
	UploaderID   int64
	UploadedAt   time.Time
}

// Store is a flat namespace of immutable blobs.
type Store interface {
	Save(ctx context.Context, name string, r io.Reader, meta Meta) (int64, error)
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Delete(ctx context.Context, name string) error
	Close(ctx context.Context) error
}

// DiskStore keeps files in a single directory.
type DiskStore struct {
	dir string
}

// NewDiskStore creates dir if needed.
func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("upload: create dir %s: %w", dir, err)
	}
	return &DiskStore{dir: dir}, nil
}

func (s *DiskStore) path(name string) string {
	return filepath.Join(s.dir, filepath.Base(name))
}

func (s *DiskStore) Save(_ context.Context, name string, r io.Reader, _ Meta) (int64, error) {
	p := s.path(name)
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, fmt.Errorf("upload: create %s: %w", name, err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(p)
		return 0, fmt.Errorf("upload: write %s: %w", name, err)
	}
	return n, nil
}

func (s *DiskStore) Open(_ context.Context, name string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotExist
	}
	return f, err
}

func (s *DiskStore) Delete(_ context.Context, name string) error {
	err := os.Remove(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotExist
	}
	return err
}

func (s *DiskStore) Close(context.Context) error { return nil }
