package sink

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	pkgerrors "github.com/pkg/errors"
)

var ErrObjectNotFound = errors.New("object does not exist")

// ObjectStore abstracts the blob storage conversation transcripts land in.
type ObjectStore interface {
	ReadObject(ctx context.Context, name string) ([]byte, error)
	WriteObject(ctx context.Context, name string, data []byte) error
}

// LocalObjectStore keeps objects as plain files under a root directory. Used
// in development and in tests.
type LocalObjectStore struct {
	root string
}

func NewLocalObjectStore(root string) *LocalObjectStore {
	return &LocalObjectStore{
		root: root,
	}
}

func (s *LocalObjectStore) ReadObject(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(s.path(name))
	if os.IsNotExist(err) {
		return nil, ErrObjectNotFound
	}
	return data, err
}

func (s *LocalObjectStore) WriteObject(_ context.Context, name string, data []byte) error {
	path := s.path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return pkgerrors.Wrap(err, "could not create object directory")
	}
	return os.WriteFile(path, data, 0o644)
}

func (s *LocalObjectStore) path(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(name))
}
