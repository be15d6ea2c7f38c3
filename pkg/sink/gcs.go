package sink

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
)

// GCSObjectStore persists objects as blobs in a Google Cloud Storage bucket,
// authenticated with Application Default Credentials.
type GCSObjectStore struct {
	bucket *storage.BucketHandle
}

func NewGCSObjectStore(ctx context.Context, bucketName string) (*GCSObjectStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not initialize storage client")
	}
	return &GCSObjectStore{
		bucket: client.Bucket(bucketName),
	}, nil
}

func (s *GCSObjectStore) ReadObject(ctx context.Context, name string) ([]byte, error) {
	r, err := s.bucket.Object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, errors.Wrapf(err, "could not read object %s", name)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (s *GCSObjectStore) WriteObject(ctx context.Context, name string, data []byte) error {
	w := s.bucket.Object(name).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return errors.Wrapf(err, "could not write object %s", name)
	}
	return errors.Wrapf(w.Close(), "could not write object %s", name)
}
