//go:build gcp

package policy

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSBlobStore keeps bundle blobs in a GCS bucket, keyed by content hash.
type GCSBlobStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSBlobStoreConfig holds configuration for GCSBlobStore.
type GCSBlobStoreConfig struct {
	Bucket string
	Prefix string
}

// NewGCSBlobStore creates a GCS-backed bundle blob store. Credentials come
// from application default credentials.
func NewGCSBlobStore(ctx context.Context, cfg GCSBlobStoreConfig) (*GCSBlobStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCSBlobStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSBlobStore) Store(ctx context.Context, data []byte) (string, error) {
	raw := blobHash(data)
	objectPath := s.prefix + raw + ".blob"

	// Idempotent: skip the upload when the object is already there.
	obj := s.client.Bucket(s.bucket).Object(objectPath)
	if _, err := obj.Attrs(ctx); err == nil {
		return "sha256:" + raw, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs close failed: %w", err)
	}
	return "sha256:" + raw, nil
}

func (s *GCSBlobStore) Get(ctx context.Context, hash string) ([]byte, error) {
	raw, err := splitBlobHash(hash)
	if err != nil {
		return nil, err
	}
	objectPath := s.prefix + raw + ".blob"

	reader, err := s.client.Bucket(s.bucket).Object(objectPath).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs get failed for %s: %w", hash, err)
	}
	defer func() { _ = reader.Close() }()
	return io.ReadAll(reader)
}

func (s *GCSBlobStore) Exists(ctx context.Context, hash string) (bool, error) {
	raw, err := splitBlobHash(hash)
	if err != nil {
		return false, err
	}
	objectPath := s.prefix + raw + ".blob"

	if _, err := s.client.Bucket(s.bucket).Object(objectPath).Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("gcs attrs error: %w", err)
	}
	return true, nil
}

func (s *GCSBlobStore) Delete(ctx context.Context, hash string) error {
	raw, err := splitBlobHash(hash)
	if err != nil {
		return err
	}
	objectPath := s.prefix + raw + ".blob"

	if err := s.client.Bucket(s.bucket).Object(objectPath).Delete(ctx); err != nil &&
		!errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete failed for %s: %w", hash, err)
	}
	return nil
}

// Close closes the underlying GCS client.
func (s *GCSBlobStore) Close() error {
	return s.client.Close()
}
