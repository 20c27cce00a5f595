//go:build gcp

package capabilities

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// GCSBlobStore keeps upgrade buffers in a GCS bucket, keyed by content hash.
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

// NewGCSBlobStore creates a GCS-backed buffer store using ADC credentials.
func NewGCSBlobStore(ctx context.Context, cfg GCSBlobStoreConfig) (*GCSBlobStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSBlobStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSBlobStore) Store(ctx context.Context, data []byte) (string, error) {
	prefixed := DigestBytes(data)
	obj := s.client.Bucket(s.bucket).Object(s.key(prefixed))

	if _, err := obj.Attrs(ctx); err == nil {
		return prefixed, nil
	}

	w := obj.NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("failed to store buffer in gcs: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to commit buffer to gcs: %w", err)
	}
	return prefixed, nil
}

func (s *GCSBlobStore) Get(ctx context.Context, hash string) ([]byte, error) {
	if _, err := stripHash(hash); err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(s.bucket).Object(s.key(hash)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("buffer %s not found", hash)
		}
		return nil, fmt.Errorf("failed to fetch buffer %s from gcs: %w", hash, err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read buffer body: %w", err)
	}
	return data, nil
}

func (s *GCSBlobStore) key(hash string) string {
	return s.prefix + strings.TrimPrefix(hash, hashPrefix) + ".blob"
}
