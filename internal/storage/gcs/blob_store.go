// Package gcs provides a blob store backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string `mapstructure:"bucket"`
}

// BlobStore implements core.BlobStore on a GCS bucket. Objects are keyed
// userID/assetID so per-user listings are prefix scans.
type BlobStore struct {
	client *storage.Client
	bucket string
}

// New creates a GCS-backed blob store and fails fast when the bucket is
// inaccessible.
func New(ctx context.Context, cfg Config) (*BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("get bucket %q attributes: %w", cfg.Bucket, err)
	}
	return &BlobStore{client: client, bucket: cfg.Bucket}, nil
}

func objectName(userID, assetID string) string {
	return fmt.Sprintf("%s/%s", userID, assetID)
}

// SaveAsset uploads the asset bytes.
func (s *BlobStore) SaveAsset(ctx context.Context, userID, assetID string, data []byte) error {
	writer := s.client.Bucket(s.bucket).Object(objectName(userID, assetID)).NewWriter(ctx)
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return fmt.Errorf("write object %s: %w", objectName(userID, assetID), err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", objectName(userID, assetID), err)
	}
	return nil
}

// ReadAsset downloads the asset bytes.
func (s *BlobStore) ReadAsset(ctx context.Context, userID, assetID string) ([]byte, error) {
	reader, err := s.client.Bucket(s.bucket).Object(objectName(userID, assetID)).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", objectName(userID, assetID), err)
	}
	defer func() { _ = reader.Close() }()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", objectName(userID, assetID), err)
	}
	return data, nil
}

// DeleteAsset removes the asset object.
func (s *BlobStore) DeleteAsset(ctx context.Context, userID, assetID string) error {
	err := s.client.Bucket(s.bucket).Object(objectName(userID, assetID)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete object %s: %w", objectName(userID, assetID), err)
	}
	return nil
}

// ListAssets returns all asset ids stored for a user.
func (s *BlobStore) ListAssets(ctx context.Context, userID string) ([]string, error) {
	prefix := userID + "/"
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var ids []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects under %s: %w", prefix, err)
		}
		ids = append(ids, attrs.Name[len(prefix):])
	}
	return ids, nil
}

// Close releases the underlying client.
func (s *BlobStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}
