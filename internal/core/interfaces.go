package core

import (
	"context"
	"time"
)

// BlobStore is the key-to-bytes storage collaborator. Assets are addressed by
// an opaque id; per-user quota accounting is layered on top by the asset store.
type BlobStore interface {
	SaveAsset(ctx context.Context, userID, assetID string, data []byte) error
	ReadAsset(ctx context.Context, userID, assetID string) ([]byte, error)
	DeleteAsset(ctx context.Context, userID, assetID string) error
	ListAssets(ctx context.Context, userID string) ([]string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces asset and job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
