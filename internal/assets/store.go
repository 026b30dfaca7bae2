package assets

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/linkhoard/linkhoard/internal/core"
	"github.com/linkhoard/linkhoard/internal/metrics"
)

// InlineHTMLThreshold is the content-size cutoff: extracted HTML below this is
// stored inline on the bookmark row; at or above it, as a standalone asset.
// This keeps small pages cheap while bounding row size for large ones.
const InlineHTMLThreshold = 50 * 1024

// StoreInline reports whether extracted HTML should live on the bookmark row.
func StoreInline(html string) bool {
	return len(html) < InlineHTMLThreshold
}

// SaveRequest describes one asset write. Approval must have been obtained for
// the exact byte length of Data.
type SaveRequest struct {
	UserID      string
	BookmarkID  string
	Type        core.AssetType
	ContentType string
	FileName    string
	Data        []byte
	Approval    Approval
}

// Store writes assets to the blob store and builds their metadata rows. Row
// persistence happens inside the caller's database transaction; when that
// transaction fails, the caller must Delete the asset so no dangling blob
// outlives its row (there is no two-phase commit between the stores).
type Store struct {
	blobs  core.BlobStore
	idGen  core.IDGenerator
	clock  core.Clock
	logger *zap.Logger
}

// NewStore constructs a Store.
func NewStore(blobs core.BlobStore, idGen core.IDGenerator, clock core.Clock, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Store{blobs: blobs, idGen: idGen, clock: clock, logger: logger}
}

// Save persists the asset bytes and returns its metadata. The returned asset
// is dangling until the caller commits a row referencing it.
func (s *Store) Save(ctx context.Context, req SaveRequest) (core.Asset, error) {
	if !req.Approval.covers(req.UserID, int64(len(req.Data))) {
		s.logger.Error("asset write attempted without matching quota approval",
			zap.String("user_id", req.UserID),
			zap.String("asset_type", string(req.Type)),
			zap.Int("size", len(req.Data)),
		)
		return core.Asset{}, ErrApprovalInvalid
	}

	assetID, err := s.idGen.NewID()
	if err != nil {
		return core.Asset{}, fmt.Errorf("assign asset id: %w", err)
	}
	if err := s.blobs.SaveAsset(ctx, req.UserID, assetID, req.Data); err != nil {
		return core.Asset{}, fmt.Errorf("save asset blob: %w", err)
	}
	metrics.AssetBytes(string(req.Type), int64(len(req.Data)))

	return core.Asset{
		ID:          assetID,
		UserID:      req.UserID,
		BookmarkID:  req.BookmarkID,
		Type:        req.Type,
		ContentType: req.ContentType,
		SizeBytes:   int64(len(req.Data)),
		FileName:    req.FileName,
		CreatedAt:   s.clock.Now(),
	}, nil
}

// Delete removes the asset blob. It is idempotent so compensating cleanup can
// run from any failure path.
func (s *Store) Delete(ctx context.Context, userID, assetID string) error {
	if err := s.blobs.DeleteAsset(ctx, userID, assetID); err != nil {
		return fmt.Errorf("delete asset blob: %w", err)
	}
	return nil
}

// Read returns the asset bytes.
func (s *Store) Read(ctx context.Context, userID, assetID string) ([]byte, error) {
	data, err := s.blobs.ReadAsset(ctx, userID, assetID)
	if err != nil {
		return nil, fmt.Errorf("read asset blob: %w", err)
	}
	return data, nil
}

// CleanupAll deletes the given assets, logging rather than failing on
// individual errors. Used on pipeline failure paths to reap orphaned blobs.
func (s *Store) CleanupAll(ctx context.Context, saved []core.Asset) {
	for _, asset := range saved {
		if err := s.Delete(ctx, asset.UserID, asset.ID); err != nil {
			s.logger.Error("orphaned asset cleanup failed",
				zap.String("asset_id", asset.ID),
				zap.String("user_id", asset.UserID),
				zap.Error(err),
			)
		}
	}
}
