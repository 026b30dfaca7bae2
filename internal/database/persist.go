package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/linkhoard/linkhoard/internal/core"
)

// PersistLinkCrawlParams carries everything the Persisting stage writes in
// one transaction.
type PersistLinkCrawlParams struct {
	BookmarkID string
	UserID     string
	Details    core.LinkDetails
	NewAssets  []core.Asset

	// DisplacedTypes are asset types this crawl superseded without writing a
	// replacement row, e.g. htmlContent when a re-crawl moves the body back
	// inline. Their rows are removed in the same transaction.
	DisplacedTypes []core.AssetType

	CrawledAt time.Time
}

const updateLinkDetailsQuery = `
UPDATE bookmark_content SET
	title = $2, description = $3, author = $4, publisher = $5,
	date_published = $6, date_modified = $7, image_url = $8, favicon_url = $9,
	html_content = $10, html_content_asset_id = $11,
	screenshot_asset_id = $12, image_asset_id = $13,
	full_page_archive_asset_id = $14, content_asset_id = $15
WHERE bookmark_id = $1 AND kind = 'link'`

const insertAssetQuery = `
INSERT INTO assets (id, user_id, bookmark_id, asset_type, content_type, size_bytes, file_name, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// PersistLinkCrawl applies a finished crawl in a single transaction: the link
// row gets its new details, new asset rows are inserted, and any previous
// asset of a replaced type is removed from the table. The replaced assets are
// returned so the caller can delete their blobs after the commit; deleting
// them earlier would lose data if the transaction rolls back.
func (r *Repository) PersistLinkCrawl(ctx context.Context, p PersistLinkCrawlParams) ([]core.Asset, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin persist tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	types := make([]string, 0, len(p.NewAssets)+len(p.DisplacedTypes))
	seen := make(map[string]bool, len(p.NewAssets)+len(p.DisplacedTypes))
	for _, asset := range p.NewAssets {
		if !seen[string(asset.Type)] {
			seen[string(asset.Type)] = true
			types = append(types, string(asset.Type))
		}
	}
	for _, assetType := range p.DisplacedTypes {
		if !seen[string(assetType)] {
			seen[string(assetType)] = true
			types = append(types, string(assetType))
		}
	}

	var replaced []core.Asset
	if len(types) > 0 {
		replaced, err = selectAssetsByType(ctx, tx, p.BookmarkID, types)
		if err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM assets WHERE bookmark_id = $1 AND asset_type = ANY($2)`,
			p.BookmarkID, types,
		); err != nil {
			return nil, fmt.Errorf("delete replaced asset rows: %w", err)
		}
	}

	for _, asset := range p.NewAssets {
		if _, err := tx.Exec(ctx, insertAssetQuery,
			asset.ID, asset.UserID, asset.BookmarkID, string(asset.Type),
			asset.ContentType, asset.SizeBytes, asset.FileName, asset.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("insert asset row %s: %w", asset.ID, err)
		}
	}

	d := p.Details
	tag, err := tx.Exec(ctx, updateLinkDetailsQuery,
		p.BookmarkID,
		nullable(d.Title), nullable(d.Description), nullable(d.Author), nullable(d.Publisher),
		d.DatePublished, d.DateModified, nullable(d.ImageURL), nullable(d.FaviconURL),
		nullable(d.HTMLContent), nullable(d.HTMLContentAssetID),
		nullable(d.ScreenshotAssetID), nullable(d.ImageAssetID),
		nullable(d.FullPageArchiveID), nullable(d.ContentAssetID),
	)
	if err != nil {
		return nil, fmt.Errorf("update link details: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: %s has no link content row", ErrBookmarkNotFound, p.BookmarkID)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE bookmarks SET crawl_status = $2, crawled_at = $3 WHERE id = $1`,
		p.BookmarkID, string(core.CrawlStatusSuccess), p.CrawledAt,
	); err != nil {
		return nil, fmt.Errorf("update crawl status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit persist tx: %w", err)
	}
	return replaced, nil
}

// TransformToAsset atomically converts a link bookmark into an asset bookmark:
// the old content row is deleted, the new one inserted, and the asset row
// written, all in one transaction so the bookmark never has zero or two
// content rows.
func (r *Repository) TransformToAsset(ctx context.Context, bookmarkID string, content core.AssetContent, asset core.Asset) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transform tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM bookmark_content WHERE bookmark_id = $1`, bookmarkID)
	if err != nil {
		return fmt.Errorf("delete old content row: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrBookmarkNotFound, bookmarkID)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO bookmark_content (bookmark_id, kind, asset_id, asset_type, asset_content_type, asset_file_name, asset_source_url)
		 VALUES ($1, 'asset', $2, $3, $4, $5, $6)`,
		bookmarkID, content.AssetID, string(content.AssetType),
		content.ContentType, nullable(content.FileName), nullable(content.SourceURL),
	); err != nil {
		return fmt.Errorf("insert asset content row: %w", err)
	}

	if _, err := tx.Exec(ctx, insertAssetQuery,
		asset.ID, asset.UserID, asset.BookmarkID, string(asset.Type),
		asset.ContentType, asset.SizeBytes, asset.FileName, asset.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert asset row %s: %w", asset.ID, err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE bookmarks SET crawl_status = $2, crawled_at = $3 WHERE id = $1`,
		bookmarkID, string(core.CrawlStatusSuccess), asset.CreatedAt,
	); err != nil {
		return fmt.Errorf("update crawl status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transform tx: %w", err)
	}
	return nil
}

// InsertAsset writes a standalone asset row outside any pipeline transaction
// (used by the archiving stage, which commits independently).
func (r *Repository) InsertAsset(ctx context.Context, asset core.Asset) error {
	if _, err := r.pool.Exec(ctx, insertAssetQuery,
		asset.ID, asset.UserID, asset.BookmarkID, string(asset.Type),
		asset.ContentType, asset.SizeBytes, asset.FileName, asset.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert asset row %s: %w", asset.ID, err)
	}
	return nil
}

// ReplaceAssetOfType swaps the bookmark's asset of the given type for the new
// one in a single transaction and returns the replaced rows.
func (r *Repository) ReplaceAssetOfType(ctx context.Context, asset core.Asset) ([]core.Asset, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin replace tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	replaced, err := selectAssetsByType(ctx, tx, asset.BookmarkID, []string{string(asset.Type)})
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM assets WHERE bookmark_id = $1 AND asset_type = $2`,
		asset.BookmarkID, string(asset.Type),
	); err != nil {
		return nil, fmt.Errorf("delete replaced asset rows: %w", err)
	}
	if _, err := tx.Exec(ctx, insertAssetQuery,
		asset.ID, asset.UserID, asset.BookmarkID, string(asset.Type),
		asset.ContentType, asset.SizeBytes, asset.FileName, asset.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert asset row %s: %w", asset.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit replace tx: %w", err)
	}
	return replaced, nil
}

// SetArchiveAssetID points the link row at its full-page archive asset.
func (r *Repository) SetArchiveAssetID(ctx context.Context, bookmarkID, assetID string) error {
	if _, err := r.pool.Exec(ctx,
		`UPDATE bookmark_content SET full_page_archive_asset_id = $2 WHERE bookmark_id = $1 AND kind = 'link'`,
		bookmarkID, assetID,
	); err != nil {
		return fmt.Errorf("set archive asset id: %w", err)
	}
	return nil
}

// UserStorageUsage sums the stored asset bytes for a user. It backs the quota
// ledger.
func (r *Repository) UserStorageUsage(ctx context.Context, userID string) (int64, error) {
	var used int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(size_bytes), 0) FROM assets WHERE user_id = $1`,
		userID,
	).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("sum user storage: %w", err)
	}
	return used, nil
}

// ListDanglingAssets returns assets with no owning bookmark row; they are
// garbage eligible for cleanup.
func (r *Repository) ListDanglingAssets(ctx context.Context) ([]core.Asset, error) {
	rows, err := r.pool.Query(ctx, `
SELECT a.id, a.user_id, COALESCE(a.bookmark_id, ''), a.asset_type, a.content_type, a.size_bytes, COALESCE(a.file_name, ''), a.created_at
FROM assets a
LEFT JOIN bookmarks b ON b.id = a.bookmark_id
WHERE a.bookmark_id IS NULL OR b.id IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("query dangling assets: %w", err)
	}
	defer rows.Close()
	return scanAssets(rows)
}

func selectAssetsByType(ctx context.Context, tx pgx.Tx, bookmarkID string, types []string) ([]core.Asset, error) {
	rows, err := tx.Query(ctx, `
SELECT id, user_id, COALESCE(bookmark_id, ''), asset_type, content_type, size_bytes, COALESCE(file_name, ''), created_at
FROM assets
WHERE bookmark_id = $1 AND asset_type = ANY($2)`,
		bookmarkID, types,
	)
	if err != nil {
		return nil, fmt.Errorf("query replaced assets: %w", err)
	}
	defer rows.Close()
	return scanAssets(rows)
}

func scanAssets(rows pgx.Rows) ([]core.Asset, error) {
	var assets []core.Asset
	for rows.Next() {
		var (
			asset     core.Asset
			assetType string
		)
		if err := rows.Scan(
			&asset.ID, &asset.UserID, &asset.BookmarkID, &assetType,
			&asset.ContentType, &asset.SizeBytes, &asset.FileName, &asset.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan asset row: %w", err)
		}
		asset.Type = core.AssetType(assetType)
		assets = append(assets, asset)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate asset rows: %w", err)
	}
	return assets, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
