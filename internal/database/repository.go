// Package database provides the Postgres-backed persistence contracts the
// crawl pipeline needs: bookmark content rows, asset metadata, and the atomic
// transitions between them.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linkhoard/linkhoard/internal/core"
)

// ErrBookmarkNotFound is returned when the referenced bookmark row is gone.
var ErrBookmarkNotFound = errors.New("bookmark not found")

// Pool is the subset of pgxpool.Pool the repository uses. pgxmock satisfies
// it for tests.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// Repository performs the narrow reads/writes the pipeline is allowed.
type Repository struct {
	pool Pool
}

// New connects a pgx pool and wraps it in a Repository.
func New(ctx context.Context, cfg Config) (*Repository, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Repository{pool: pool}, nil
}

// NewWithPool constructs a Repository from an existing pool (primarily for
// testing).
func NewWithPool(pool Pool) (*Repository, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &Repository{pool: pool}, nil
}

// Close releases the pool.
func (r *Repository) Close() {
	if r != nil && r.pool != nil {
		r.pool.Close()
	}
}

// Ping verifies the database is reachable. Used by readiness checks.
func (r *Repository) Ping(ctx context.Context) error {
	var one int
	if err := r.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

const getBookmarkQuery = `
SELECT b.id, b.user_id, b.crawl_status, b.crawled_at,
       c.kind,
       c.link_url, c.title, c.description, c.author, c.publisher,
       c.date_published, c.date_modified, c.image_url, c.favicon_url,
       c.html_content, c.html_content_asset_id,
       c.screenshot_asset_id, c.image_asset_id, c.full_page_archive_asset_id,
       c.content_asset_id,
       c.text_content,
       c.asset_id, c.asset_type, c.asset_content_type, c.asset_file_name, c.asset_source_url
FROM bookmarks b
JOIN bookmark_content c ON c.bookmark_id = b.id
WHERE b.id = $1`

// GetBookmark loads a bookmark with its content variant.
func (r *Repository) GetBookmark(ctx context.Context, bookmarkID string) (*core.Bookmark, error) {
	var (
		bookmark    core.Bookmark
		status      string
		crawledAt   *time.Time
		kind        string
		linkURL     *string
		title       *string
		description *string
		author      *string
		publisher   *string
		datePub     *time.Time
		dateMod     *time.Time
		imageURL    *string
		faviconURL  *string
		htmlContent *string
		htmlAssetID *string
		shotAssetID *string
		imgAssetID  *string
		arcAssetID  *string
		cntAssetID  *string
		textContent *string
		assetID     *string
		assetType   *string
		assetCType  *string
		assetFName  *string
		assetSrcURL *string
	)

	err := r.pool.QueryRow(ctx, getBookmarkQuery, bookmarkID).Scan(
		&bookmark.ID, &bookmark.UserID, &status, &crawledAt,
		&kind,
		&linkURL, &title, &description, &author, &publisher,
		&datePub, &dateMod, &imageURL, &faviconURL,
		&htmlContent, &htmlAssetID,
		&shotAssetID, &imgAssetID, &arcAssetID,
		&cntAssetID,
		&textContent,
		&assetID, &assetType, &assetCType, &assetFName, &assetSrcURL,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrBookmarkNotFound, bookmarkID)
	}
	if err != nil {
		return nil, fmt.Errorf("query bookmark %s: %w", bookmarkID, err)
	}

	bookmark.CrawlInfo = core.CrawlInfo{
		Status:    core.CrawlStatus(status),
		CrawledAt: crawledAt,
	}

	switch core.ContentKind(kind) {
	case core.ContentKindLink:
		bookmark.Content = core.LinkContent{
			URL: deref(linkURL),
			Details: core.LinkDetails{
				Title:              deref(title),
				Description:        deref(description),
				Author:             deref(author),
				Publisher:          deref(publisher),
				DatePublished:      datePub,
				DateModified:       dateMod,
				ImageURL:           deref(imageURL),
				FaviconURL:         deref(faviconURL),
				HTMLContent:        deref(htmlContent),
				HTMLContentAssetID: deref(htmlAssetID),
				ScreenshotAssetID:  deref(shotAssetID),
				ImageAssetID:       deref(imgAssetID),
				FullPageArchiveID:  deref(arcAssetID),
				ContentAssetID:     deref(cntAssetID),
			},
		}
	case core.ContentKindText:
		bookmark.Content = core.TextContent{Text: deref(textContent)}
	case core.ContentKindAsset:
		bookmark.Content = core.AssetContent{
			AssetID:     deref(assetID),
			AssetType:   core.AssetType(deref(assetType)),
			ContentType: deref(assetCType),
			FileName:    deref(assetFName),
			SourceURL:   deref(assetSrcURL),
		}
	default:
		return nil, fmt.Errorf("bookmark %s has unknown content kind %q", bookmarkID, kind)
	}
	return &bookmark, nil
}

// SetCrawlStatus updates the user-visible crawl state of a bookmark.
func (r *Repository) SetCrawlStatus(ctx context.Context, bookmarkID string, status core.CrawlStatus, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE bookmarks SET crawl_status = $2, crawled_at = $3 WHERE id = $1`,
		bookmarkID, string(status), at,
	)
	if err != nil {
		return fmt.Errorf("update crawl status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrBookmarkNotFound, bookmarkID)
	}
	return nil
}
