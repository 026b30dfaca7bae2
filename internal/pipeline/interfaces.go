// Package pipeline sequences a crawl job from URL validation through content
// extraction, asset persistence, and dependent-job fan-out.
package pipeline

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/linkhoard/linkhoard/internal/assets"
	"github.com/linkhoard/linkhoard/internal/browser"
	"github.com/linkhoard/linkhoard/internal/core"
	"github.com/linkhoard/linkhoard/internal/database"
	"github.com/linkhoard/linkhoard/internal/fetch"
)

// Repository is the narrow database contract the pipeline needs.
type Repository interface {
	GetBookmark(ctx context.Context, bookmarkID string) (*core.Bookmark, error)
	SetCrawlStatus(ctx context.Context, bookmarkID string, status core.CrawlStatus, at time.Time) error
	PersistLinkCrawl(ctx context.Context, p database.PersistLinkCrawlParams) ([]core.Asset, error)
	TransformToAsset(ctx context.Context, bookmarkID string, content core.AssetContent, asset core.Asset) error
	ReplaceAssetOfType(ctx context.Context, asset core.Asset) ([]core.Asset, error)
	SetArchiveAssetID(ctx context.Context, bookmarkID, assetID string) error
}

// Validator rejects URLs that target disallowed address ranges.
type Validator interface {
	Validate(ctx context.Context, rawURL string, behindProxy bool) (*url.URL, error)
}

// Fetcher is the proxy-aware HTTP client used for probing and fallbacks.
type Fetcher interface {
	Do(ctx context.Context, req fetch.Request) (*http.Response, error)
}

// BrowserEngine renders pages in headless Chrome. A nil engine means plain
// HTTP fallback.
type BrowserEngine interface {
	Crawl(ctx context.Context, req browser.CrawlRequest) (*core.CrawlResult, error)
	Archive(ctx context.Context, rawURL string) ([]byte, error)
}

// AssetStore persists artifacts with quota accounting.
type AssetStore interface {
	Save(ctx context.Context, req assets.SaveRequest) (core.Asset, error)
	Delete(ctx context.Context, userID, assetID string) error
	CleanupAll(ctx context.Context, saved []core.Asset)
}

// UserPrefs answers per-user crawl preferences.
type UserPrefs interface {
	BrowserCrawlingEnabled(ctx context.Context, userID string) bool
}

// StaticPrefs is a UserPrefs with one global answer.
type StaticPrefs bool

// BrowserCrawlingEnabled implements UserPrefs.
func (p StaticPrefs) BrowserCrawlingEnabled(context.Context, string) bool { return bool(p) }
