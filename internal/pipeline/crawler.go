package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/linkhoard/linkhoard/internal/assets"
	"github.com/linkhoard/linkhoard/internal/browser"
	"github.com/linkhoard/linkhoard/internal/core"
	"github.com/linkhoard/linkhoard/internal/database"
	"github.com/linkhoard/linkhoard/internal/extract"
	"github.com/linkhoard/linkhoard/internal/fetch"
	"github.com/linkhoard/linkhoard/internal/metrics"
	"github.com/linkhoard/linkhoard/internal/queue"
)

// Pipeline stage names used in logs and metrics.
const (
	stageValidating = "validating"
	stageProbe      = "content_type_probe"
	stageCrawl      = "link_crawl"
	stageDownload   = "asset_download"
	stageExtracting = "extracting"
	stagePersisting = "persisting"
	stageChaining   = "chaining"
	stageArchiving  = "archiving"
)

const defaultMaxDownloadBytes = 32 << 20

// Config tunes the orchestrator.
type Config struct {
	// BehindProxy marks the whole deployment as egressing through a proxy
	// that performs its own address filtering, which relaxes the local
	// resolve-and-check on the initial URL. Per-hop fetches still apply
	// their own proxy-aware validation.
	BehindProxy bool `mapstructure:"behind_proxy"`

	// MaxDownloadBytes caps direct resource downloads (PDFs, images,
	// HTTP-fallback pages).
	MaxDownloadBytes int64 `mapstructure:"max_download_bytes"`

	// ChainedJobRetries is the retry budget given to the dependent jobs
	// enqueued by the Chaining stage.
	ChainedJobRetries int `mapstructure:"chained_job_retries"`

	// DownloadVideo enqueues a video-download job after every crawl.
	DownloadVideo bool `mapstructure:"download_video"`
}

func (c Config) maxDownloadBytes() int64 {
	if c.MaxDownloadBytes <= 0 {
		return defaultMaxDownloadBytes
	}
	return c.MaxDownloadBytes
}

// Crawler runs one crawl job end to end: validate, probe, crawl or download,
// extract, persist, chain, archive. It is safe for concurrent use; all
// per-job state lives on the stack.
type Crawler struct {
	cfg       Config
	repo      Repository
	validator Validator
	fetcher   Fetcher
	engine    BrowserEngine
	assets    AssetStore
	quota     assets.QuotaLedger
	prefs     UserPrefs
	queues    Queues
	clock     core.Clock
	logger    *zap.Logger
}

// NewCrawler wires the orchestrator. engine may be nil, in which case every
// crawl uses the plain HTTP fallback.
func NewCrawler(
	cfg Config,
	repo Repository,
	validator Validator,
	fetcher Fetcher,
	engine BrowserEngine,
	assetStore AssetStore,
	quota assets.QuotaLedger,
	prefs UserPrefs,
	queues Queues,
	clock core.Clock,
	logger *zap.Logger,
) (*Crawler, error) {
	if repo == nil || validator == nil || fetcher == nil || assetStore == nil || quota == nil {
		return nil, errors.New("repo, validator, fetcher, asset store, and quota ledger are required")
	}
	if prefs == nil {
		prefs = StaticPrefs(true)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Crawler{
		cfg:       cfg,
		repo:      repo,
		validator: validator,
		fetcher:   fetcher,
		engine:    engine,
		assets:    assetStore,
		quota:     quota,
		prefs:     prefs,
		queues:    queues,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Handlers adapts the Crawler to the queue runner. OnError marks the
// bookmark's crawl failed only once the retry budget is spent; earlier
// failures leave the status pending for the retry.
func (c *Crawler) Handlers() queue.Handlers[core.CrawlJob] {
	return queue.Handlers[core.CrawlJob]{
		Run: c.Run,
		OnError: func(ctx context.Context, job *queue.Job[core.CrawlJob], err error) {
			if job.RetriesRemaining > 0 && ctx.Err() == nil {
				return
			}
			// The job context may already be canceled; give the status
			// write its own deadline-free context.
			statusCtx := context.WithoutCancel(ctx)
			if serr := c.repo.SetCrawlStatus(statusCtx, job.Payload.BookmarkID, core.CrawlStatusFailure, c.clock.Now()); serr != nil {
				c.logger.Error("marking crawl failed",
					zap.String("bookmark_id", job.Payload.BookmarkID),
					zap.Error(serr),
				)
			}
		},
	}
}

// Run executes the crawl state machine for one job. The job's context is its
// abort signal: it is checked at every stage boundary so cancellation is
// prompt rather than only at I/O call sites.
func (c *Crawler) Run(ctx context.Context, job *queue.Job[core.CrawlJob]) error {
	logger := c.logger.With(
		zap.String("job_id", job.ID),
		zap.String("bookmark_id", job.Payload.BookmarkID),
	)

	bookmark, link, pageURL, err := c.validating(ctx, job.Payload.BookmarkID)
	if err != nil {
		metrics.CrawlStage(stageValidating, "failure")
		return err
	}
	if bookmark == nil {
		// Not a link bookmark; nothing to crawl.
		return nil
	}
	metrics.CrawlStage(stageValidating, "success")

	if err := checkAbort(ctx); err != nil {
		return err
	}

	contentType := c.probe(ctx, logger, pageURL)
	metrics.CrawlStage(stageProbe, "success")

	if err := checkAbort(ctx); err != nil {
		return err
	}

	if assetTypeFor(contentType) != "" {
		if err := c.downloadAsAsset(ctx, logger, bookmark, pageURL, contentType); err != nil {
			metrics.CrawlStage(stageDownload, "failure")
			return err
		}
		metrics.CrawlStage(stageDownload, "success")
		c.chain(ctx, job)
		metrics.CrawlStage(stageChaining, "success")
		return nil
	}

	result, err := c.crawl(ctx, logger, bookmark.UserID, pageURL)
	if err != nil {
		metrics.CrawlStage(stageCrawl, "failure")
		return err
	}
	metrics.CrawlStage(stageCrawl, "success")

	if err := checkAbort(ctx); err != nil {
		return err
	}

	finalURL := pageURL
	if result.FinalURL != "" {
		if parsed, perr := url.Parse(result.FinalURL); perr == nil {
			finalURL = parsed
		}
	}
	meta, readable := c.extracting(logger, result, finalURL)
	metrics.CrawlStage(stageExtracting, "success")

	if err := checkAbort(ctx); err != nil {
		return err
	}

	if err := c.persisting(ctx, logger, bookmark, link, result, meta, readable); err != nil {
		metrics.CrawlStage(stagePersisting, "failure")
		return err
	}
	metrics.CrawlStage(stagePersisting, "success")

	if err := checkAbort(ctx); err != nil {
		return err
	}

	c.chain(ctx, job)
	metrics.CrawlStage(stageChaining, "success")

	if job.Payload.ArchiveFullPage {
		c.archiving(ctx, logger, bookmark, pageURL)
	}
	return nil
}

// validating loads the bookmark and checks its URL against the address rules.
// A nil bookmark with nil error means the bookmark is not a link and the job
// is a no-op.
func (c *Crawler) validating(ctx context.Context, bookmarkID string) (*core.Bookmark, core.LinkContent, *url.URL, error) {
	bookmark, err := c.repo.GetBookmark(ctx, bookmarkID)
	if err != nil {
		if errors.Is(err, database.ErrBookmarkNotFound) {
			// Deleted between enqueue and execution; nothing to do.
			c.logger.Info("bookmark vanished before crawl", zap.String("bookmark_id", bookmarkID))
			return nil, core.LinkContent{}, nil, nil
		}
		return nil, core.LinkContent{}, nil, fmt.Errorf("load bookmark: %w", err)
	}
	link, ok := bookmark.Content.(core.LinkContent)
	if !ok {
		c.logger.Debug("skipping non-link bookmark",
			zap.String("bookmark_id", bookmarkID),
			zap.String("kind", string(bookmark.Content.Kind())),
		)
		return nil, core.LinkContent{}, nil, nil
	}
	pageURL, err := c.validator.Validate(ctx, link.URL, c.cfg.BehindProxy)
	if err != nil {
		return nil, core.LinkContent{}, nil, fmt.Errorf("validate bookmark url: %w", err)
	}
	return bookmark, link, pageURL, nil
}

// probe issues a cheap HEAD to learn the content type before committing to a
// full crawl. Probe failures are advisory: many servers reject HEAD, so any
// error falls through to the HTML path.
func (c *Crawler) probe(ctx context.Context, logger *zap.Logger, pageURL *url.URL) string {
	resp, err := c.fetcher.Do(ctx, fetch.Request{Method: http.MethodHead, URL: pageURL.String()})
	if err != nil {
		logger.Debug("content-type probe failed", zap.Error(err))
		return ""
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		_ = resp.Body.Close()
	}()
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	return mediaType
}

// assetTypeFor maps a probed media type onto the asset bookmark types. An
// empty return means the resource is treated as a webpage.
func assetTypeFor(mediaType string) core.AssetType {
	switch {
	case mediaType == "application/pdf":
		return core.AssetTypeBookmarkAsset
	case strings.HasPrefix(mediaType, "image/"):
		return core.AssetTypeBookmarkAsset
	default:
		return ""
	}
}

// downloadAsAsset handles the probe outcome for PDFs and images: the resource
// is downloaded, stored, and the bookmark is reclassified from a link to an
// asset bookmark in one transaction. Quota denial fails the job here because
// the asset is the bookmark's entire content, unlike the optional artifacts
// of a page crawl.
func (c *Crawler) downloadAsAsset(ctx context.Context, logger *zap.Logger, bookmark *core.Bookmark, pageURL *url.URL, contentType string) error {
	data, err := c.download(ctx, pageURL.String())
	if err != nil {
		return fmt.Errorf("download resource: %w", err)
	}

	approval, err := c.quota.Approve(ctx, bookmark.UserID, int64(len(data)))
	if err != nil {
		return fmt.Errorf("approve asset download: %w", err)
	}
	asset, err := c.assets.Save(ctx, assets.SaveRequest{
		UserID:      bookmark.UserID,
		BookmarkID:  bookmark.ID,
		Type:        core.AssetTypeBookmarkAsset,
		ContentType: contentType,
		FileName:    fileNameFromURL(pageURL),
		Data:        data,
		Approval:    approval,
	})
	if err != nil {
		return fmt.Errorf("store downloaded asset: %w", err)
	}

	content := core.AssetContent{
		AssetID:     asset.ID,
		AssetType:   core.AssetTypeBookmarkAsset,
		ContentType: contentType,
		FileName:    asset.FileName,
		SourceURL:   pageURL.String(),
	}
	if err := c.repo.TransformToAsset(ctx, bookmark.ID, content, asset); err != nil {
		// The blob was written before the row; reap it so the failed
		// transaction leaves nothing behind.
		if derr := c.assets.Delete(context.WithoutCancel(ctx), bookmark.UserID, asset.ID); derr != nil {
			logger.Error("cleanup after failed transform", zap.String("asset_id", asset.ID), zap.Error(derr))
		}
		return fmt.Errorf("transform bookmark to asset: %w", err)
	}
	logger.Info("bookmark reclassified to asset",
		zap.String("content_type", contentType),
		zap.Int("size", len(data)),
	)
	return nil
}

// crawl obtains the page content, preferring the browser engine and falling
// back to a plain fetch when the browser is unavailable or disabled for the
// user.
func (c *Crawler) crawl(ctx context.Context, logger *zap.Logger, userID string, pageURL *url.URL) (*core.CrawlResult, error) {
	if c.engine != nil && c.prefs.BrowserCrawlingEnabled(ctx, userID) {
		result, err := c.engine.Crawl(ctx, browser.CrawlRequest{URL: pageURL.String(), CaptureScreenshot: true})
		switch {
		case err == nil:
			return result, nil
		case errors.Is(err, browser.ErrBrowserUnavailable):
			logger.Warn("browser unavailable, using http fallback", zap.Error(err))
		case ctx.Err() != nil:
			return nil, err
		default:
			return nil, fmt.Errorf("browser crawl: %w", err)
		}
	}
	return c.fallbackFetch(ctx, pageURL)
}

// fallbackFetch is the browserless path: a single proxied GET with the body
// size capped. It produces no screenshot.
func (c *Crawler) fallbackFetch(ctx context.Context, pageURL *url.URL) (*core.CrawlResult, error) {
	resp, err := c.fetcher.Do(ctx, fetch.Request{Method: http.MethodGet, URL: pageURL.String()})
	if err != nil {
		return nil, fmt.Errorf("fallback fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := readCapped(resp.Body, c.cfg.maxDownloadBytes())
	if err != nil {
		return nil, fmt.Errorf("read fallback body: %w", err)
	}
	finalURL := pageURL.String()
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return &core.CrawlResult{
		HTMLContent: string(body),
		StatusCode:  resp.StatusCode,
		FinalURL:    finalURL,
	}, nil
}

// extracting derives metadata and the readable article from the rendered
// page. Extraction failures degrade to empty results rather than failing the
// crawl; a page with no scrapable metadata is still a valid bookmark.
func (c *Crawler) extracting(logger *zap.Logger, result *core.CrawlResult, finalURL *url.URL) (extract.Metadata, string) {
	meta, err := extract.ExtractMetadata(result.HTMLContent, finalURL)
	if err != nil {
		logger.Warn("metadata extraction failed", zap.Error(err))
	}
	readable, err := extract.ExtractReadable(result.HTMLContent, finalURL)
	if err != nil {
		logger.Warn("readability extraction failed", zap.Error(err))
		readable = ""
	}
	return meta, readable
}

// persisting stores the crawl artifacts and applies the whole outcome in one
// database transaction. Quota-denied optional assets are skipped; blobs
// written for a transaction that then fails are compensation-deleted; blobs
// replaced by the transaction are deleted only after it commits.
func (c *Crawler) persisting(
	ctx context.Context,
	logger *zap.Logger,
	bookmark *core.Bookmark,
	link core.LinkContent,
	result *core.CrawlResult,
	meta extract.Metadata,
	readable string,
) error {
	details := core.LinkDetails{
		Title:         meta.Title,
		Description:   meta.Description,
		Author:        meta.Author,
		Publisher:     meta.Publisher,
		DatePublished: meta.DatePublished,
		DateModified:  meta.DateModified,
		ImageURL:      meta.ImageURL,
		FaviconURL:    meta.FaviconURL,

		// A re-crawl replaces the page artifacts but keeps pointers owned
		// by other flows: the archive (managed by the Archiving stage) and
		// any precomputed content asset.
		ContentAssetID:    link.Details.ContentAssetID,
		FullPageArchiveID: link.Details.FullPageArchiveID,
	}

	var saved []core.Asset

	if len(result.Screenshot) > 0 {
		if asset, ok := c.saveOptional(ctx, logger, bookmark, core.AssetTypeScreenshot, "image/png", "screenshot.png", result.Screenshot); ok {
			saved = append(saved, asset)
			details.ScreenshotAssetID = asset.ID
		}
	}

	if meta.ImageURL != "" {
		if data, contentType, err := c.downloadImage(ctx, meta.ImageURL); err != nil {
			logger.Debug("banner image download failed", zap.String("url", meta.ImageURL), zap.Error(err))
		} else if asset, ok := c.saveOptional(ctx, logger, bookmark, core.AssetTypeBannerImage, contentType, fileNameFromRaw(meta.ImageURL), data); ok {
			saved = append(saved, asset)
			details.ImageAssetID = asset.ID
		}
	}

	var displaced []core.AssetType
	if assets.StoreInline(readable) {
		details.HTMLContent = readable
		// A prior crawl may have stored the body as an asset; displacing
		// the type here keeps at most one live html artifact.
		displaced = append(displaced, core.AssetTypeHTMLContent)
	} else if asset, ok := c.saveOptional(ctx, logger, bookmark, core.AssetTypeHTMLContent, "text/html", "content.html", []byte(readable)); ok {
		saved = append(saved, asset)
		details.HTMLContentAssetID = asset.ID
	}

	replaced, err := c.repo.PersistLinkCrawl(ctx, database.PersistLinkCrawlParams{
		BookmarkID:     bookmark.ID,
		UserID:         bookmark.UserID,
		Details:        details,
		NewAssets:      saved,
		DisplacedTypes: displaced,
		CrawledAt:      c.clock.Now(),
	})
	if err != nil {
		c.assets.CleanupAll(context.WithoutCancel(ctx), saved)
		return fmt.Errorf("persist crawl: %w", err)
	}

	// Old blobs of replaced asset types outlive the transaction on purpose:
	// deleting them before commit would lose data on rollback.
	for _, old := range replaced {
		if derr := c.assets.Delete(context.WithoutCancel(ctx), old.UserID, old.ID); derr != nil {
			logger.Warn("deleting replaced asset blob", zap.String("asset_id", old.ID), zap.Error(derr))
		}
	}
	logger.Info("crawl persisted",
		zap.Int("new_assets", len(saved)),
		zap.Int("replaced_assets", len(replaced)),
		zap.Int("status_code", result.StatusCode),
	)
	return nil
}

// saveOptional writes one of the crawl's optional artifacts. Quota denial is
// not a failure: the artifact is skipped and the crawl proceeds, since a user
// over quota should still get a usable bookmark. Any other error is also
// swallowed here because every artifact on this path is non-critical.
func (c *Crawler) saveOptional(
	ctx context.Context,
	logger *zap.Logger,
	bookmark *core.Bookmark,
	assetType core.AssetType,
	contentType, fileName string,
	data []byte,
) (core.Asset, bool) {
	approval, err := c.quota.Approve(ctx, bookmark.UserID, int64(len(data)))
	if err != nil {
		if errors.Is(err, assets.ErrQuotaExceeded) {
			logger.Warn("asset skipped: quota exceeded",
				zap.String("asset_type", string(assetType)),
				zap.Int("size", len(data)),
			)
		} else {
			logger.Error("quota approval failed", zap.String("asset_type", string(assetType)), zap.Error(err))
		}
		return core.Asset{}, false
	}
	asset, err := c.assets.Save(ctx, assets.SaveRequest{
		UserID:      bookmark.UserID,
		BookmarkID:  bookmark.ID,
		Type:        assetType,
		ContentType: contentType,
		FileName:    fileName,
		Data:        data,
		Approval:    approval,
	})
	if err != nil {
		logger.Error("asset write failed", zap.String("asset_type", string(assetType)), zap.Error(err))
		return core.Asset{}, false
	}
	return asset, true
}

// archiving captures the full page as a single self-contained document and
// swaps it in as the bookmark's archive asset. The stage never fails the job:
// it runs after persist and chaining precisely because it is the most
// failure-prone, least critical step.
func (c *Crawler) archiving(ctx context.Context, logger *zap.Logger, bookmark *core.Bookmark, pageURL *url.URL) {
	if c.engine == nil {
		return
	}
	data, err := c.engine.Archive(ctx, pageURL.String())
	if err != nil {
		logger.Warn("full-page archive failed", zap.Error(err))
		metrics.CrawlStage(stageArchiving, "failure")
		return
	}
	asset, ok := c.saveOptional(ctx, logger, bookmark, core.AssetTypeFullPageArchive, "multipart/related", "archive.mhtml", data)
	if !ok {
		metrics.CrawlStage(stageArchiving, "failure")
		return
	}
	replaced, err := c.repo.ReplaceAssetOfType(ctx, asset)
	if err != nil {
		logger.Warn("recording archive asset failed", zap.Error(err))
		if derr := c.assets.Delete(context.WithoutCancel(ctx), asset.UserID, asset.ID); derr != nil {
			logger.Error("cleanup after failed archive persist", zap.String("asset_id", asset.ID), zap.Error(derr))
		}
		metrics.CrawlStage(stageArchiving, "failure")
		return
	}
	if err := c.repo.SetArchiveAssetID(ctx, bookmark.ID, asset.ID); err != nil {
		logger.Warn("linking archive asset failed", zap.Error(err))
	}
	for _, old := range replaced {
		if derr := c.assets.Delete(context.WithoutCancel(ctx), old.UserID, old.ID); derr != nil {
			logger.Warn("deleting replaced archive blob", zap.String("asset_id", old.ID), zap.Error(derr))
		}
	}
	metrics.CrawlStage(stageArchiving, "success")
}

// download fetches a resource body with the configured size cap.
func (c *Crawler) download(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := c.fetcher.Do(ctx, fetch.Request{Method: http.MethodGet, URL: rawURL})
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download returned status %d", resp.StatusCode)
	}
	return readCapped(resp.Body, c.cfg.maxDownloadBytes())
}

// downloadImage fetches the banner image and reports its content type.
func (c *Crawler) downloadImage(ctx context.Context, rawURL string) ([]byte, string, error) {
	resp, err := c.fetcher.Do(ctx, fetch.Request{Method: http.MethodGet, URL: rawURL})
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("image fetch returned status %d", resp.StatusCode)
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "image/") {
		return nil, "", fmt.Errorf("unexpected banner content type %q", resp.Header.Get("Content-Type"))
	}
	data, err := readCapped(resp.Body, c.cfg.maxDownloadBytes())
	if err != nil {
		return nil, "", err
	}
	return data, mediaType, nil
}

// readCapped reads the whole body, failing when it exceeds limit bytes.
func readCapped(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("body exceeds %d byte limit", limit)
	}
	return data, nil
}

func checkAbort(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func fileNameFromURL(u *url.URL) string {
	name := path.Base(u.Path)
	if name == "/" || name == "." || name == "" {
		return "download"
	}
	return name
}

func fileNameFromRaw(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "image"
	}
	name := fileNameFromURL(u)
	if name == "download" {
		return "image"
	}
	return name
}
