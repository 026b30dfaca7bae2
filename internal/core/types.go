// Package core defines domain types shared across the crawl pipeline subsystems.
package core

import "time"

// CrawlStatus is the user-visible state of a bookmark's crawl.
type CrawlStatus string

// Crawl status values persisted on the bookmark row.
const (
	CrawlStatusPending CrawlStatus = "pending"
	CrawlStatusSuccess CrawlStatus = "success"
	CrawlStatusFailure CrawlStatus = "failure"
)

// Priority orders jobs within a queue. Higher values run first.
type Priority int

// Priorities exposed to clients. The API maps "low"/"normal" onto these.
const (
	PriorityLow    Priority = -10
	PriorityNormal Priority = 0
)

// AssetType classifies stored artifacts.
type AssetType string

// Asset types written by the pipeline.
const (
	AssetTypeScreenshot      AssetType = "screenshot"
	AssetTypeBannerImage     AssetType = "bannerImage"
	AssetTypeHTMLContent     AssetType = "htmlContent"
	AssetTypeFullPageArchive AssetType = "fullPageArchive"
	AssetTypeBookmarkAsset   AssetType = "bookmarkAsset"
)

// Asset is the metadata row for a stored blob. An asset whose BookmarkID is
// empty is dangling and eligible for garbage collection.
type Asset struct {
	ID          string
	UserID      string
	BookmarkID  string
	Type        AssetType
	ContentType string
	SizeBytes   int64
	FileName    string
	CreatedAt   time.Time
}

// Bookmark references the externally-owned bookmark entity. The pipeline only
// reads and writes the narrow subset of fields described by its contracts.
type Bookmark struct {
	ID        string
	UserID    string
	Content   BookmarkContent
	CrawlInfo CrawlInfo
}

// CrawlInfo captures the outcome of the most recent crawl.
type CrawlInfo struct {
	Status    CrawlStatus
	CrawledAt *time.Time
}

// LinkDetails are the crawl-derived fields updated on a link bookmark.
type LinkDetails struct {
	Title         string
	Description   string
	Author        string
	Publisher     string
	DatePublished *time.Time
	DateModified  *time.Time
	ImageURL      string
	FaviconURL    string

	// Exactly one of HTMLContent / HTMLContentAssetID is set after a crawl,
	// depending on the inline-storage threshold.
	HTMLContent        string
	HTMLContentAssetID string

	ScreenshotAssetID  string
	ImageAssetID       string
	FullPageArchiveID  string
	ContentAssetID     string
}

// CrawlResult is the transient output of the browser engine or the HTTP
// fallback. It is consumed once by content extraction and then discarded.
type CrawlResult struct {
	HTMLContent string
	Screenshot  []byte
	StatusCode  int
	FinalURL    string
}

// CrawlJob is the payload carried by the crawl queue.
type CrawlJob struct {
	BookmarkID      string `json:"bookmarkId"`
	ArchiveFullPage bool   `json:"archiveFullPage,omitempty"`
	RunInference    bool   `json:"runInference,omitempty"`
}

// BookmarkJob is the payload shared by the dependent queues (tagging,
// summarization, reindex, video download).
type BookmarkJob struct {
	BookmarkID string `json:"bookmarkId"`
}

// WebhookJob notifies external subscribers about a bookmark event.
type WebhookJob struct {
	BookmarkID string `json:"bookmarkId"`
	Operation  string `json:"operation"`
}

// RuleEvent is delivered to the rule engine queue when a crawl finishes.
type RuleEvent struct {
	BookmarkID string `json:"bookmarkId"`
	Trigger    string `json:"trigger"`
}
