package database_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkhoard/linkhoard/internal/core"
	"github.com/linkhoard/linkhoard/internal/database"
)

var bookmarkColumns = []string{
	"id", "user_id", "crawl_status", "crawled_at",
	"kind",
	"link_url", "title", "description", "author", "publisher",
	"date_published", "date_modified", "image_url", "favicon_url",
	"html_content", "html_content_asset_id",
	"screenshot_asset_id", "image_asset_id", "full_page_archive_asset_id",
	"content_asset_id",
	"text_content",
	"asset_id", "asset_type", "asset_content_type", "asset_file_name", "asset_source_url",
}

func newMockRepo(t *testing.T) (*database.Repository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	repo, err := database.NewWithPool(mock)
	require.NoError(t, err)
	return repo, mock
}

func strPtr(s string) *string { return &s }

func TestGetBookmark_LinkVariant(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM bookmarks b")).
		WithArgs("bm-1").
		WillReturnRows(pgxmock.NewRows(bookmarkColumns).AddRow(
			"bm-1", "user-1", "pending", nil,
			"link",
			strPtr("https://example.com/post"), strPtr("A Title"), nil, nil, nil,
			nil, nil, nil, nil,
			nil, nil,
			strPtr("shot-1"), nil, nil,
			nil,
			nil,
			nil, nil, nil, nil, nil,
		))

	bookmark, err := repo.GetBookmark(context.Background(), "bm-1")
	require.NoError(t, err)

	assert.Equal(t, "bm-1", bookmark.ID)
	assert.Equal(t, "user-1", bookmark.UserID)
	assert.Equal(t, core.CrawlStatusPending, bookmark.CrawlInfo.Status)

	link, ok := bookmark.Content.(core.LinkContent)
	require.True(t, ok, "content variant must be a link")
	assert.Equal(t, "https://example.com/post", link.URL)
	assert.Equal(t, "A Title", link.Details.Title)
	assert.Equal(t, "shot-1", link.Details.ScreenshotAssetID)
	assert.Empty(t, link.Details.Description, "NULL columns map to empty strings")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBookmark_TextVariant(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM bookmarks b")).
		WithArgs("bm-2").
		WillReturnRows(pgxmock.NewRows(bookmarkColumns).AddRow(
			"bm-2", "user-1", "success", nil,
			"text",
			nil, nil, nil, nil, nil,
			nil, nil, nil, nil,
			nil, nil,
			nil, nil, nil,
			nil,
			strPtr("a note"),
			nil, nil, nil, nil, nil,
		))

	bookmark, err := repo.GetBookmark(context.Background(), "bm-2")
	require.NoError(t, err)

	text, ok := bookmark.Content.(core.TextContent)
	require.True(t, ok)
	assert.Equal(t, "a note", text.Text)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBookmark_AssetVariant(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM bookmarks b")).
		WithArgs("bm-3").
		WillReturnRows(pgxmock.NewRows(bookmarkColumns).AddRow(
			"bm-3", "user-1", "success", nil,
			"asset",
			nil, nil, nil, nil, nil,
			nil, nil, nil, nil,
			nil, nil,
			nil, nil, nil,
			nil,
			nil,
			strPtr("asset-9"), strPtr("bookmarkAsset"), strPtr("application/pdf"), strPtr("paper.pdf"), strPtr("https://example.com/paper.pdf"),
		))

	bookmark, err := repo.GetBookmark(context.Background(), "bm-3")
	require.NoError(t, err)

	content, ok := bookmark.Content.(core.AssetContent)
	require.True(t, ok)
	assert.Equal(t, "asset-9", content.AssetID)
	assert.Equal(t, core.AssetTypeBookmarkAsset, content.AssetType)
	assert.Equal(t, "application/pdf", content.ContentType)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBookmark_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM bookmarks b")).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(bookmarkColumns))

	_, err := repo.GetBookmark(context.Background(), "missing")
	assert.ErrorIs(t, err, database.ErrBookmarkNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetCrawlStatus(t *testing.T) {
	repo, mock := newMockRepo(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE bookmarks SET crawl_status")).
		WithArgs("bm-1", "failure", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.SetCrawlStatus(context.Background(), "bm-1", core.CrawlStatusFailure, at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetCrawlStatus_MissingBookmark(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE bookmarks SET crawl_status")).
		WithArgs("missing", "success", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.SetCrawlStatus(context.Background(), "missing", core.CrawlStatusSuccess, time.Now())
	assert.ErrorIs(t, err, database.ErrBookmarkNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistLinkCrawl_SwapsAssetsInOneTx(t *testing.T) {
	repo, mock := newMockRepo(t)

	crawledAt := time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)
	newAsset := core.Asset{
		ID:          "asset-new",
		UserID:      "user-1",
		BookmarkID:  "bm-1",
		Type:        core.AssetTypeScreenshot,
		ContentType: "image/png",
		SizeBytes:   128,
		FileName:    "screenshot.png",
		CreatedAt:   crawledAt,
	}

	assetColumns := []string{"id", "user_id", "bookmark_id", "asset_type", "content_type", "size_bytes", "file_name", "created_at"}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM assets")).
		WithArgs("bm-1", []string{"screenshot"}).
		WillReturnRows(pgxmock.NewRows(assetColumns).AddRow(
			"asset-old", "user-1", "bm-1", "screenshot", "image/png", int64(64), "screenshot.png", crawledAt.Add(-time.Hour),
		))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM assets WHERE bookmark_id = $1 AND asset_type = ANY($2)")).
		WithArgs("bm-1", []string{"screenshot"}).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO assets")).
		WithArgs("asset-new", "user-1", "bm-1", "screenshot", "image/png", int64(128), "screenshot.png", crawledAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE bookmark_content SET")).
		WithArgs("bm-1",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE bookmarks SET crawl_status")).
		WithArgs("bm-1", "success", crawledAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectRollback() // deferred rollback after commit is a no-op

	replaced, err := repo.PersistLinkCrawl(context.Background(), database.PersistLinkCrawlParams{
		BookmarkID: "bm-1",
		UserID:     "user-1",
		Details:    core.LinkDetails{Title: "A Title", ScreenshotAssetID: "asset-new"},
		NewAssets:  []core.Asset{newAsset},
		CrawledAt:  crawledAt,
	})
	require.NoError(t, err)
	require.Len(t, replaced, 1)
	assert.Equal(t, "asset-old", replaced[0].ID, "replaced assets are returned for post-commit blob deletion")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistLinkCrawl_DisplacedTypeReapedWithoutReplacement(t *testing.T) {
	repo, mock := newMockRepo(t)

	crawledAt := time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)
	assetColumns := []string{"id", "user_id", "bookmark_id", "asset_type", "content_type", "size_bytes", "file_name", "created_at"}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM assets")).
		WithArgs("bm-1", []string{"htmlContent"}).
		WillReturnRows(pgxmock.NewRows(assetColumns).AddRow(
			"asset-html", "user-1", "bm-1", "htmlContent", "text/html", int64(80000), "content.html", crawledAt.Add(-time.Hour),
		))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM assets WHERE bookmark_id = $1 AND asset_type = ANY($2)")).
		WithArgs("bm-1", []string{"htmlContent"}).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE bookmark_content SET")).
		WithArgs("bm-1",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE bookmarks SET crawl_status")).
		WithArgs("bm-1", "success", crawledAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectRollback() // deferred rollback after commit is a no-op

	replaced, err := repo.PersistLinkCrawl(context.Background(), database.PersistLinkCrawlParams{
		BookmarkID:     "bm-1",
		UserID:         "user-1",
		Details:        core.LinkDetails{Title: "A Title", HTMLContent: "<p>short body stored inline</p>"},
		DisplacedTypes: []core.AssetType{core.AssetTypeHTMLContent},
		CrawledAt:      crawledAt,
	})
	require.NoError(t, err)
	require.Len(t, replaced, 1)
	assert.Equal(t, "asset-html", replaced[0].ID,
		"the asset-backed body row is removed even though this crawl wrote no replacement asset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistLinkCrawl_MissingLinkRowRollsBack(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE bookmark_content SET")).
		WithArgs("bm-1",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	_, err := repo.PersistLinkCrawl(context.Background(), database.PersistLinkCrawlParams{
		BookmarkID: "bm-1",
		UserID:     "user-1",
	})
	assert.ErrorIs(t, err, database.ErrBookmarkNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransformToAsset(t *testing.T) {
	repo, mock := newMockRepo(t)

	createdAt := time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)
	asset := core.Asset{
		ID:          "asset-1",
		UserID:      "user-1",
		BookmarkID:  "bm-1",
		Type:        core.AssetTypeBookmarkAsset,
		ContentType: "application/pdf",
		SizeBytes:   2048,
		FileName:    "paper.pdf",
		CreatedAt:   createdAt,
	}
	content := core.AssetContent{
		AssetID:     "asset-1",
		AssetType:   core.AssetTypeBookmarkAsset,
		ContentType: "application/pdf",
		FileName:    "paper.pdf",
		SourceURL:   "https://example.com/paper.pdf",
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM bookmark_content WHERE bookmark_id = $1")).
		WithArgs("bm-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO bookmark_content")).
		WithArgs("bm-1", "asset-1", "bookmarkAsset", "application/pdf", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO assets")).
		WithArgs("asset-1", "user-1", "bm-1", "bookmarkAsset", "application/pdf", int64(2048), "paper.pdf", createdAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE bookmarks SET crawl_status")).
		WithArgs("bm-1", "success", createdAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	require.NoError(t, repo.TransformToAsset(context.Background(), "bm-1", content, asset))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceAssetOfType(t *testing.T) {
	repo, mock := newMockRepo(t)

	createdAt := time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)
	asset := core.Asset{
		ID:          "arc-new",
		UserID:      "user-1",
		BookmarkID:  "bm-1",
		Type:        core.AssetTypeFullPageArchive,
		ContentType: "multipart/related",
		SizeBytes:   4096,
		FileName:    "archive.mhtml",
		CreatedAt:   createdAt,
	}
	assetColumns := []string{"id", "user_id", "bookmark_id", "asset_type", "content_type", "size_bytes", "file_name", "created_at"}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM assets")).
		WithArgs("bm-1", []string{"fullPageArchive"}).
		WillReturnRows(pgxmock.NewRows(assetColumns))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM assets WHERE bookmark_id = $1 AND asset_type = $2")).
		WithArgs("bm-1", "fullPageArchive").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO assets")).
		WithArgs("arc-new", "user-1", "bm-1", "fullPageArchive", "multipart/related", int64(4096), "archive.mhtml", createdAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	replaced, err := repo.ReplaceAssetOfType(context.Background(), asset)
	require.NoError(t, err)
	assert.Empty(t, replaced)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUserStorageUsage(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(SUM(size_bytes), 0) FROM assets")).
		WithArgs("user-1").
		WillReturnRows(pgxmock.NewRows([]string{"sum"}).AddRow(int64(12345)))

	used, err := repo.UserStorageUsage(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(12345), used)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPing(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1")).
		WillReturnRows(pgxmock.NewRows([]string{"one"}).AddRow(1))

	require.NoError(t, repo.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
