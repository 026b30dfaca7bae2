package core

// BookmarkContent is the discriminated content variant of a bookmark. A
// bookmark has exactly one content value at any time; a LinkContent may be
// transformed into an AssetContent when the fetched resource turns out to be
// a PDF or image rather than a webpage.
type BookmarkContent interface {
	isBookmarkContent()
	Kind() ContentKind
}

// ContentKind is the persisted discriminator for BookmarkContent.
type ContentKind string

// Content kinds stored on the bookmark row.
const (
	ContentKindLink  ContentKind = "link"
	ContentKindText  ContentKind = "text"
	ContentKindAsset ContentKind = "asset"
)

// LinkContent is a bookmarked URL plus its crawl-derived details.
type LinkContent struct {
	URL     string
	Details LinkDetails
}

// TextContent is a free-form note bookmark.
type TextContent struct {
	Text string
}

// AssetContent is a bookmark whose content is a stored binary (PDF, image).
type AssetContent struct {
	AssetID     string
	AssetType   AssetType
	ContentType string
	FileName    string
	SourceURL   string
}

func (LinkContent) isBookmarkContent()  {}
func (TextContent) isBookmarkContent()  {}
func (AssetContent) isBookmarkContent() {}

// Kind returns ContentKindLink.
func (LinkContent) Kind() ContentKind { return ContentKindLink }

// Kind returns ContentKindText.
func (TextContent) Kind() ContentKind { return ContentKindText }

// Kind returns ContentKindAsset.
func (AssetContent) Kind() ContentKind { return ContentKindAsset }
