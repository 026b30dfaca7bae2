// Package extract runs metadata scraping and readability passes over fetched
// HTML. Both passes are pure functions of their input and safe to run
// concurrently.
package extract

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"
)

// Metadata is the scraped page metadata. Empty fields mean no extractor in
// the chain produced a value.
type Metadata struct {
	Title         string
	Description   string
	Author        string
	Publisher     string
	DatePublished *time.Time
	DateModified  *time.Time
	ImageURL      string
	FaviconURL    string
}

// fieldExtractor returns a candidate value for one metadata field.
type fieldExtractor func(doc *goquery.Document) string

// ExtractMetadata runs the per-field extractor chains over the document and
// keeps the first non-empty result per field. Relative image and favicon URLs
// are resolved against pageURL.
func ExtractMetadata(html string, pageURL *url.URL) (Metadata, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Metadata{}, fmt.Errorf("parse html: %w", err)
	}

	meta := Metadata{
		Title: firstOf(doc,
			metaContent(`meta[property="og:title"]`),
			metaContent(`meta[name="twitter:title"]`),
			textOf("title"),
		),
		Description: firstOf(doc,
			metaContent(`meta[property="og:description"]`),
			metaContent(`meta[name="twitter:description"]`),
			metaContent(`meta[name="description"]`),
		),
		Author: firstOf(doc,
			metaContent(`meta[name="author"]`),
			metaContent(`meta[property="article:author"]`),
			textOf(`[rel="author"]`),
		),
		Publisher: firstOf(doc,
			metaContent(`meta[property="og:site_name"]`),
			metaContent(`meta[name="publisher"]`),
		),
		DatePublished: firstDate(doc,
			metaContent(`meta[property="article:published_time"]`),
			metaContent(`meta[name="date"]`),
			linkedDataField("datePublished"),
			attrOf("time[datetime]", "datetime"),
		),
		DateModified: firstDate(doc,
			metaContent(`meta[property="article:modified_time"]`),
			metaContent(`meta[property="og:updated_time"]`),
			linkedDataField("dateModified"),
		),
	}

	meta.ImageURL = resolveAgainst(pageURL, firstOf(doc,
		metaContent(`meta[property="og:image"]`),
		metaContent(`meta[name="twitter:image"]`),
		attrOf(`link[rel="image_src"]`, "href"),
	))
	meta.FaviconURL = resolveAgainst(pageURL, firstOf(doc,
		attrOf(`link[rel="icon"]`, "href"),
		attrOf(`link[rel="shortcut icon"]`, "href"),
		attrOf(`link[rel="apple-touch-icon"]`, "href"),
	))
	if meta.FaviconURL == "" && pageURL != nil {
		meta.FaviconURL = resolveAgainst(pageURL, "/favicon.ico")
	}
	return meta, nil
}

func firstOf(doc *goquery.Document, chain ...fieldExtractor) string {
	for _, extractor := range chain {
		if value := strings.TrimSpace(extractor(doc)); value != "" {
			return value
		}
	}
	return ""
}

func firstDate(doc *goquery.Document, chain ...fieldExtractor) *time.Time {
	raw := firstOf(doc, chain...)
	if raw == "" {
		return nil
	}
	parsed, err := dateparse.ParseAny(raw)
	if err != nil {
		return nil
	}
	parsed = parsed.UTC()
	return &parsed
}

// linkedDataField pulls one top-level string field out of the first JSON-LD
// block that carries it. Arrays and @graph wrappers are searched one level
// deep, which covers the common Article/NewsArticle shapes.
func linkedDataField(field string) fieldExtractor {
	return func(doc *goquery.Document) string {
		var value string
		doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			var raw any
			if err := json.Unmarshal([]byte(sel.Text()), &raw); err != nil {
				return true
			}
			value = linkedDataLookup(raw, field, 0)
			return value == ""
		})
		return value
	}
}

func linkedDataLookup(raw any, field string, depth int) string {
	if depth > 2 {
		return ""
	}
	switch node := raw.(type) {
	case map[string]any:
		if s, ok := node[field].(string); ok {
			return s
		}
		if graph, ok := node["@graph"]; ok {
			return linkedDataLookup(graph, field, depth+1)
		}
	case []any:
		for _, item := range node {
			if s := linkedDataLookup(item, field, depth+1); s != "" {
				return s
			}
		}
	}
	return ""
}

func metaContent(selector string) fieldExtractor {
	return func(doc *goquery.Document) string {
		value, _ := doc.Find(selector).First().Attr("content")
		return value
	}
}

func attrOf(selector, attr string) fieldExtractor {
	return func(doc *goquery.Document) string {
		value, _ := doc.Find(selector).First().Attr(attr)
		return value
	}
}

func textOf(selector string) fieldExtractor {
	return func(doc *goquery.Document) string {
		return doc.Find(selector).First().Text()
	}
}

func resolveAgainst(base *url.URL, ref string) string {
	if ref == "" {
		return ""
	}
	if base == nil {
		return ref
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return base.ResolveReference(parsed).String()
}
