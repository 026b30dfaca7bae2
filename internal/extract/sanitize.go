package extract

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// unsafeSelectors name elements removed entirely from stored content.
var unsafeSelectors = []string{
	"script",
	"style",
	"iframe",
	"frame",
	"object",
	"embed",
	"form",
	"noscript",
}

// SanitizeHTML strips active content from an HTML fragment before storage:
// script-bearing elements, on* event handler attributes, and javascript: URLs.
func SanitizeHTML(fragment string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return "", fmt.Errorf("parse fragment: %w", err)
	}

	for _, selector := range unsafeSelectors {
		doc.Find(selector).Remove()
	}

	doc.Find("*").Each(func(_ int, sel *goquery.Selection) {
		for _, node := range sel.Nodes {
			kept := node.Attr[:0]
			for _, attr := range node.Attr {
				name := strings.ToLower(attr.Key)
				if strings.HasPrefix(name, "on") {
					continue
				}
				if (name == "href" || name == "src" || name == "action") &&
					strings.HasPrefix(strings.ToLower(strings.TrimSpace(attr.Val)), "javascript:") {
					continue
				}
				kept = append(kept, attr)
			}
			node.Attr = kept
		}
	})

	sanitized, err := doc.Find("body").Html()
	if err != nil {
		return "", fmt.Errorf("serialize fragment: %w", err)
	}
	return strings.TrimSpace(sanitized), nil
}
