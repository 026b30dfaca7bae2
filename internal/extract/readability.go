package extract

import (
	"fmt"
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"
)

// ExtractReadable extracts the main article content from documentHTML and
// sanitizes it for storage. Returns an empty string when the page yields no
// readable content.
func ExtractReadable(documentHTML string, pageURL *url.URL) (string, error) {
	documentHTML = strings.TrimSpace(documentHTML)
	if documentHTML == "" {
		return "", nil
	}

	article, err := readability.FromReader(strings.NewReader(documentHTML), pageURL)
	if err != nil {
		return "", fmt.Errorf("readability pass: %w", err)
	}

	content := strings.TrimSpace(article.Content)
	if content == "" {
		return "", nil
	}
	sanitized, err := SanitizeHTML(content)
	if err != nil {
		return "", fmt.Errorf("sanitize readable content: %w", err)
	}
	return sanitized, nil
}
