package extract_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkhoard/linkhoard/internal/extract"
)

func articlePage() string {
	var b strings.Builder
	b.WriteString(`<html><head><title>The Article</title></head><body>`)
	b.WriteString(`<nav><a href="/">home</a><a href="/about">about</a></nav>`)
	b.WriteString(`<article><h1>The Article</h1>`)
	for i := 0; i < 12; i++ {
		fmt.Fprintf(&b, `<p>Paragraph %d of the main article body, long enough for the
			readability scorer to treat it as genuine content rather than chrome
			or boilerplate navigation text around the page edges.</p>`, i)
	}
	b.WriteString(`<script>trackPageView()</script>`)
	b.WriteString(`</article><footer>copyright</footer></body></html>`)
	return b.String()
}

func TestExtractReadable_ExtractsArticleBody(t *testing.T) {
	out, err := extract.ExtractReadable(articlePage(), pageURL(t))
	require.NoError(t, err)

	assert.Contains(t, out, "Paragraph 3 of the main article body")
	assert.NotContains(t, out, "<script", "sanitization runs on the extracted content")
}

func TestExtractReadable_EmptyInput(t *testing.T) {
	out, err := extract.ExtractReadable("   ", pageURL(t))
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestExtractReadable_NoReadableContent(t *testing.T) {
	out, err := extract.ExtractReadable("<html><body></body></html>", pageURL(t))
	require.NoError(t, err)
	assert.Empty(t, out, "a contentless page yields empty output, not an error")
}
