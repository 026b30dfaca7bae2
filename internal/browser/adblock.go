package browser

// defaultBlockedURLPatterns are ad/tracker endpoints blocked in every crawl
// context. Configured patterns are appended to this baseline.
var defaultBlockedURLPatterns = []string{
	"*doubleclick.net/*",
	"*googlesyndication.com/*",
	"*googletagmanager.com/*",
	"*googletagservices.com/*",
	"*google-analytics.com/*",
	"*adsystem.amazon*",
	"*amazon-adsystem.com/*",
	"*adservice.google.*",
	"*scorecardresearch.com/*",
	"*outbrain.com/*",
	"*taboola.com/*",
	"*criteo.com/*",
	"*criteo.net/*",
	"*moatads.com/*",
	"*adnxs.com/*",
	"*hotjar.com/*",
	"*facebook.com/tr*",
	"*connect.facebook.net/*",
}

func blockedURLPatterns(extra []string) []string {
	patterns := make([]string, 0, len(defaultBlockedURLPatterns)+len(extra))
	patterns = append(patterns, defaultBlockedURLPatterns...)
	for _, pattern := range extra {
		if pattern != "" {
			patterns = append(patterns, pattern)
		}
	}
	return patterns
}
