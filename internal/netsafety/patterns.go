// Package netsafety validates outbound request targets against server-side
// request forgery. It classifies IP address ranges, resolves hostnames through
// a bounded DNS cache, and honors an explicit internal-hostname allowlist.
package netsafety

import "strings"

// HostPatterns stores exact hosts and suffix wildcards derived from
// configuration. Patterns may be exact ("intranet.corp"), dot-prefixed
// (".corp") or wildcard ("*.corp"); the latter two match the bare suffix and
// any subdomain of it.
type HostPatterns struct {
	exact    map[string]struct{}
	suffixes []string
}

// NewHostPatterns parses a pattern list into a matcher. Returns nil when no
// usable pattern is present; a nil matcher matches nothing.
func NewHostPatterns(patterns []string) *HostPatterns {
	matcher := &HostPatterns{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			suffix := strings.TrimPrefix(value, "*.")
			if suffix != "" {
				matcher.addSuffix(suffix)
			}
		case strings.HasPrefix(value, "."):
			suffix := strings.TrimPrefix(value, ".")
			if suffix != "" {
				matcher.addSuffix(suffix)
			}
		default:
			matcher.exact[value] = struct{}{}
		}
	}
	if len(matcher.exact) == 0 && len(matcher.suffixes) == 0 {
		return nil
	}
	return matcher
}

func (p *HostPatterns) addSuffix(suffix string) {
	for _, existing := range p.suffixes {
		if existing == suffix {
			return
		}
	}
	p.suffixes = append(p.suffixes, suffix)
}

// Matches reports whether host matches any configured pattern.
func (p *HostPatterns) Matches(host string) bool {
	if p == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, exact := p.exact[host]; exact {
		return true
	}
	for _, suffix := range p.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
