// Package fetch performs outbound HTTP requests with manual redirect handling,
// per-hop SSRF validation, and forward-proxy selection.
package fetch

import (
	"fmt"
	"math/rand/v2"
	"net/url"
	"sync"

	"github.com/linkhoard/linkhoard/internal/netsafety"
)

// ProxyConfig carries the environment-level proxy settings. Multiple proxies
// per scheme are chosen at random per request; NoProxy patterns bypass
// proxying for matching hosts.
type ProxyConfig struct {
	HTTPProxies  []string `mapstructure:"http_proxies"`
	HTTPSProxies []string `mapstructure:"https_proxies"`
	NoProxy      []string `mapstructure:"no_proxy"`
}

// BrowserProxy picks the proxy a launched browser routes through. A browser
// takes a single egress proxy, so the first HTTPS proxy wins, then the first
// HTTP proxy.
func (c ProxyConfig) BrowserProxy() string {
	if len(c.HTTPSProxies) > 0 {
		return c.HTTPSProxies[0]
	}
	if len(c.HTTPProxies) > 0 {
		return c.HTTPProxies[0]
	}
	return ""
}

// proxySelector picks a proxy URL by outbound scheme, honoring the no-proxy
// host-pattern bypass list.
type proxySelector struct {
	httpProxies  []*url.URL
	httpsProxies []*url.URL
	noProxy      *netsafety.HostPatterns

	mu  sync.Mutex
	rng *rand.Rand
}

func newProxySelector(cfg ProxyConfig) (*proxySelector, error) {
	parse := func(raw []string) ([]*url.URL, error) {
		out := make([]*url.URL, 0, len(raw))
		for _, entry := range raw {
			u, err := url.Parse(entry)
			if err != nil {
				return nil, fmt.Errorf("parse proxy url %q: %w", entry, err)
			}
			if u.Scheme == "" || u.Host == "" {
				return nil, fmt.Errorf("proxy url %q must be absolute", entry)
			}
			out = append(out, u)
		}
		return out, nil
	}

	httpProxies, err := parse(cfg.HTTPProxies)
	if err != nil {
		return nil, err
	}
	httpsProxies, err := parse(cfg.HTTPSProxies)
	if err != nil {
		return nil, err
	}
	return &proxySelector{
		httpProxies:  httpProxies,
		httpsProxies: httpsProxies,
		noProxy:      netsafety.NewHostPatterns(cfg.NoProxy),
		rng:          rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}, nil
}

// ProxyFor returns the proxy to use for target, or nil for a direct request.
func (s *proxySelector) ProxyFor(target *url.URL) *url.URL {
	if s == nil || target == nil {
		return nil
	}
	if s.noProxy.Matches(target.Hostname()) {
		return nil
	}
	var candidates []*url.URL
	switch target.Scheme {
	case "http":
		candidates = s.httpProxies
	case "https":
		candidates = s.httpsProxies
	}
	switch len(candidates) {
	case 0:
		return nil
	case 1:
		return candidates[0]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return candidates[s.rng.IntN(len(candidates))]
}
