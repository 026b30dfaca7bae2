package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/linkhoard/linkhoard/internal/netsafety"
)

// ErrTooManyRedirects is returned when the redirect budget reaches zero.
var ErrTooManyRedirects = errors.New("too many redirects")

const (
	defaultMaxRedirects   = 10
	defaultRequestTimeout = 30 * time.Second
	maxDrainBytes         = 1 << 20
)

// Request describes a single logical fetch, possibly spanning redirects.
// Body is a byte slice so it can be replayed on 307/308 redirects.
type Request struct {
	Method       string
	URL          string
	Header       http.Header
	Body         []byte
	MaxRedirects int
}

// Config tunes the client.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	Proxy     ProxyConfig
}

// Client issues HTTP requests with non-automatic redirect handling. Every hop
// is validated against the SSRF rules, including redirect targets, because a
// redirect can retarget the request at a disallowed host.
type Client struct {
	validator *netsafety.Validator
	proxies   *proxySelector
	http      *http.Client
	userAgent string
	logger    *zap.Logger
}

// NewClient builds a Client around the validator and proxy configuration.
func NewClient(cfg Config, validator *netsafety.Validator, logger *zap.Logger) (*Client, error) {
	if validator == nil {
		return nil, errors.New("validator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	selector, err := newProxySelector(cfg.Proxy)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	transport := &http.Transport{
		Proxy: func(req *http.Request) (*url.URL, error) {
			return selector.ProxyFor(req.URL), nil
		},
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ForceAttemptHTTP2:     true,
	}
	return &Client{
		validator: validator,
		proxies:   selector,
		http: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			// Redirects are followed manually so each hop can be validated.
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		userAgent: cfg.UserAgent,
		logger:    logger,
	}, nil
}

// Do performs the request, manually following redirects. It returns the first
// non-redirect response, or the final response when a redirect carries no
// Location header. The caller owns the response body.
func (c *Client) Do(ctx context.Context, req Request) (*http.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	budget := req.MaxRedirects
	if budget <= 0 {
		budget = defaultMaxRedirects
	}

	currentURL := req.URL
	body := req.Body
	header := cloneHeader(req.Header)

	for {
		proxied := c.proxies.ProxyFor(mustParse(currentURL)) != nil
		target, err := c.validator.Validate(ctx, currentURL, proxied)
		if err != nil {
			return nil, fmt.Errorf("validate %s: %w", currentURL, err)
		}

		resp, err := c.issue(ctx, method, target, header, body)
		if err != nil {
			return nil, err
		}

		if !isRedirect(resp.StatusCode) {
			return resp, nil
		}
		location := resp.Header.Get("Location")
		if location == "" {
			return resp, nil
		}
		drainAndClose(resp.Body)

		next, err := target.Parse(location)
		if err != nil {
			return nil, fmt.Errorf("resolve redirect location %q: %w", location, err)
		}

		// A 303, or a 301/302 on a non-GET/HEAD method, downgrades the next
		// request to GET with no body (RFC 9110 §15.4).
		if downgradesToGet(resp.StatusCode, method) {
			method = http.MethodGet
			body = nil
			header.Del("Content-Length")
			header.Del("Content-Type")
		}

		budget--
		if budget < 0 {
			return nil, fmt.Errorf("%w: %s", ErrTooManyRedirects, req.URL)
		}
		c.logger.Debug("following redirect",
			zap.Int("status", resp.StatusCode),
			zap.String("from", currentURL),
			zap.String("to", next.String()),
		)
		currentURL = next.String()
	}
}

// Get is a convenience wrapper for simple GET fetches.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, URL: rawURL})
}

func (c *Client) issue(ctx context.Context, method string, target *url.URL, header http.Header, body []byte) (*http.Response, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for key, values := range header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	if c.userAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	if len(body) > 0 {
		httpReq.ContentLength = int64(len(body))
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	return resp, nil
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, // 301
		http.StatusFound,             // 302
		http.StatusSeeOther,          // 303
		http.StatusTemporaryRedirect, // 307
		http.StatusPermanentRedirect: // 308
		return true
	}
	return false
}

func downgradesToGet(status int, method string) bool {
	if status == http.StatusSeeOther {
		return true
	}
	if status == http.StatusMovedPermanently || status == http.StatusFound {
		return method != http.MethodGet && method != http.MethodHead
	}
	return false
}

func cloneHeader(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, values := range src {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
	return dst
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxDrainBytes))
	_ = body.Close()
}

func mustParse(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}
