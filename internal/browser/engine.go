package browser

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/linkhoard/linkhoard/internal/core"
)

const (
	defaultViewportWidth  = 1440
	defaultViewportHeight = 900
	networkIdleInterval   = 500 * time.Millisecond
)

// CrawlRequest describes one browser crawl.
type CrawlRequest struct {
	URL               string
	CaptureScreenshot bool
}

// Engine performs navigation, ad blocking, cookie injection, and screenshot
// capture against the managed browser session.
type Engine struct {
	cfg      Config
	sessions *SessionManager
	logger   *zap.Logger
}

// NewEngine constructs an Engine over the session manager.
func NewEngine(cfg Config, sessions *SessionManager, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, sessions: sessions, logger: logger}
}

// Crawl opens an isolated browsing context, navigates, and returns the
// rendered page. A screenshot failure is non-fatal: the result is returned
// without one.
func (e *Engine) Crawl(ctx context.Context, req CrawlRequest) (*core.CrawlResult, error) {
	jobCtx, cancel, err := e.sessions.JobContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	navCtx, navCancel := context.WithTimeout(jobCtx, e.cfg.navTimeout())
	defer navCancel()

	meta := newResponseMeta()
	tracker := newNetworkTracker()
	chromedp.ListenTarget(navCtx, func(ev any) {
		meta.captureEvent(ev)
		tracker.captureEvent(ev)
	})
	if e.cfg.BlockMedia {
		e.installMediaBlocking(navCtx)
	}

	var html, finalURL string
	actions := []chromedp.Action{
		e.contextSetupAction(),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if err := chromedp.Run(navCtx, actions...); err != nil {
		return nil, fmt.Errorf("browser navigate %s: %w", req.URL, err)
	}

	// Slow-loading pages must not stall the job: the idle wait is raced
	// against a fixed ceiling and the navigation deadline.
	tracker.waitIdle(navCtx, e.cfg.idleCeiling())

	if err := chromedp.Run(navCtx,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return nil, fmt.Errorf("extract rendered dom: %w", err)
	}

	result := &core.CrawlResult{
		HTMLContent: html,
	}
	result.StatusCode, result.FinalURL = meta.snapshotWithFallbacks(req.URL, finalURL)

	if req.CaptureScreenshot {
		if shot, shotErr := e.screenshot(jobCtx); shotErr != nil {
			e.logger.Warn("screenshot capture failed", zap.String("url", req.URL), zap.Error(shotErr))
		} else {
			result.Screenshot = shot
		}
	}
	return result, nil
}

// Archive captures the fully rendered page as a single self-contained MHTML
// document.
func (e *Engine) Archive(ctx context.Context, rawURL string) ([]byte, error) {
	jobCtx, cancel, err := e.sessions.JobContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	navCtx, navCancel := context.WithTimeout(jobCtx, e.cfg.navTimeout())
	defer navCancel()

	tracker := newNetworkTracker()
	chromedp.ListenTarget(navCtx, tracker.captureEvent)

	if err := chromedp.Run(navCtx,
		e.contextSetupAction(),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return nil, fmt.Errorf("browser navigate %s: %w", rawURL, err)
	}
	tracker.waitIdle(navCtx, e.cfg.idleCeiling())

	var archive string
	err = chromedp.Run(navCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		data, captureErr := page.CaptureSnapshot().WithFormat(page.CaptureSnapshotFormatMhtml).Do(ctx)
		if captureErr != nil {
			return captureErr
		}
		archive = data
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("capture page snapshot: %w", err)
	}
	return []byte(archive), nil
}

// contextSetupAction applies the fixed viewport, user agent, cookies, and
// ad-blocking rules to a fresh browsing context.
func (e *Engine) contextSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		width := e.cfg.ViewportWidth
		if width <= 0 {
			width = defaultViewportWidth
		}
		height := e.cfg.ViewportHeight
		if height <= 0 {
			height = defaultViewportHeight
		}
		if err := emulation.SetDeviceMetricsOverride(int64(width), int64(height), 1, false).Do(ctx); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
		if e.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(e.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if patterns := blockedURLPatterns(e.cfg.BlockedURLPatterns); len(patterns) > 0 {
			if err := network.SetBlockedURLs(patterns).Do(ctx); err != nil {
				return fmt.Errorf("install blocked url rules: %w", err)
			}
		}
		for _, cookie := range e.cfg.Cookies {
			setCookie := network.SetCookie(cookie.Name, cookie.Value).
				WithDomain(cookie.Domain).
				WithPath(cookie.Path)
			if err := setCookie.Do(ctx); err != nil {
				return fmt.Errorf("set cookie %s: %w", cookie.Name, err)
			}
		}
		if e.cfg.BlockMedia {
			if err := fetch.Enable().Do(ctx); err != nil {
				return fmt.Errorf("enable fetch domain: %w", err)
			}
		}
		return nil
	})
}

// installMediaBlocking fails audio/video resource requests and continues
// everything else.
func (e *Engine) installMediaBlocking(ctx context.Context) {
	chromedp.ListenTarget(ctx, func(ev any) {
		paused, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		go func() {
			c := chromedp.FromContext(ctx)
			if c == nil || c.Target == nil {
				return
			}
			execCtx := cdp.WithExecutor(ctx, c.Target)
			if paused.ResourceType == network.ResourceTypeMedia {
				_ = fetch.FailRequest(paused.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx)
				return
			}
			_ = fetch.ContinueRequest(paused.RequestID).Do(execCtx)
		}()
	})
}

func (e *Engine) screenshot(jobCtx context.Context) ([]byte, error) {
	shotCtx, cancel := context.WithTimeout(jobCtx, e.cfg.screenshotTimeout())
	defer cancel()

	var buf []byte
	if err := chromedp.Run(shotCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return buf, nil
}

// networkTracker approximates "network idle": zero in-flight requests with no
// activity for networkIdleInterval.
type networkTracker struct {
	mu           sync.Mutex
	inflight     int
	lastActivity time.Time
}

func newNetworkTracker() *networkTracker {
	return &networkTracker{lastActivity: time.Now()}
}

func (t *networkTracker) captureEvent(ev any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch ev.(type) {
	case *network.EventRequestWillBeSent:
		t.inflight++
	case *network.EventLoadingFinished, *network.EventLoadingFailed:
		if t.inflight > 0 {
			t.inflight--
		}
	default:
		return
	}
	t.lastActivity = time.Now()
}

func (t *networkTracker) idle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inflight == 0 && time.Since(t.lastActivity) >= networkIdleInterval
}

// waitIdle blocks until the network goes idle, the ceiling elapses, or the
// context ends - whichever happens first.
func (t *networkTracker) waitIdle(ctx context.Context, ceiling time.Duration) {
	deadline := time.NewTimer(ceiling)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-tick.C:
			if t.idle() {
				return
			}
		}
	}
}

// responseMeta records the main document response observed during navigation.
type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.url = resp.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()

	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}
