// Package browser drives a headless Chrome session for crawling, screenshots,
// and full-page archives via chromedp.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// ErrBrowserUnavailable is returned when no browser session can be obtained.
var ErrBrowserUnavailable = errors.New("browser session unavailable")

// Cookie is injected into every crawl context.
type Cookie struct {
	Name   string `mapstructure:"name"`
	Value  string `mapstructure:"value"`
	Domain string `mapstructure:"domain"`
	Path   string `mapstructure:"path"`
}

// Config controls the crawl engine and its browser session.
type Config struct {
	// Enabled gates the whole subsystem; when false the pipeline falls back
	// to plain HTTP fetching.
	Enabled bool `mapstructure:"enabled"`

	// Address is the CDP websocket of a long-lived browser to share across
	// jobs (e.g. ws://chrome:9222). Empty means a browser process is
	// launched on demand per job.
	Address string `mapstructure:"address"`

	// ProxyURL routes all traffic of launched browsers through the given
	// proxy. In shared-session mode the remote browser owns its egress and
	// must be configured with the proxy itself; this field is ignored.
	ProxyURL string `mapstructure:"proxy_url"`

	UserAgent      string `mapstructure:"user_agent"`
	ViewportWidth  int    `mapstructure:"viewport_width"`
	ViewportHeight int    `mapstructure:"viewport_height"`

	NavTimeoutSec        int `mapstructure:"nav_timeout_seconds"`
	IdleCeilingSec       int `mapstructure:"idle_ceiling_seconds"`
	ScreenshotTimeoutSec int `mapstructure:"screenshot_timeout_seconds"`
	ReconnectBackoffSec  int `mapstructure:"reconnect_backoff_seconds"`

	BlockMedia         bool     `mapstructure:"block_media"`
	BlockedURLPatterns []string `mapstructure:"blocked_url_patterns"`
	Cookies            []Cookie `mapstructure:"cookies"`
}

func (c Config) navTimeout() time.Duration        { return secondsOr(c.NavTimeoutSec, 30*time.Second) }
func (c Config) idleCeiling() time.Duration       { return secondsOr(c.IdleCeilingSec, 10*time.Second) }
func (c Config) screenshotTimeout() time.Duration { return secondsOr(c.ScreenshotTimeoutSec, 5*time.Second) }
func (c Config) reconnectBackoff() time.Duration  { return secondsOr(c.ReconnectBackoffSec, 5*time.Second) }

func secondsOr(secs int, fallback time.Duration) time.Duration {
	if secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

// SessionManager owns the shared browser session. Session (re)connection is
// asynchronous, so all lifecycle transitions happen under the mutex; many
// isolated contexts may still be opened concurrently against a live session.
type SessionManager struct {
	cfg    Config
	logger *zap.Logger

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	shutdown context.Context
	stop     context.CancelFunc
}

// NewSessionManager constructs a SessionManager. Call Start before use when a
// shared session address is configured.
func NewSessionManager(cfg Config, logger *zap.Logger) *SessionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	shutdown, stop := context.WithCancel(context.Background())
	return &SessionManager{
		cfg:      cfg,
		logger:   logger,
		shutdown: shutdown,
		stop:     stop,
	}
}

// Start connects to the shared browser and launches the reconnect watcher.
// It is a no-op in on-demand mode.
func (m *SessionManager) Start(ctx context.Context) error {
	if m.cfg.Address == "" {
		return nil
	}
	m.mu.Lock()
	err := m.connectLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}
	go m.watchLoop()
	_ = ctx
	return nil
}

// connectLocked dials the remote browser. Caller holds m.mu.
func (m *SessionManager) connectLocked() error {
	m.teardownLocked()

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(m.shutdown, m.cfg.Address)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("connect to browser at %s: %w", m.cfg.Address, err)
	}

	m.allocCancel = allocCancel
	m.browserCtx = browserCtx
	m.browserCancel = browserCancel
	m.logger.Info("connected to browser", zap.String("address", m.cfg.Address))
	return nil
}

func (m *SessionManager) teardownLocked() {
	if m.browserCancel != nil {
		m.browserCancel()
		m.browserCancel = nil
	}
	if m.allocCancel != nil {
		m.allocCancel()
		m.allocCancel = nil
	}
	m.browserCtx = nil
}

// watchLoop reconnects with a fixed backoff whenever the shared session dies,
// unless the process is shutting down.
func (m *SessionManager) watchLoop() {
	for {
		m.mu.Lock()
		browserCtx := m.browserCtx
		m.mu.Unlock()
		if browserCtx == nil {
			return
		}

		select {
		case <-m.shutdown.Done():
			return
		case <-browserCtx.Done():
		}

		for {
			select {
			case <-m.shutdown.Done():
				return
			case <-time.After(m.cfg.reconnectBackoff()):
			}
			m.mu.Lock()
			err := m.connectLocked()
			m.mu.Unlock()
			if err == nil {
				break
			}
			m.logger.Warn("browser reconnect failed", zap.Error(err))
		}
	}
}

// JobContext opens an isolated browsing context for one crawl job. The
// returned cancel must be called to release the context (and, in on-demand
// mode, the browser process).
func (m *SessionManager) JobContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if m.cfg.Address == "" {
		return m.onDemandContext(ctx)
	}

	m.mu.Lock()
	browserCtx := m.browserCtx
	if browserCtx == nil || browserCtx.Err() != nil {
		if err := m.connectLocked(); err != nil {
			m.mu.Unlock()
			return nil, nil, fmt.Errorf("%w: %v", ErrBrowserUnavailable, err)
		}
		browserCtx = m.browserCtx
	}
	m.mu.Unlock()

	jobCtx, jobCancel := chromedp.NewContext(browserCtx)
	// Abandon the context promptly when the job's abort signal fires.
	stop := context.AfterFunc(ctx, jobCancel)
	cancel := func() {
		stop()
		jobCancel()
	}
	return jobCtx, cancel, nil
}

func (m *SessionManager) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
	)
	if m.cfg.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(m.cfg.ProxyURL))
	}
	return opts
}

func (m *SessionManager) onDemandContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, m.allocatorOptions()...)
	jobCtx, jobCancel := chromedp.NewContext(allocCtx)
	cancel := func() {
		jobCancel()
		allocCancel()
	}
	return jobCtx, cancel, nil
}

// Close shuts the session down and stops the reconnect loop.
func (m *SessionManager) Close() {
	m.stop()
	m.mu.Lock()
	m.teardownLocked()
	m.mu.Unlock()
}
