package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/linkhoard/linkhoard/internal/api"
	"github.com/linkhoard/linkhoard/internal/assets"
	"github.com/linkhoard/linkhoard/internal/browser"
	"github.com/linkhoard/linkhoard/internal/clock/system"
	"github.com/linkhoard/linkhoard/internal/config"
	"github.com/linkhoard/linkhoard/internal/core"
	"github.com/linkhoard/linkhoard/internal/database"
	"github.com/linkhoard/linkhoard/internal/fetch"
	"github.com/linkhoard/linkhoard/internal/id/uuid"
	"github.com/linkhoard/linkhoard/internal/logging"
	"github.com/linkhoard/linkhoard/internal/netsafety"
	"github.com/linkhoard/linkhoard/internal/pipeline"
	"github.com/linkhoard/linkhoard/internal/queue"
	"github.com/linkhoard/linkhoard/internal/queue/memory"
	"github.com/linkhoard/linkhoard/internal/storage/gcs"
	"github.com/linkhoard/linkhoard/internal/storage/local"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the crawl workers and the HTTP ingress",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	clock := system.New()
	idGen := uuid.NewGenerator()

	repo, err := database.New(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer repo.Close()

	blobs, closeBlobs, err := buildBlobStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeBlobs()

	validator := netsafety.NewValidator(netsafety.Config{
		InternalAllowlist: cfg.Safety.InternalAllowlist,
		DNSCacheCapacity:  cfg.Safety.DNSCacheCapacity,
		DNSCacheTTL:       time.Duration(cfg.Safety.DNSCacheTTLSeconds) * time.Second,
	}, nil, clock, logger)

	fetcher, err := fetch.NewClient(fetch.Config{
		UserAgent: cfg.HTTP.UserAgent,
		Timeout:   time.Duration(cfg.HTTP.TimeoutSeconds) * time.Second,
		Proxy:     cfg.Proxy,
	}, validator, logger)
	if err != nil {
		return fmt.Errorf("init fetch client: %w", err)
	}

	var engine pipeline.BrowserEngine
	if cfg.Browser.Enabled {
		if cfg.Browser.ProxyURL == "" {
			cfg.Browser.ProxyURL = cfg.Proxy.BrowserProxy()
		}
		sessions := browser.NewSessionManager(cfg.Browser, logger)
		if err := sessions.Start(ctx); err != nil {
			// A dead browser at boot is not fatal; the session manager
			// reconnects and the pipeline falls back to plain fetches.
			logger.Warn("browser session unavailable at startup", zap.Error(err))
		}
		defer sessions.Close()
		engine = browser.NewEngine(cfg.Browser, sessions, logger)
	}

	assetStore := assets.NewStore(blobs, idGen, clock, logger)
	quota := assets.NewLimitLedger(cfg.Quota.UserLimitBytes, repo)

	crawlQueue := memory.New[core.CrawlJob]("crawl", cfg.Queues.Crawl.Capacity, idGen)
	defer crawlQueue.Close()
	dependents, closeDependents := buildDependentQueues(cfg.Queues.Dependent, idGen)
	defer closeDependents()

	crawler, err := pipeline.NewCrawler(
		cfg.Pipeline,
		repo,
		validator,
		fetcher,
		engine,
		assetStore,
		quota,
		pipeline.StaticPrefs(true),
		dependents,
		clock,
		logger,
	)
	if err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}

	runner, err := queue.NewRunner(crawlQueue, crawler.Handlers(), queue.Options{
		Concurrency: cfg.Queues.Crawl.Concurrency,
		Timeout:     time.Duration(cfg.Queues.Crawl.TimeoutSeconds) * time.Second,
	}, logger)
	if err != nil {
		return fmt.Errorf("init crawl runner: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runner.Run(ctx)
	}()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewServer(crawlQueue, cfg.Queues.Crawl.Retries, repo.Ping, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		stop()
		wg.Wait()
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	wg.Wait()
	logger.Info("workers drained, exiting")
	return nil
}

func buildBlobStore(ctx context.Context, cfg config.StorageConfig) (core.BlobStore, func(), error) {
	switch cfg.Backend {
	case "gcs":
		store, err := gcs.New(ctx, cfg.GCS)
		if err != nil {
			return nil, nil, fmt.Errorf("init gcs blob store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	case "local":
		store, err := local.New(cfg.Local)
		if err != nil {
			return nil, nil, fmt.Errorf("init local blob store: %w", err)
		}
		return store, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// buildDependentQueues creates the buffers the Chaining stage feeds. Their
// consumers (taggers, summarizers, the search indexer, webhook and rule
// workers, the video downloader) attach from outside this service.
func buildDependentQueues(cfg config.QueueConfig, idGen core.IDGenerator) (pipeline.Queues, func()) {
	tagging := memory.New[core.BookmarkJob]("tagging", cfg.Capacity, idGen)
	summarization := memory.New[core.BookmarkJob]("summarization", cfg.Capacity, idGen)
	reindex := memory.New[core.BookmarkJob]("search_reindex", cfg.Capacity, idGen)
	video := memory.New[core.BookmarkJob]("video_download", cfg.Capacity, idGen)
	webhook := memory.New[core.WebhookJob]("webhook", cfg.Capacity, idGen)
	rules := memory.New[core.RuleEvent]("rule_engine", cfg.Capacity, idGen)

	queues := pipeline.Queues{
		Tagging:       tagging,
		Summarization: summarization,
		SearchReindex: reindex,
		VideoDownload: video,
		Webhook:       webhook,
		RuleEngine:    rules,
	}
	closeAll := func() {
		tagging.Close()
		summarization.Close()
		reindex.Close()
		video.Close()
		webhook.Close()
		rules.Close()
	}
	return queues, closeAll
}
