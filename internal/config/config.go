// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/linkhoard/linkhoard/internal/browser"
	"github.com/linkhoard/linkhoard/internal/database"
	"github.com/linkhoard/linkhoard/internal/fetch"
	"github.com/linkhoard/linkhoard/internal/pipeline"
	"github.com/linkhoard/linkhoard/internal/storage/gcs"
	"github.com/linkhoard/linkhoard/internal/storage/local"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig      `mapstructure:"server"`
	Logging  LoggingConfig     `mapstructure:"logging"`
	Queues   QueuesConfig      `mapstructure:"queues"`
	Safety   SafetyConfig      `mapstructure:"safety"`
	HTTP     HTTPConfig        `mapstructure:"http"`
	Proxy    fetch.ProxyConfig `mapstructure:"proxy"`
	Browser  browser.Config    `mapstructure:"browser"`
	Pipeline pipeline.Config   `mapstructure:"pipeline"`
	Storage  StorageConfig     `mapstructure:"storage"`
	Quota    QuotaConfig       `mapstructure:"quota"`
	DB       database.Config   `mapstructure:"db"`
}

// ServerConfig controls the HTTP ingress server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// QueueConfig tunes one queue's runner.
type QueueConfig struct {
	Capacity       int `mapstructure:"capacity"`
	Concurrency    int `mapstructure:"concurrency"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	Retries        int `mapstructure:"retries"`
}

// QueuesConfig holds per-queue runner settings. Only the crawl queue runs a
// handler in this service; the dependent queues are buffers drained by their
// own consumers.
type QueuesConfig struct {
	Crawl     QueueConfig `mapstructure:"crawl"`
	Dependent QueueConfig `mapstructure:"dependent"`
}

// SafetyConfig tunes the URL safety validator.
type SafetyConfig struct {
	// InternalAllowlist exempts trusted internal hostnames from the
	// address-range checks. Patterns: exact, ".suffix", "*.suffix".
	InternalAllowlist []string `mapstructure:"internal_allowlist"`

	DNSCacheCapacity   int `mapstructure:"dns_cache_capacity"`
	DNSCacheTTLSeconds int `mapstructure:"dns_cache_ttl_seconds"`
}

// HTTPConfig tunes the proxy-aware fetch client.
type HTTPConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// StorageConfig selects and configures the blob store backend.
type StorageConfig struct {
	// Backend is "gcs" or "local".
	Backend string       `mapstructure:"backend"`
	GCS     gcs.Config   `mapstructure:"gcs"`
	Local   local.Config `mapstructure:"local"`
}

// QuotaConfig bounds per-user asset storage. A non-positive limit disables
// enforcement.
type QuotaConfig struct {
	UserLimitBytes int64 `mapstructure:"user_limit_bytes"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LINKHOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", false)
	v.SetDefault("queues.crawl.capacity", 256)
	v.SetDefault("queues.crawl.concurrency", 4)
	v.SetDefault("queues.crawl.timeout_seconds", 120)
	v.SetDefault("queues.crawl.retries", 2)
	v.SetDefault("queues.dependent.capacity", 1024)
	v.SetDefault("queues.dependent.concurrency", 2)
	v.SetDefault("queues.dependent.timeout_seconds", 60)
	v.SetDefault("queues.dependent.retries", 2)
	v.SetDefault("safety.dns_cache_capacity", 1000)
	v.SetDefault("safety.dns_cache_ttl_seconds", 300)
	v.SetDefault("http.user_agent", "linkhoard-bot/1.0")
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.proxy_url", "")
	v.SetDefault("browser.nav_timeout_seconds", 30)
	v.SetDefault("browser.idle_ceiling_seconds", 10)
	v.SetDefault("browser.screenshot_timeout_seconds", 5)
	v.SetDefault("browser.reconnect_backoff_seconds", 5)
	v.SetDefault("browser.block_media", true)
	v.SetDefault("pipeline.max_download_bytes", 32<<20)
	v.SetDefault("pipeline.chained_job_retries", 2)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local.base_dir", "/var/lib/linkhoard/assets")
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("quota.user_limit_bytes", 0)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)

	// Registering the key makes AutomaticEnv pick it up during Unmarshal.
	v.SetDefault("db.dsn", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Queues.Crawl.Concurrency <= 0 {
		return fmt.Errorf("queues.crawl.concurrency must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required")
	}
	switch c.Storage.Backend {
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required for the gcs backend")
		}
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir is required for the local backend")
		}
	default:
		return fmt.Errorf("storage.backend must be gcs or local, got %q", c.Storage.Backend)
	}
	return nil
}
