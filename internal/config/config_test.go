package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkhoard/linkhoard/internal/config"
)

func TestLoad_DefaultsWithEnvDSN(t *testing.T) {
	t.Setenv("LINKHOARD_DB_DSN", "postgres://linkhoard@localhost:5432/linkhoard")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Queues.Crawl.Concurrency)
	assert.Equal(t, 120, cfg.Queues.Crawl.TimeoutSeconds)
	assert.Equal(t, 2, cfg.Queues.Crawl.Retries)
	assert.Equal(t, 1000, cfg.Safety.DNSCacheCapacity)
	assert.Equal(t, "linkhoard-bot/1.0", cfg.HTTP.UserAgent)
	assert.True(t, cfg.Browser.Enabled)
	assert.True(t, cfg.Browser.BlockMedia)
	assert.EqualValues(t, 32<<20, cfg.Pipeline.MaxDownloadBytes)
	assert.Equal(t, "local", cfg.Storage.Backend)
	assert.Equal(t, "postgres://linkhoard@localhost:5432/linkhoard", cfg.DB.DSN)
}

func TestLoad_EnvOverridesDefault(t *testing.T) {
	t.Setenv("LINKHOARD_DB_DSN", "postgres://localhost/test")
	t.Setenv("LINKHOARD_SERVER_PORT", "9090")
	t.Setenv("LINKHOARD_HTTP_USER_AGENT", "custom-agent/2.0")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "custom-agent/2.0", cfg.HTTP.UserAgent)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 7070
db:
  dsn: postgres://localhost/linkhoard
storage:
  backend: gcs
  gcs:
    bucket: linkhoard-assets
queues:
  crawl:
    concurrency: 8
safety:
  internal_allowlist:
    - wiki.corp.internal
    - "*.docs.corp.internal"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Queues.Crawl.Concurrency)
	assert.Equal(t, "gcs", cfg.Storage.Backend)
	assert.Equal(t, "linkhoard-assets", cfg.Storage.GCS.Bucket)
	assert.Equal(t, []string{"wiki.corp.internal", "*.docs.corp.internal"}, cfg.Safety.InternalAllowlist)
	assert.Equal(t, 2, cfg.Queues.Crawl.Retries, "unset keys keep their defaults")
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_MissingDSNFails(t *testing.T) {
	_, err := config.Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db.dsn")
}

func TestValidate(t *testing.T) {
	base := func() config.Config {
		cfg := config.Config{}
		cfg.Server.Port = 8080
		cfg.Queues.Crawl.Concurrency = 4
		cfg.HTTP.TimeoutSeconds = 30
		cfg.DB.DSN = "postgres://localhost/x"
		cfg.Storage.Backend = "local"
		cfg.Storage.Local.BaseDir = "/tmp/assets"
		return cfg
	}

	require.NoError(t, base().Validate())

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"zero port", func(c *config.Config) { c.Server.Port = 0 }, "server.port"},
		{"zero concurrency", func(c *config.Config) { c.Queues.Crawl.Concurrency = 0 }, "concurrency"},
		{"zero http timeout", func(c *config.Config) { c.HTTP.TimeoutSeconds = 0 }, "timeout"},
		{"unknown backend", func(c *config.Config) { c.Storage.Backend = "s3" }, "storage.backend"},
		{"gcs without bucket", func(c *config.Config) { c.Storage.Backend = "gcs" }, "bucket"},
		{"local without base dir", func(c *config.Config) { c.Storage.Local.BaseDir = "" }, "base_dir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
