package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 30*time.Second, cfg.HTTP.RequestTimeout)
	assert.Equal(t, 10, cfg.HTTP.MaxRedirects)
	assert.Equal(t, 3, cfg.Crawl.MaxDepth)
	assert.Equal(t, 100, cfg.Crawl.MaxPages)
	assert.Equal(t, 4, cfg.Crawl.Concurrency)
	assert.True(t, cfg.Crawl.RespectRobotsTxt)
	assert.Contains(t, cfg.Crawl.AllowedFileTypes, "pdf")
	assert.Equal(t, crawler.FormatMarkdown, cfg.Crawl.PageContentFormat)
	assert.Equal(t, DefaultOutputDir(), cfg.Crawl.OutputDir)
	assert.True(t, strings.HasSuffix(cfg.Crawl.OutputDir, filepath.Join("sitecrawler", "output")))
	assert.Equal(t, 500*time.Millisecond, cfg.Download.BatchPause)
	assert.Equal(t, crawler.LayoutMirrored, cfg.Download.Layout)
	assert.Equal(t, 10, cfg.Estimator.MaxIndexChildren)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, "crawl_sessions", cfg.Storage.Postgres.Table)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "config.yaml", `
logging:
  development: true
  level: debug
http:
  user_agent: custom-agent
  request_timeout: 5s
crawl:
  max_depth: 1
  max_pages: 25
  concurrency: 8
  allowed_file_types: [pdf, csv]
  blocked_domains: [ads.example.test]
  page_content_format: text
  save_page_content: true
download:
  batch_size: 3
  layout: flat
  requests_per_second: 0.5
estimator:
  timeout: 10s
server:
  addr: 127.0.0.1:9090
  api_key: secret
storage:
  backend: postgres
  postgres:
    dsn: postgres://crawler@localhost/sessions
    table: sessions
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Logging.Development)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "custom-agent", cfg.HTTP.UserAgent)
	assert.Equal(t, 5*time.Second, cfg.HTTP.RequestTimeout)
	assert.Equal(t, 1, cfg.Crawl.MaxDepth)
	assert.Equal(t, 25, cfg.Crawl.MaxPages)
	assert.Equal(t, []string{"pdf", "csv"}, cfg.Crawl.AllowedFileTypes)
	assert.Equal(t, []string{"ads.example.test"}, cfg.Crawl.BlockedDomains)
	assert.Equal(t, crawler.FormatText, cfg.Crawl.PageContentFormat)
	assert.True(t, cfg.Crawl.SavePageContent)
	assert.Equal(t, 3, cfg.Download.BatchSize)
	assert.Equal(t, crawler.LayoutFlat, cfg.Download.Layout)
	assert.InDelta(t, 0.5, cfg.Download.RequestsPerSecond, 1e-9)
	assert.Equal(t, 10*time.Second, cfg.Estimator.Timeout)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr)
	assert.Equal(t, "secret", cfg.Server.APIKey)
	assert.Equal(t, BackendPostgres, cfg.Storage.Backend)
	assert.Equal(t, "sessions", cfg.Storage.Postgres.Table)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SITECRAWLER_CRAWL_MAX_PAGES", "7")
	t.Setenv("SITECRAWLER_SERVER_API_KEY", "from-env")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Crawl.MaxPages)
	assert.Equal(t, "from-env", cfg.Server.APIKey)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "request timeout", mutate: func(c *Config) { c.HTTP.RequestTimeout = 0 }, want: "http.request_timeout"},
		{name: "max pages", mutate: func(c *Config) { c.Crawl.MaxPages = 0 }, want: "crawl.max_pages"},
		{name: "concurrency", mutate: func(c *Config) { c.Crawl.Concurrency = 0 }, want: "crawl.concurrency"},
		{name: "negative depth", mutate: func(c *Config) { c.Crawl.MaxDepth = -1 }, want: "crawl.max_depth"},
		{name: "page format", mutate: func(c *Config) { c.Crawl.PageContentFormat = "pdf" }, want: "page_content_format"},
		{name: "batch size", mutate: func(c *Config) { c.Download.BatchSize = 0 }, want: "download.batch_size"},
		{name: "layout", mutate: func(c *Config) { c.Download.Layout = "tree" }, want: "download.layout"},
		{name: "backend", mutate: func(c *Config) { c.Storage.Backend = "redis" }, want: "storage.backend"},
		{name: "postgres dsn", mutate: func(c *Config) { c.Storage.Backend = BackendPostgres }, want: "storage.postgres.dsn"},
		{name: "server addr", mutate: func(c *Config) { c.Server.Addr = "" }, want: "server.addr"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestCrawlDefaultsFoldsSections(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Download.Layout = crawler.LayoutFlat
	cfg.Download.Overwrite = true

	defaults := cfg.CrawlDefaults()
	assert.Equal(t, cfg.HTTP.UserAgent, defaults.UserAgent)
	assert.Equal(t, 30000, defaults.RequestTimeoutMs)
	assert.Equal(t, crawler.LayoutFlat, defaults.Layout)
	assert.True(t, defaults.Overwrite)
}
