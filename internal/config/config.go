// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// EnvPrefix prefixes every environment override, e.g. SITECRAWLER_CRAWL_MAX_PAGES.
const EnvPrefix = "SITECRAWLER"

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig        `mapstructure:"logging"`
	HTTP      HTTPConfig           `mapstructure:"http"`
	Crawl     crawler.CrawlRequest `mapstructure:"crawl"`
	Download  DownloadConfig       `mapstructure:"download"`
	Estimator EstimatorConfig      `mapstructure:"estimator"`
	Server    ServerConfig         `mapstructure:"server"`
	Storage   StorageConfig        `mapstructure:"storage"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// HTTPConfig configures outbound HTTP requests.
type HTTPConfig struct {
	UserAgent      string        `mapstructure:"user_agent"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxBodyBytes   int           `mapstructure:"max_body_bytes"`
	MaxRedirects   int           `mapstructure:"max_redirects"`
}

// DownloadConfig tunes document downloads.
type DownloadConfig struct {
	BatchSize         int            `mapstructure:"batch_size"`
	BatchPause        time.Duration  `mapstructure:"batch_pause"`
	Layout            crawler.Layout `mapstructure:"layout"`
	Overwrite         bool           `mapstructure:"overwrite"`
	RequestsPerSecond float64        `mapstructure:"requests_per_second"`
	Burst             int            `mapstructure:"burst"`
}

// EstimatorConfig tunes the page estimator.
type EstimatorConfig struct {
	MaxSamplePages    int           `mapstructure:"max_sample_pages"`
	MaxDepth          int           `mapstructure:"max_depth"`
	Timeout           time.Duration `mapstructure:"timeout"`
	ChildLinksPerPage int           `mapstructure:"child_links_per_page"`
	MaxIndexChildren  int           `mapstructure:"max_index_children"`
	SampleConcurrency int           `mapstructure:"sample_concurrency"`
}

// ServerConfig controls the HTTP API server.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	APIKey          string        `mapstructure:"api_key"`
}

// StorageConfig selects where session records are kept.
type StorageConfig struct {
	Backend  string         `mapstructure:"backend"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig controls access to the session table.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DefaultOutputDir is where documents land when nothing else is configured.
func DefaultOutputDir() string {
	return filepath.Join(xdg.DataHome, "sitecrawler", "output")
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("http.user_agent", "sitecrawler/1.0 (+https://github.com/JakeFAU/sitecrawler)")
	v.SetDefault("http.request_timeout", "30s")
	v.SetDefault("http.max_body_bytes", 10<<20)
	v.SetDefault("http.max_redirects", 10)

	v.SetDefault("crawl.max_depth", 3)
	v.SetDefault("crawl.max_pages", 100)
	v.SetDefault("crawl.concurrency", 4)
	v.SetDefault("crawl.delay_ms", 1000)
	v.SetDefault("crawl.random_delay", false)
	v.SetDefault("crawl.allowed_file_types", []string{"pdf", "doc", "docx", "xls", "xlsx", "ppt", "pptx", "csv", "zip"})
	v.SetDefault("crawl.stay_on_domain", true)
	v.SetDefault("crawl.allowed_domains", []string{})
	v.SetDefault("crawl.blocked_domains", []string{})
	v.SetDefault("crawl.respect_robots_txt", true)
	v.SetDefault("crawl.output_dir", DefaultOutputDir())
	v.SetDefault("crawl.save_page_content", false)
	v.SetDefault("crawl.page_content_format", string(crawler.FormatMarkdown))
	v.SetDefault("crawl.min_file_size", 0)
	v.SetDefault("crawl.max_file_size", 0)
	v.SetDefault("crawl.timeout_ms", 0)
	v.SetDefault("crawl.download_documents", false)
	v.SetDefault("crawl.estimate_first", false)

	v.SetDefault("download.batch_size", 5)
	v.SetDefault("download.batch_pause", "500ms")
	v.SetDefault("download.layout", string(crawler.LayoutMirrored))
	v.SetDefault("download.overwrite", false)
	v.SetDefault("download.requests_per_second", 2.0)
	v.SetDefault("download.burst", 2)

	v.SetDefault("estimator.max_sample_pages", 20)
	v.SetDefault("estimator.max_depth", 2)
	v.SetDefault("estimator.timeout", "30s")
	v.SetDefault("estimator.child_links_per_page", 5)
	v.SetDefault("estimator.max_index_children", 10)
	v.SetDefault("estimator.sample_concurrency", 4)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "2m")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.api_key", "")

	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.table", "crawl_sessions")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.HTTP.RequestTimeout <= 0 {
		return fmt.Errorf("http.request_timeout must be > 0")
	}
	if c.HTTP.MaxRedirects < 0 {
		return fmt.Errorf("http.max_redirects must be >= 0")
	}
	if c.Crawl.MaxDepth < 0 {
		return fmt.Errorf("crawl.max_depth must be >= 0")
	}
	if c.Crawl.MaxPages <= 0 {
		return fmt.Errorf("crawl.max_pages must be > 0")
	}
	if c.Crawl.Concurrency <= 0 {
		return fmt.Errorf("crawl.concurrency must be > 0")
	}
	if c.Crawl.DelayMs < 0 {
		return fmt.Errorf("crawl.delay_ms must be >= 0")
	}
	if !c.Crawl.PageContentFormat.Valid() {
		return fmt.Errorf("crawl.page_content_format %q is not one of html, text, markdown", c.Crawl.PageContentFormat)
	}
	if c.Download.BatchSize <= 0 {
		return fmt.Errorf("download.batch_size must be > 0")
	}
	if c.Download.Layout != crawler.LayoutMirrored && c.Download.Layout != crawler.LayoutFlat {
		return fmt.Errorf("download.layout %q is not one of mirrored, flat", c.Download.Layout)
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required when storage.backend is postgres")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must be set")
	}
	return nil
}

// CrawlDefaults returns the session defaults with the http and download
// sections folded in.
func (c Config) CrawlDefaults() crawler.CrawlRequest {
	defaults := c.Crawl
	if defaults.UserAgent == "" {
		defaults.UserAgent = c.HTTP.UserAgent
	}
	if defaults.RequestTimeoutMs == 0 {
		defaults.RequestTimeoutMs = int(c.HTTP.RequestTimeout / time.Millisecond)
	}
	if defaults.Layout == "" {
		defaults.Layout = c.Download.Layout
	}
	defaults.Overwrite = defaults.Overwrite || c.Download.Overwrite
	return defaults
}
