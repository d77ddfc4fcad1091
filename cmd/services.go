package cmd

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/config"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/estimator"
	"github.com/JakeFAU/sitecrawler/internal/manager"
	"github.com/JakeFAU/sitecrawler/internal/storage/memory"
	"github.com/JakeFAU/sitecrawler/internal/storage/postgres"
)

// managerConfig maps the loaded configuration onto the session manager.
func managerConfig(cfg config.Config) manager.Config {
	return manager.Config{
		Defaults: cfg.CrawlDefaults(),
		Download: manager.DownloadConfig{
			BatchSize:         cfg.Download.BatchSize,
			BatchPause:        cfg.Download.BatchPause,
			RequestsPerSecond: cfg.Download.RequestsPerSecond,
			Burst:             cfg.Download.Burst,
		},
		Estimator:    estimatorConfig(cfg),
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		MaxRedirects: cfg.HTTP.MaxRedirects,
	}
}

func estimatorConfig(cfg config.Config) estimator.Config {
	return estimator.Config{
		UserAgent:         cfg.HTTP.UserAgent,
		MaxSamplePages:    cfg.Estimator.MaxSamplePages,
		MaxDepth:          cfg.Estimator.MaxDepth,
		Timeout:           cfg.Estimator.Timeout,
		ChildLinksPerPage: cfg.Estimator.ChildLinksPerPage,
		MaxIndexChildren:  cfg.Estimator.MaxIndexChildren,
		SampleConcurrency: cfg.Estimator.SampleConcurrency,
		MaxBodyBytes:      int64(cfg.HTTP.MaxBodyBytes),
	}
}

func httpClient(cfg config.Config) *http.Client {
	return &http.Client{Timeout: cfg.HTTP.RequestTimeout}
}

// openStore returns the configured session store and a function releasing it.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (crawler.SessionStore, func(), error) {
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		store, err := postgres.NewSessionStore(ctx, postgres.SessionStoreConfig{
			DSN:             cfg.Storage.Postgres.DSN,
			Table:           cfg.Storage.Postgres.Table,
			MaxConns:        cfg.Storage.Postgres.MaxConns,
			MinConns:        cfg.Storage.Postgres.MinConns,
			MaxConnLifetime: cfg.Storage.Postgres.MaxConnLifetime,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres session store: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("ensure session schema: %w", err)
		}
		logger.Info("using postgres session store", zap.String("table", cfg.Storage.Postgres.Table))
		return store, store.Close, nil
	default:
		logger.Info("using in-memory session store")
		return memory.NewSessionStore(), func() {}, nil
	}
}
