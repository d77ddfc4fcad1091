package crawler

import (
	"context"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// RobotsChecker answers robots.txt questions for a URL.
type RobotsChecker interface {
	IsAllowed(ctx context.Context, rawURL string) bool
	CrawlDelay(ctx context.Context, rawURL string) time.Duration
	Sitemaps(ctx context.Context, rawURL string) []string
}

// DocumentDownloader materializes discovered documents.
type DocumentDownloader interface {
	Download(ctx context.Context, request DownloadRequest) (DownloadOutcome, error)
	DownloadBatch(ctx context.Context, requests []DownloadRequest) []DownloadOutcome
}

// PageContentSaver persists the extracted content of an HTML page.
type PageContentSaver interface {
	SavePageContent(ctx context.Context, pageURL string, html []byte, meta PageMeta) (PageContentResult, error)
}

// SessionStore persists session records. Get returns ErrSessionNotFound for
// unknown IDs and List returns the newest records first.
type SessionStore interface {
	Save(ctx context.Context, record SessionRecord) error
	Get(ctx context.Context, id string) (SessionRecord, error)
	List(ctx context.Context) ([]SessionRecord, error)
}
