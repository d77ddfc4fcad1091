// Package document retrieves discovered documents and persists page
// content below a session output directory.
package document

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/metrics"
	"github.com/JakeFAU/sitecrawler/internal/policy/ratelimit"
	"github.com/JakeFAU/sitecrawler/internal/storage/local"
)

// Skip reasons reported in DownloadOutcome.Reason.
const (
	ReasonInvalidURL    = "invalid url"
	ReasonBlockedDomain = "blocked domain"
	ReasonSize          = "size out of bounds"
	ReasonExists        = "already exists"
)

// Config controls where and how documents are written.
type Config struct {
	OutputDir  string
	Layout     crawler.Layout
	Overwrite  bool
	UserAgent  string
	Timeout    time.Duration
	BatchSize  int
	BatchPause time.Duration
	PageFormat crawler.PageContentFormat
}

func (c Config) withDefaults() Config {
	if c.Layout == "" {
		c.Layout = crawler.LayoutMirrored
	}
	if c.UserAgent == "" {
		c.UserAgent = "sitecrawler/1.0"
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.BatchPause < 0 {
		c.BatchPause = 0
	}
	if c.PageFormat == "" {
		c.PageFormat = crawler.FormatMarkdown
	}
	return c
}

// Deps are the collaborators of a Fetcher. Filter and Limiter are optional.
type Deps struct {
	Client  *http.Client
	Fs      afero.Fs
	Filter  *crawler.ContentFilter
	Limiter *ratelimit.Limiter
	Logger  *zap.Logger
}

// Fetcher streams documents to disk and saves rendered page content.
type Fetcher struct {
	cfg     Config
	client  *http.Client
	store   *local.BlobStore
	filter  *crawler.ContentFilter
	limiter *ratelimit.Limiter
	logger  *zap.Logger

	mu      sync.Mutex
	claimed map[string]string
}

var (
	_ crawler.DocumentDownloader = (*Fetcher)(nil)
	_ crawler.PageContentSaver   = (*Fetcher)(nil)
)

// New builds a Fetcher rooted at cfg.OutputDir.
func New(cfg Config, deps Deps) (*Fetcher, error) {
	cfg = cfg.withDefaults()
	store, err := local.New(deps.Fs, local.Config{BaseDir: cfg.OutputDir})
	if err != nil {
		return nil, fmt.Errorf("open output dir: %w: %w", crawler.ErrSetup, err)
	}
	// Each download is bounded by cfg.Timeout through its context. A shared
	// client's overall Timeout would also cut off slow bodies, so drop it.
	client := &http.Client{}
	if deps.Client != nil {
		copied := *deps.Client
		copied.Timeout = 0
		client = &copied
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:     cfg,
		client:  client,
		store:   store,
		filter:  deps.Filter,
		limiter: deps.Limiter,
		logger:  logger,
		claimed: make(map[string]string),
	}, nil
}

// Download retrieves one document. Skips are reported in the outcome with a
// nil error; failures carry both an outcome error string and an error
// wrapping crawler.ErrDownload.
func (f *Fetcher) Download(ctx context.Context, req crawler.DownloadRequest) (crawler.DownloadOutcome, error) {
	logger := f.logger.With(zap.String("url", req.URL))
	outcome := crawler.DownloadOutcome{URL: req.URL}

	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return f.skip(logger, outcome, ReasonInvalidURL), nil
	}
	if f.filter != nil && f.filter.IsBlocked(u.Hostname()) {
		return f.skip(logger, outcome, ReasonBlockedDomain), nil
	}
	if !f.sizeAllowed(req.Size) {
		return f.skip(logger, outcome, ReasonSize), nil
	}

	size, contentType := req.Size, req.ContentType
	if probe, err := f.head(ctx, req.URL); err != nil {
		logger.Debug("head probe failed", zap.Error(err))
	} else {
		if probe.size >= 0 {
			size = probe.size
		}
		if contentType == "" {
			contentType = probe.contentType
		}
	}
	if !f.sizeAllowed(size) {
		return f.skip(logger, outcome, ReasonSize), nil
	}

	rel := f.destination(u, contentType)
	if !f.cfg.Overwrite {
		exists, err := f.store.Exists(rel)
		if err != nil {
			return f.fail(logger, outcome, err)
		}
		if exists {
			outcome.Path, _ = f.store.Resolve(rel)
			return f.skip(logger, outcome, ReasonExists), nil
		}
	}

	if err := f.limiter.Wait(ctx, req.URL); err != nil {
		return f.fail(logger, outcome, err)
	}
	return f.stream(ctx, logger, outcome, rel)
}

func (f *Fetcher) stream(ctx context.Context, logger *zap.Logger, outcome crawler.DownloadOutcome, rel string) (crawler.DownloadOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, outcome.URL, nil)
	if err != nil {
		return f.fail(logger, outcome, err)
	}
	httpReq.Header.Set("User-Agent", f.cfg.UserAgent)
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return f.fail(logger, outcome, fmt.Errorf("%w: %w", crawler.ErrNetwork, err))
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			logger.Debug("close download body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return f.fail(logger, outcome, fmt.Errorf("status %d", resp.StatusCode))
	}
	if !f.sizeAllowed(resp.ContentLength) {
		return f.skip(logger, outcome, ReasonSize), nil
	}

	limit := int64(0)
	if maxSize := f.maxFileSize(); maxSize > 0 {
		limit = maxSize + 1
	}
	full, written, err := f.store.PutStream(ctx, rel, resp.Body, limit)
	if err != nil {
		return f.fail(logger, outcome, err)
	}
	if written == 0 {
		f.discard(logger, full)
		return f.fail(logger, outcome, errors.New("empty response body"))
	}
	if !f.sizeAllowed(written) {
		f.discard(logger, full)
		return f.skip(logger, outcome, ReasonSize), nil
	}

	outcome.Success = true
	outcome.Path = full
	outcome.Size = written
	metrics.ObserveDownload("success")
	logger.Info("document downloaded", zap.String("path", full), zap.Int64("bytes", written))
	return outcome, nil
}

// DownloadBatch downloads requests in fixed-size concurrent batches with a
// pause between batches. Outcomes are returned in input order and one
// failure never stops the batch.
func (f *Fetcher) DownloadBatch(ctx context.Context, requests []crawler.DownloadRequest) []crawler.DownloadOutcome {
	outcomes := make([]crawler.DownloadOutcome, len(requests))
	for start := 0; start < len(requests); start += f.cfg.BatchSize {
		if start > 0 {
			if err := pause(ctx, f.cfg.BatchPause); err != nil {
				for i := start; i < len(requests); i++ {
					outcomes[i] = crawler.DownloadOutcome{URL: requests[i].URL, Error: err.Error()}
				}
				break
			}
		}
		end := min(start+f.cfg.BatchSize, len(requests))
		var group errgroup.Group
		for i := start; i < end; i++ {
			group.Go(func() error {
				outcome, err := f.Download(ctx, requests[i])
				if err != nil && outcome.Error == "" {
					outcome.Error = err.Error()
				}
				outcome.URL = requests[i].URL
				outcomes[i] = outcome
				return nil
			})
		}
		_ = group.Wait()
	}
	return outcomes
}

type headProbe struct {
	size        int64
	contentType string
}

func (f *Fetcher) head(ctx context.Context, rawURL string) (headProbe, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return headProbe{}, fmt.Errorf("build head request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return headProbe{}, fmt.Errorf("head %s: %w", rawURL, err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return headProbe{}, fmt.Errorf("head %s: status %d", rawURL, resp.StatusCode)
	}
	size := resp.ContentLength
	if size < 0 {
		size = crawler.SizeUnknown
	}
	return headProbe{size: size, contentType: resp.Header.Get("Content-Type")}, nil
}

// destination computes the object path for u relative to the output root.
func (f *Fetcher) destination(u *url.URL, contentType string) string {
	name := crawler.SanitizeFilename(u.String(), contentType)
	if u.RawQuery != "" {
		name = withSuffix(name, crawler.ShortHash(u.RawQuery, 8))
	}
	host := crawler.SanitizePathSegment(u.Host)

	if f.cfg.Layout == crawler.LayoutFlat {
		return f.claimFlatName(host+"_"+name, u.String())
	}

	segments := []string{host}
	dir := path.Dir(u.EscapedPath())
	for _, segment := range strings.Split(dir, "/") {
		if segment == "" || segment == "." || segment == ".." {
			continue
		}
		segments = append(segments, crawler.SanitizePathSegment(segment))
	}
	segments = append(segments, name)
	return filepath.Join(segments...)
}

// claimFlatName reserves name for rawURL. A name already claimed by a
// different URL gets a hash suffix.
func (f *Fetcher) claimFlatName(name, rawURL string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if owner, taken := f.claimed[name]; taken && owner != rawURL {
		name = withSuffix(name, crawler.ShortHash(rawURL, 8))
	}
	f.claimed[name] = rawURL
	return name
}

func withSuffix(name, suffix string) string {
	ext := path.Ext(name)
	return strings.TrimSuffix(name, ext) + "_" + suffix + ext
}

func (f *Fetcher) sizeAllowed(size int64) bool {
	if f.filter == nil {
		return true
	}
	return f.filter.IsFileSizeAllowed(size)
}

func (f *Fetcher) maxFileSize() int64 {
	if f.filter == nil {
		return 0
	}
	return f.filter.MaxFileSize()
}

func (f *Fetcher) skip(logger *zap.Logger, outcome crawler.DownloadOutcome, reason string) crawler.DownloadOutcome {
	outcome.Skipped = true
	outcome.Reason = reason
	metrics.ObserveDownload("skipped")
	logger.Debug("document skipped", zap.String("reason", reason))
	return outcome
}

func (f *Fetcher) fail(logger *zap.Logger, outcome crawler.DownloadOutcome, err error) (crawler.DownloadOutcome, error) {
	outcome.Error = err.Error()
	metrics.ObserveDownload("error")
	logger.Warn("document download failed", zap.Error(err))
	return outcome, fmt.Errorf("download %s: %w: %w", outcome.URL, crawler.ErrDownload, err)
}

func (f *Fetcher) discard(logger *zap.Logger, full string) {
	if err := f.store.Remove(full); err != nil {
		logger.Warn("remove rejected download", zap.String("path", full), zap.Error(err))
	}
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
