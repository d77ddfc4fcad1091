// Package estimator predicts how many pages a site holds before a crawl
// starts, using sitemaps, a small sample crawl and pagination hints.
package estimator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/metrics"
)

// Config tunes the estimator. Zero values fall back to defaults.
type Config struct {
	UserAgent         string
	MaxSamplePages    int
	MaxDepth          int
	Timeout           time.Duration
	ChildLinksPerPage int
	MaxIndexChildren  int
	SampleConcurrency int
	MaxBodyBytes      int64
}

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = "sitecrawler/1.0"
	}
	if c.MaxSamplePages <= 0 {
		c.MaxSamplePages = 20
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.ChildLinksPerPage <= 0 {
		c.ChildLinksPerPage = 5
	}
	if c.MaxIndexChildren <= 0 {
		c.MaxIndexChildren = 10
	}
	if c.SampleConcurrency <= 0 {
		c.SampleConcurrency = 4
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 10 << 20
	}
	return c
}

// EstimateRequest describes one estimation call.
type EstimateRequest struct {
	URL       string `json:"url"`
	MaxDepth  int    `json:"max_depth"`
	TimeoutMs int    `json:"timeout_ms"`
}

// Estimator runs the estimation pipeline. It is safe for concurrent use.
type Estimator struct {
	cfg    Config
	client *http.Client
	robots crawler.RobotsChecker
	logger *zap.Logger
}

// New builds an Estimator. A nil client or robots checker gets a default.
func New(cfg Config, client *http.Client, robots crawler.RobotsChecker, logger *zap.Logger) *Estimator {
	cfg = cfg.withDefaults()
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if robots == nil {
		robots = crawler.NewRobotsGate(crawler.RobotsConfig{UserAgent: cfg.UserAgent}, client, logger)
	}
	return &Estimator{cfg: cfg, client: client, robots: robots, logger: logger}
}

// Estimate never fails: any stage error degrades to a one-page estimate
// with error confidence.
func (e *Estimator) Estimate(ctx context.Context, req EstimateRequest) crawler.EstimationResult {
	logger := e.logger.With(zap.String("url", req.URL))
	result, err := e.estimate(ctx, req)
	if err != nil {
		logger.Warn("page estimation failed", zap.Error(err))
		result = fallbackResult()
	}
	metrics.ObserveEstimation(string(result.Confidence))
	logger.Info("page estimation finished",
		zap.Int("estimated_total", result.EstimatedTotal),
		zap.String("confidence", string(result.Confidence)),
		zap.Bool("sitemap_found", result.SitemapFound),
	)
	return result
}

func fallbackResult() crawler.EstimationResult {
	return crawler.EstimationResult{
		EstimatedTotal: 1,
		Confidence:     crawler.ConfidenceError,
		Patterns:       []string{},
	}
}

func (e *Estimator) estimate(ctx context.Context, req EstimateRequest) (crawler.EstimationResult, error) {
	seed, err := parseSeed(req.URL)
	if err != nil {
		return crawler.EstimationResult{}, err
	}
	timeout := e.cfg.Timeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if count, source := e.sitemapCount(ctx, seed); count > 0 {
		return crawler.EstimationResult{
			EstimatedTotal: count,
			DiscoveredURLs: count,
			SitemapFound:   true,
			Confidence:     crawler.ConfidenceHigh,
			Patterns:       []string{"sitemap:" + source},
		}, nil
	}

	maxDepth := e.cfg.MaxDepth
	if req.MaxDepth > 0 {
		maxDepth = req.MaxDepth
	}
	sample, err := e.sampleCrawl(ctx, seed, maxDepth)
	if err != nil {
		return crawler.EstimationResult{}, err
	}
	return combine(len(sample.discovered), crawler.DetectPagination(sample.seedDoc, seed)), nil
}

// combine merges the sample size with pagination evidence.
func combine(discovered int, pagination crawler.PaginationResult) crawler.EstimationResult {
	if pagination.Detected {
		return crawler.EstimationResult{
			EstimatedTotal:     max(discovered, pagination.MaxPage),
			DiscoveredURLs:     discovered,
			PaginationDetected: true,
			Confidence:         crawler.ConfidenceMedium,
			Patterns:           append(pagination.Patterns, "sample"),
		}
	}

	total := discovered
	switch {
	case discovered < 10:
	case discovered < 50:
		total = int(math.Ceil(float64(discovered) * 1.5))
	default:
		total = discovered * 2
	}
	confidence := crawler.ConfidenceMedium
	if total > discovered {
		confidence = crawler.ConfidenceLow
	}
	return crawler.EstimationResult{
		EstimatedTotal: max(total, 1),
		DiscoveredURLs: discovered,
		Confidence:     confidence,
		Patterns:       []string{"sample"},
	}
}

func parseSeed(raw string) (*url.URL, error) {
	normalized, err := crawler.NormalizeURL(raw)
	if err != nil {
		return nil, fmt.Errorf("estimate %q: %w: %w", raw, crawler.ErrEstimation, err)
	}
	u, err := url.Parse(normalized)
	if err != nil {
		return nil, fmt.Errorf("estimate %q: %w: %w", raw, crawler.ErrEstimation, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("estimate %q: %w: %w", raw, crawler.ErrEstimation, crawler.ErrInvalidURL)
	}
	return u, nil
}

var errUnexpectedStatus = errors.New("unexpected status")

// get fetches rawURL and returns at most limit bytes of a 200 response.
func (e *Estimator) get(ctx context.Context, rawURL string, limit int64) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build request %s: %w", rawURL, err)
	}
	req.Header.Set("User-Agent", e.cfg.UserAgent)
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("get %s: %w: %w", rawURL, crawler.ErrNetwork, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			e.logger.Debug("close response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("get %s: status %d: %w", rawURL, resp.StatusCode, errUnexpectedStatus)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w: %w", rawURL, crawler.ErrNetwork, err)
	}
	return body, resp.Header, nil
}
