package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const maxRobotsBytes = 1 << 20

// RobotsConfig controls robots.txt fetching.
type RobotsConfig struct {
	UserAgent    string
	DefaultDelay time.Duration
	Timeout      time.Duration
}

// RobotsPolicy is the parsed robots.txt of one origin. A policy without
// data allows everything.
type RobotsPolicy struct {
	data  *robotstxt.RobotsData
	group *robotstxt.Group
}

func allowAllRobots() *RobotsPolicy {
	return &RobotsPolicy{}
}

// Allows reports whether the path of u may be fetched.
func (p *RobotsPolicy) Allows(u *url.URL) bool {
	if p == nil || p.group == nil {
		return true
	}
	target := u.EscapedPath()
	if target == "" {
		target = "/"
	}
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	return p.group.Test(target)
}

// CrawlDelay returns the declared crawl delay, zero when absent.
func (p *RobotsPolicy) CrawlDelay() time.Duration {
	if p == nil || p.group == nil {
		return 0
	}
	return p.group.CrawlDelay
}

// Sitemaps returns the declared sitemap URLs.
func (p *RobotsPolicy) Sitemaps() []string {
	if p == nil || p.data == nil {
		return nil
	}
	return append([]string(nil), p.data.Sitemaps...)
}

// RobotsGate caches one RobotsPolicy per scheme://host. Any failure to
// obtain robots.txt caches an allow-all policy.
type RobotsGate struct {
	cfg    RobotsConfig
	client *http.Client
	cache  sync.Map
	flight singleflight.Group
	logger *zap.Logger
}

// NewRobotsGate builds a RobotsGate. A nil client gets a default one.
func NewRobotsGate(cfg RobotsConfig, client *http.Client, logger *zap.Logger) *RobotsGate {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RobotsGate{
		cfg:    cfg,
		client: client,
		logger: logger,
	}
}

// LoadPolicy returns the cached policy for the origin of rawURL, fetching
// it on first use.
func (r *RobotsGate) LoadPolicy(ctx context.Context, rawURL string) *RobotsPolicy {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return allowAllRobots()
	}
	key := originKey(parsed)
	if cached, ok := r.cache.Load(key); ok {
		if policy, ok := cached.(*RobotsPolicy); ok {
			return policy
		}
	}

	// The shared fetch outlives any one caller; it is bounded by cfg.Timeout
	// so a canceled first caller cannot cache allow-all for the origin.
	fetchCtx := context.WithoutCancel(ctx)
	results := r.flight.DoChan(key, func() (any, error) {
		if cached, ok := r.cache.Load(key); ok {
			return cached, nil
		}
		policy, err := r.fetch(fetchCtx, key)
		if err != nil {
			r.logger.Warn("robots fetch failed; allowing access", zap.String("origin", key), zap.Error(err))
			policy = allowAllRobots()
		}
		r.cache.Store(key, policy)
		return policy, nil
	})
	select {
	case <-ctx.Done():
		return allowAllRobots()
	case res := <-results:
		policy, ok := res.Val.(*RobotsPolicy)
		if !ok {
			return allowAllRobots()
		}
		return policy
	}
}

// IsAllowed implements RobotsChecker.
func (r *RobotsGate) IsAllowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return r.LoadPolicy(ctx, rawURL).Allows(parsed)
}

// CrawlDelay implements RobotsChecker. It falls back to the configured
// default delay.
func (r *RobotsGate) CrawlDelay(ctx context.Context, rawURL string) time.Duration {
	if delay := r.LoadPolicy(ctx, rawURL).CrawlDelay(); delay > 0 {
		return delay
	}
	return r.cfg.DefaultDelay
}

// Sitemaps implements RobotsChecker.
func (r *RobotsGate) Sitemaps(ctx context.Context, rawURL string) []string {
	return r.LoadPolicy(ctx, rawURL).Sitemaps()
}

func (r *RobotsGate) fetch(ctx context.Context, origin string) (*RobotsPolicy, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if r.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", r.cfg.UserAgent)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			r.logger.Debug("Failed to close robots response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch robots: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return &RobotsPolicy{
		data:  data,
		group: data.FindGroup(r.userAgentToken()),
	}, nil
}

// userAgentToken reduces "name/1.0 (+info)" to the product token robots
// groups are matched against.
func (r *RobotsGate) userAgentToken() string {
	agent := strings.TrimSpace(r.cfg.UserAgent)
	if agent == "" {
		return "*"
	}
	if i := strings.IndexAny(agent, "/ "); i > 0 {
		agent = agent[:i]
	}
	return agent
}

func originKey(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}
