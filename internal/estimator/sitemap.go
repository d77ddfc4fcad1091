package estimator

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/antchfx/xmlquery"
	"go.uber.org/zap"
)

const (
	sitemapIndexPath = "//*[local-name()='sitemapindex']/*[local-name()='sitemap']/*[local-name()='loc']"
	sitemapURLPath   = "//*[local-name()='urlset']/*[local-name()='url']/*[local-name()='loc']"
	maxIndexDepth    = 3
)

// sitemapCount probes the well-known sitemap locations and then the ones
// declared in robots.txt. It returns the first nonzero URL count and the
// sitemap it came from.
func (e *Estimator) sitemapCount(ctx context.Context, seed *url.URL) (int, string) {
	origin := seed.Scheme + "://" + seed.Host
	candidates := []string{origin + "/sitemap.xml", origin + "/sitemap_index.xml"}

	walker := &sitemapWalker{estimator: e, visited: make(map[string]struct{})}
	for _, candidate := range candidates {
		if n := walker.count(ctx, candidate, 0); n > 0 {
			return n, candidate
		}
	}
	for _, declared := range e.robots.Sitemaps(ctx, seed.String()) {
		if n := walker.count(ctx, declared, 0); n > 0 {
			return n, declared
		}
	}
	return 0, ""
}

// sitemapWalker counts URLs across a sitemap and, for an index, its first
// children. Every sitemap is read at most once per estimation.
type sitemapWalker struct {
	estimator *Estimator
	visited   map[string]struct{}
}

func (w *sitemapWalker) count(ctx context.Context, loc string, depth int) int {
	if depth > maxIndexDepth || ctx.Err() != nil {
		return 0
	}
	if _, seen := w.visited[loc]; seen {
		return 0
	}
	w.visited[loc] = struct{}{}

	logger := w.estimator.logger.With(zap.String("sitemap", loc))
	doc, err := w.load(ctx, loc)
	if err != nil {
		logger.Debug("sitemap unavailable", zap.Error(err))
		return 0
	}

	if children := xmlquery.Find(doc, sitemapIndexPath); len(children) > 0 {
		limit := min(len(children), w.estimator.cfg.MaxIndexChildren)
		total := 0
		for _, child := range children[:limit] {
			if childLoc := strings.TrimSpace(child.InnerText()); childLoc != "" {
				total += w.count(ctx, childLoc, depth+1)
			}
		}
		logger.Debug("sitemap index read", zap.Int("children", len(children)), zap.Int("urls", total))
		return total
	}
	return len(xmlquery.Find(doc, sitemapURLPath))
}

func (w *sitemapWalker) load(ctx context.Context, loc string) (*xmlquery.Node, error) {
	body, _, err := w.estimator.get(ctx, loc, w.estimator.cfg.MaxBodyBytes)
	if err != nil {
		return nil, err
	}
	var reader io.Reader = bytes.NewReader(body)
	if isGzip(body) {
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return nil, fmt.Errorf("open gzip sitemap: %w", err)
		}
		defer func() { _ = gz.Close() }()
		reader = io.LimitReader(gz, w.estimator.cfg.MaxBodyBytes)
	}
	doc, err := xmlquery.Parse(reader)
	if err != nil {
		return nil, fmt.Errorf("parse sitemap: %w", err)
	}
	return doc, nil
}

// isGzip sniffs the gzip magic bytes; servers label .xml.gz sitemaps
// inconsistently.
func isGzip(body []byte) bool {
	return len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b
}
