package estimator

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

type sampleResult struct {
	seedDoc    *goquery.Document
	discovered map[string]struct{}
}

// sampleCrawl fetches a bounded breadth-first sample of same-host pages.
// Every same-host link seen on a fetched page counts as discovered; only
// the first few per page are followed.
func (e *Estimator) sampleCrawl(ctx context.Context, seed *url.URL, maxDepth int) (sampleResult, error) {
	filter, err := crawler.NewContentFilter(crawler.FilterPolicy{SeedURL: seed.String()})
	if err != nil {
		return sampleResult{}, fmt.Errorf("sample filter: %w: %w", crawler.ErrEstimation, err)
	}

	seedDoc, err := e.fetchPage(ctx, seed.String())
	if err != nil {
		return sampleResult{}, fmt.Errorf("fetch seed page: %w: %w", crawler.ErrEstimation, err)
	}

	result := sampleResult{
		seedDoc:    seedDoc,
		discovered: map[string]struct{}{seed.String(): {}},
	}
	fetched := 1
	level := e.children(seedDoc, seed, filter, result.discovered)

	var mu sync.Mutex
	for depth := 1; depth <= maxDepth && len(level) > 0 && fetched < e.cfg.MaxSamplePages; depth++ {
		if remaining := e.cfg.MaxSamplePages - fetched; len(level) > remaining {
			level = level[:remaining]
		}
		fetched += len(level)

		var next []string
		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(e.cfg.SampleConcurrency)
		for _, page := range level {
			group.Go(func() error {
				if !e.robots.IsAllowed(groupCtx, page) {
					return nil
				}
				doc, err := e.fetchPage(groupCtx, page)
				if err != nil {
					e.logger.Debug("sample page skipped", zap.String("url", page), zap.Error(err))
					return nil
				}
				base, _ := url.Parse(page)
				mu.Lock()
				next = append(next, e.children(doc, base, filter, result.discovered)...)
				mu.Unlock()
				return nil
			})
		}
		_ = group.Wait()
		if ctx.Err() != nil {
			break
		}
		level = next
	}
	return result, nil
}

// children records every same-host page link on doc and returns the ones
// worth following. The caller serializes access to discovered.
func (e *Estimator) children(doc *goquery.Document, page *url.URL, filter *crawler.ContentFilter, discovered map[string]struct{}) []string {
	base := crawler.DocumentBase(doc, page)
	var follow []string
	for _, link := range crawler.ExtractLinks(doc, base) {
		u, err := url.Parse(link)
		if err != nil || !strings.EqualFold(u.Hostname(), page.Hostname()) || !filter.ShouldCrawl(link) {
			continue
		}
		if _, seen := discovered[link]; seen {
			continue
		}
		discovered[link] = struct{}{}
		if len(follow) < e.cfg.ChildLinksPerPage {
			follow = append(follow, link)
		}
	}
	return follow
}

func (e *Estimator) fetchPage(ctx context.Context, rawURL string) (*goquery.Document, error) {
	body, header, err := e.get(ctx, rawURL, e.cfg.MaxBodyBytes)
	if err != nil {
		return nil, err
	}
	if mediaType, _, _ := mime.ParseMediaType(header.Get("Content-Type")); mediaType != "" && mediaType != "text/html" && mediaType != "application/xhtml+xml" {
		return nil, fmt.Errorf("page %s is %s, not html", rawURL, mediaType)
	}
	doc, err := crawler.ParseHTML(body)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", rawURL, err)
	}
	return doc, nil
}
