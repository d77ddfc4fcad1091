package document

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/markusmobius/go-trafilatura"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

const (
	// minContentLength is the shortest rendering worth saving.
	minContentLength = 50
	// minMarkdownLength is the shortest markdown rendering trusted over the
	// plain-text fallback.
	minMarkdownLength = 100
)

// SavePageContent strips scripts and styles from html, renders it in the
// configured format and writes it next to the page's URL path. Renderings
// shorter than minContentLength are skipped without writing anything.
func (f *Fetcher) SavePageContent(ctx context.Context, pageURL string, html []byte, meta crawler.PageMeta) (crawler.PageContentResult, error) {
	format := f.cfg.PageFormat
	result := crawler.PageContentResult{Format: format}
	logger := f.logger.With(zap.String("url", pageURL), zap.String("format", string(format)))

	u, err := url.Parse(pageURL)
	if err != nil || u.Host == "" {
		result.Reason = ReasonInvalidURL
		return result, nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return result, fmt.Errorf("parse page %s: %w", pageURL, err)
	}
	doc.Find("script, style, noscript").Remove()

	content, err := render(doc, u, format)
	if err != nil {
		return result, fmt.Errorf("render page %s: %w", pageURL, err)
	}
	if len(strings.TrimSpace(content)) < minContentLength {
		result.Reason = "no meaningful content"
		logger.Debug("page content too short", zap.Int("length", len(content)))
		return result, nil
	}

	rel := f.pagePath(u, format)
	if !f.cfg.Overwrite {
		exists, err := f.store.Exists(rel)
		if err != nil {
			return result, fmt.Errorf("check page content path: %w", err)
		}
		if exists {
			result.Reason = ReasonExists
			result.Path, _ = f.store.Resolve(rel)
			return result, nil
		}
	}
	full, err := f.store.PutObject(ctx, rel, []byte(content))
	if err != nil {
		return result, fmt.Errorf("write page content %s: %w", pageURL, err)
	}
	result.Success = true
	result.Path = full
	logger.Debug("page content saved", zap.String("path", full), zap.Int("depth", meta.Depth))
	return result, nil
}

func render(doc *goquery.Document, pageURL *url.URL, format crawler.PageContentFormat) (string, error) {
	switch format {
	case crawler.FormatHTML:
		html, err := doc.Html()
		if err != nil {
			return "", fmt.Errorf("serialize html: %w", err)
		}
		return html, nil
	case crawler.FormatText:
		return extractText(doc, pageURL), nil
	case crawler.FormatMarkdown:
		md, err := renderMarkdown(doc, pageURL)
		if err != nil {
			return "", err
		}
		if len(strings.TrimSpace(md)) < minMarkdownLength {
			return extractText(doc, pageURL), nil
		}
		return md, nil
	default:
		return "", fmt.Errorf("unknown page content format %q", format)
	}
}

// extractText prefers trafilatura's main-content extraction and falls back
// to the collapsed body text.
func extractText(doc *goquery.Document, pageURL *url.URL) string {
	if html, err := doc.Html(); err == nil {
		result, err := trafilatura.Extract(strings.NewReader(html), trafilatura.Options{OriginalURL: pageURL})
		if err == nil && result != nil && strings.TrimSpace(result.ContentText) != "" {
			return strings.TrimSpace(result.ContentText)
		}
	}
	return collapseWhitespace(doc.Find("body").Text())
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// pagePath mirrors the page URL below the host directory, or flattens it to
// one host-prefixed name.
func (f *Fetcher) pagePath(u *url.URL, format crawler.PageContentFormat) string {
	host := crawler.SanitizePathSegment(u.Host)
	var segments []string
	for _, segment := range strings.Split(strings.Trim(u.EscapedPath(), "/"), "/") {
		if segment == "" || segment == "." || segment == ".." {
			continue
		}
		segments = append(segments, crawler.SanitizePathSegment(segment))
	}
	if len(segments) == 0 || strings.HasSuffix(u.Path, "/") {
		segments = append(segments, "index")
	}
	last := len(segments) - 1
	segments[last] = strings.TrimSuffix(segments[last], path.Ext(segments[last]))
	if u.RawQuery != "" {
		segments[last] += "_" + crawler.ShortHash(u.RawQuery, 8)
	}
	segments[last] += "." + format.Extension()

	if f.cfg.Layout == crawler.LayoutFlat {
		return f.claimFlatName(host+"_"+strings.Join(segments, "_"), u.String())
	}
	return path.Join(append([]string{host}, segments...)...)
}
