package crawler

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// embedSelectors locate embedded resources that may be documents.
var embedSelectors = []struct {
	selector string
	attr     string
}{
	{"img[src]", "src"},
	{"iframe[src]", "src"},
	{"embed[src]", "src"},
	{"object[data]", "data"},
	{"source[src]", "src"},
	{"video[src]", "src"},
	{"audio[src]", "src"},
	{"link[rel=alternate][href]", "href"},
	{"a[download][href]", "href"},
}

// documentAnchorExtensions are anchor targets scanned as embeds even when
// the anchor itself is not crawl-worthy.
var documentAnchorExtensions = map[string]struct{}{
	"pdf": {}, "doc": {}, "docx": {}, "xls": {}, "xlsx": {}, "csv": {},
	"ppt": {}, "pptx": {}, "odt": {}, "ods": {}, "rtf": {}, "epub": {}, "zip": {},
}

// ParseHTML parses body into a goquery document.
func ParseHTML(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// DocumentBase returns the URL relative links resolve against: the <base
// href> if present, otherwise pageURL.
func DocumentBase(doc *goquery.Document, pageURL *url.URL) *url.URL {
	href, ok := doc.Find("base[href]").First().Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return pageURL
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return pageURL
	}
	if pageURL == nil {
		return ref
	}
	return pageURL.ResolveReference(ref)
}

// ExtractLinks returns every resolvable anchor target in document order,
// normalized and de-duplicated.
func ExtractLinks(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href], area[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		resolved, ok := ResolveLink(base, href)
		if !ok {
			return
		}
		if _, dup := seen[resolved]; dup {
			return
		}
		seen[resolved] = struct{}{}
		links = append(links, resolved)
	})
	return links
}

// ExtractEmbeds returns resource URLs referenced by embed-like elements and
// document-extension anchors.
func ExtractEmbeds(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]struct{})
	var embeds []string
	for _, sel := range embedSelectors {
		doc.Find(sel.selector).Each(func(_ int, s *goquery.Selection) {
			raw, _ := s.Attr(sel.attr)
			resolved, ok := ResolveLink(base, raw)
			if !ok {
				return
			}
			if _, dup := seen[resolved]; dup {
				return
			}
			seen[resolved] = struct{}{}
			embeds = append(embeds, resolved)
		})
	}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		raw, _ := s.Attr("href")
		resolved, ok := ResolveLink(base, raw)
		if !ok {
			return
		}
		u, err := url.Parse(resolved)
		if err != nil {
			return
		}
		if _, isDoc := documentAnchorExtensions[urlExtension(u)]; !isDoc {
			return
		}
		if _, dup := seen[resolved]; dup {
			return
		}
		seen[resolved] = struct{}{}
		embeds = append(embeds, resolved)
	})
	return embeds
}
