package crawler

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// FilterPolicy is the read-only filtering configuration of a session.
type FilterPolicy struct {
	SeedURL string
	// AllowedFileTypes lists document extensions. Empty disables document
	// classification entirely.
	AllowedFileTypes []string
	AllowedDomains   []string
	BlockedDomains   []string
	StayOnDomain     bool
	MinFileSize      int64
	// MaxFileSize of zero means no upper bound.
	MaxFileSize int64
}

// ResourceKind tags a classified resource.
type ResourceKind int

// Resource kinds.
const (
	KindUnknown ResourceKind = iota
	KindHTMLPage
	KindDocument
)

func (k ResourceKind) String() string {
	switch k {
	case KindHTMLPage:
		return "html"
	case KindDocument:
		return "document"
	default:
		return "unknown"
	}
}

// Classification is produced once per response and consumed everywhere else.
// Extension is set for documents only.
type Classification struct {
	Kind      ResourceKind
	Extension string
}

// ignoreRules are the static URL patterns never worth crawling as pages.
var ignoreRules = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\.(css|js|mjs|map|json|xml|rss|atom|ico|woff2?|ttf|otf|eot)$`),
	regexp.MustCompile(`(?i)\.(jpe?g|png|gif|webp|bmp|tiff?|svg|avif|heic)$`),
	regexp.MustCompile(`(?i)\.(mp3|mp4|m4a|wav|ogg|webm|avi|mov|mkv|flv|wmv)$`),
	regexp.MustCompile(`(?i)\.(pdf|docx?|xlsx?|pptx?|odt|ods|odp|rtf|epub|csv|txt)$`),
	regexp.MustCompile(`(?i)\.(zip|rar|7z|tar|gz|tgz|bz2|xz|exe|msi|dmg|iso|apk|bin)$`),
	regexp.MustCompile(`(?i)/(wp-json|xmlrpc\.php|feed)/?$`),
}

var ignoredSchemes = map[string]struct{}{
	"javascript": {},
	"mailto":     {},
	"tel":        {},
	"data":       {},
	"ftp":        {},
}

// ContentFilter decides whether a URL may be crawled, whether it is a
// document and whether a size is acceptable. All rules are compiled at
// construction; the filter is safe for concurrent use.
type ContentFilter struct {
	extensions  map[string]struct{}
	allowList   *domainAllowList
	blockList   *domainBlockList
	seedDomain  string
	stayOnSeed  bool
	minFileSize int64
	maxFileSize int64
}

// NewContentFilter compiles policy into a rule table.
func NewContentFilter(policy FilterPolicy) (*ContentFilter, error) {
	f := &ContentFilter{
		extensions:  make(map[string]struct{}),
		allowList:   newDomainAllowList(policy.AllowedDomains),
		blockList:   newDomainBlockList(policy.BlockedDomains),
		stayOnSeed:  policy.StayOnDomain,
		minFileSize: policy.MinFileSize,
		maxFileSize: policy.MaxFileSize,
	}
	for _, raw := range policy.AllowedFileTypes {
		ext := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "."))
		if ext != "" {
			f.extensions[ext] = struct{}{}
		}
	}
	if _, ok := f.extensions["jpg"]; ok {
		f.extensions["jpeg"] = struct{}{}
	}
	if policy.SeedURL != "" {
		seed, err := url.Parse(policy.SeedURL)
		if err != nil || seed.Hostname() == "" {
			return nil, fmt.Errorf("seed url %q: %w", policy.SeedURL, ErrInvalidURL)
		}
		f.seedDomain = normalizeHost(seed.Hostname())
	}
	if f.stayOnSeed && f.seedDomain == "" {
		return nil, fmt.Errorf("stay on domain requires a seed url: %w", ErrInvalidURL)
	}
	if policy.MaxFileSize > 0 && policy.MinFileSize > policy.MaxFileSize {
		return nil, fmt.Errorf("min file size %d exceeds max %d: %w", policy.MinFileSize, policy.MaxFileSize, ErrSizeOutOfBounds)
	}
	return f, nil
}

// ShouldCrawl reports whether rawURL is an http(s) page worth fetching.
func (f *ContentFilter) ShouldCrawl(rawURL string) bool {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return false
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	if _, ignored := ignoredSchemes[scheme]; ignored {
		return false
	}
	if scheme != "http" && scheme != "https" {
		return false
	}
	if !f.IsDomainAllowed(u.Hostname()) {
		return false
	}
	for _, rule := range ignoreRules {
		if rule.MatchString(u.Path) {
			return false
		}
	}
	return true
}

// IsDomainAllowed applies the block list, then the allow list, then the
// stay-on-domain rule.
func (f *ContentFilter) IsDomainAllowed(host string) bool {
	host = normalizeHost(host)
	if host == "" {
		return false
	}
	if f.blockList.IsBlocked(host) {
		return false
	}
	if f.allowList != nil {
		return f.allowList.Matches(host)
	}
	if f.stayOnSeed {
		return isSameOrSubdomain(host, f.seedDomain)
	}
	return true
}

// IsBlocked reports whether host is on the block list.
func (f *ContentFilter) IsBlocked(host string) bool {
	return f.blockList.IsBlocked(host)
}

// IsDocument reports whether rawURL (optionally with its content type) is a
// document under the configured extension set. With no configured
// extensions it always returns false.
func (f *ContentFilter) IsDocument(rawURL, contentType string) bool {
	_, ok := f.documentExtension(rawURL, contentType)
	return ok
}

func (f *ContentFilter) documentExtension(rawURL, contentType string) (string, bool) {
	if len(f.extensions) == 0 {
		return "", false
	}
	if u, err := url.Parse(rawURL); err == nil {
		if ext := urlExtension(u); ext != "" {
			if _, ok := f.extensions[ext]; ok {
				return ext, true
			}
		}
	}
	if contentType == "" {
		return "", false
	}
	ext, known := contentTypeExtensions[mediaType(contentType)]
	if !known {
		return "", false
	}
	if _, ok := f.extensions[ext]; ok {
		return ext, true
	}
	return "", false
}

// Classify tags a fetched resource as an HTML page, a document or unknown.
func (f *ContentFilter) Classify(rawURL, contentType string) Classification {
	if ext, ok := f.documentExtension(rawURL, contentType); ok {
		return Classification{Kind: KindDocument, Extension: ext}
	}
	mt := mediaType(contentType)
	if mt == "text/html" || mt == "application/xhtml+xml" {
		return Classification{Kind: KindHTMLPage}
	}
	return Classification{Kind: KindUnknown}
}

// IsFileSizeAllowed reports whether size is within bounds. Negative sizes
// are unknown and always allowed.
func (f *ContentFilter) IsFileSizeAllowed(size int64) bool {
	if size < 0 {
		return true
	}
	if size < f.minFileSize {
		return false
	}
	if f.maxFileSize > 0 && size > f.maxFileSize {
		return false
	}
	return true
}

// MaxFileSize returns the upper size bound, zero when unbounded.
func (f *ContentFilter) MaxFileSize() int64 {
	return f.maxFileSize
}
