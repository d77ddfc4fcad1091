package crawler

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

// SessionStatus represents the lifecycle state of a crawl session.
type SessionStatus string

// Session status values. Completed, failed and aborted are terminal.
const (
	StatusPending   SessionStatus = "pending"
	StatusRunning   SessionStatus = "running"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
	StatusAborted   SessionStatus = "aborted"
)

// Terminal reports whether no further transitions are possible.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAborted:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is a forward move.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusFailed || next == StatusAborted
	case StatusRunning:
		return next.Terminal()
	default:
		return false
	}
}

// StopReason names the loop condition that ended a traversal.
type StopReason string

// Traversal stop reasons.
const (
	StopFrontierEmpty StopReason = "frontier_empty"
	StopMaxPages      StopReason = "max_pages"
	StopAborted       StopReason = "aborted"
	StopTimeout       StopReason = "timeout"
	StopStagnation    StopReason = "stagnation"
	StopCanceled      StopReason = "canceled"
)

// PageContentFormat selects how saved page content is rendered.
type PageContentFormat string

// Supported page content formats.
const (
	FormatHTML     PageContentFormat = "html"
	FormatText     PageContentFormat = "text"
	FormatMarkdown PageContentFormat = "markdown"
)

// Valid reports whether f is a known format.
func (f PageContentFormat) Valid() bool {
	switch f {
	case FormatHTML, FormatText, FormatMarkdown:
		return true
	default:
		return false
	}
}

// Extension returns the file extension used for saved page content.
func (f PageContentFormat) Extension() string {
	switch f {
	case FormatText:
		return "txt"
	case FormatMarkdown:
		return "md"
	default:
		return "html"
	}
}

// Layout controls how downloaded files are arranged under the output root.
type Layout string

// Output layouts.
const (
	LayoutMirrored Layout = "mirrored"
	LayoutFlat     Layout = "flat"
)

// CrawlRequest captures every knob of a crawl session.
type CrawlRequest struct {
	StartURL          string            `json:"start_url" mapstructure:"start_url"`
	MaxDepth          int               `json:"max_depth" mapstructure:"max_depth"`
	MaxPages          int               `json:"max_pages" mapstructure:"max_pages"`
	Concurrency       int               `json:"concurrency" mapstructure:"concurrency"`
	DelayMs           int               `json:"delay_ms" mapstructure:"delay_ms"`
	RandomDelay       bool              `json:"random_delay" mapstructure:"random_delay"`
	AllowedFileTypes  []string          `json:"allowed_file_types" mapstructure:"allowed_file_types"`
	StayOnDomain      bool              `json:"stay_on_domain" mapstructure:"stay_on_domain"`
	AllowedDomains    []string          `json:"allowed_domains" mapstructure:"allowed_domains"`
	BlockedDomains    []string          `json:"blocked_domains" mapstructure:"blocked_domains"`
	RespectRobotsTxt  bool              `json:"respect_robots_txt" mapstructure:"respect_robots_txt"`
	OutputDir         string            `json:"output_dir" mapstructure:"output_dir"`
	SavePageContent   bool              `json:"save_page_content" mapstructure:"save_page_content"`
	PageContentFormat PageContentFormat `json:"page_content_format" mapstructure:"page_content_format"`
	MinFileSize       int64             `json:"min_file_size" mapstructure:"min_file_size"`
	MaxFileSize       int64             `json:"max_file_size" mapstructure:"max_file_size"`
	TimeoutMs         int               `json:"timeout_ms" mapstructure:"timeout_ms"`
	RequestTimeoutMs  int               `json:"request_timeout_ms" mapstructure:"request_timeout_ms"`
	UserAgent         string            `json:"user_agent" mapstructure:"user_agent"`
	Layout            Layout            `json:"layout" mapstructure:"layout"`
	Overwrite         bool              `json:"overwrite" mapstructure:"overwrite"`
	DownloadDocuments bool              `json:"download_documents" mapstructure:"download_documents"`
	EstimateFirst     bool              `json:"estimate_first" mapstructure:"estimate_first"`
}

// Clone returns a copy that shares no slices with r. Callers decode
// partial requests on top of a clone of the configured defaults.
func (r CrawlRequest) Clone() CrawlRequest {
	r.AllowedFileTypes = slices.Clone(r.AllowedFileTypes)
	r.AllowedDomains = slices.Clone(r.AllowedDomains)
	r.BlockedDomains = slices.Clone(r.BlockedDomains)
	return r
}

// Validate rejects requests the orchestrator cannot run.
func (r CrawlRequest) Validate() error {
	parsed, err := url.Parse(strings.TrimSpace(r.StartURL))
	if err != nil {
		return fmt.Errorf("start_url: %w", ErrInvalidURL)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("start_url must be http or https: %w", ErrInvalidURL)
	}
	if parsed.Host == "" {
		return fmt.Errorf("start_url host is empty: %w", ErrInvalidURL)
	}
	switch {
	case r.MaxDepth < 0:
		return fmt.Errorf("max_depth must be >= 0")
	case r.MaxPages <= 0:
		return fmt.Errorf("max_pages must be > 0")
	case r.Concurrency <= 0:
		return fmt.Errorf("concurrency must be > 0")
	case r.DelayMs < 0:
		return fmt.Errorf("delay_ms must be >= 0")
	case r.TimeoutMs < 0:
		return fmt.Errorf("timeout_ms must be >= 0")
	case r.MinFileSize < 0 || r.MaxFileSize < 0:
		return fmt.Errorf("file size bounds must be >= 0")
	case r.MaxFileSize > 0 && r.MinFileSize > r.MaxFileSize:
		return fmt.Errorf("min_file_size %d exceeds max_file_size %d", r.MinFileSize, r.MaxFileSize)
	}
	if r.SavePageContent && !r.PageContentFormat.Valid() {
		return fmt.Errorf("unknown page_content_format %q", r.PageContentFormat)
	}
	if r.Layout != "" && r.Layout != LayoutMirrored && r.Layout != LayoutFlat {
		return fmt.Errorf("unknown layout %q", r.Layout)
	}
	return nil
}

// FilterPolicy builds the filter policy described by the request.
func (r CrawlRequest) FilterPolicy() FilterPolicy {
	return FilterPolicy{
		SeedURL:          r.StartURL,
		AllowedFileTypes: r.AllowedFileTypes,
		AllowedDomains:   r.AllowedDomains,
		BlockedDomains:   r.BlockedDomains,
		StayOnDomain:     r.StayOnDomain,
		MinFileSize:      r.MinFileSize,
		MaxFileSize:      r.MaxFileSize,
	}
}

// StatsSnapshot is a point-in-time copy of the session counters.
type StatsSnapshot struct {
	PagesVisited         int64  `json:"pages_visited"`
	DocumentsFound       int64  `json:"documents_found"`
	DocumentsDownloaded  int64  `json:"documents_downloaded"`
	QueueSize            int    `json:"queue_size"`
	CurrentURL           string `json:"current_url"`
	Errors               int64  `json:"errors"`
	TotalPagesDiscovered int64  `json:"total_pages_discovered"`
	PaginationDetected   bool   `json:"pagination_detected"`
	EstimatedTotalPages  int64  `json:"estimated_total_pages"`
	Aborted              bool   `json:"aborted"`
}

// StatusSnapshot is what status pollers receive.
type StatusSnapshot struct {
	ID         string        `json:"id"`
	Status     SessionStatus `json:"status"`
	StartTime  *time.Time    `json:"start_time,omitempty"`
	EndTime    *time.Time    `json:"end_time,omitempty"`
	Error      string        `json:"error,omitempty"`
	StopReason StopReason    `json:"stop_reason,omitempty"`
	Stats      StatsSnapshot `json:"stats"`
}

// DiscoveredDocument records a resource classified as a document.
type DiscoveredDocument struct {
	URL          string    `json:"url"`
	SourceURL    string    `json:"source_url"`
	Depth        int       `json:"depth"`
	ContentType  string    `json:"content_type,omitempty"`
	Size         *int64    `json:"size,omitempty"`
	Downloaded   bool      `json:"downloaded"`
	FilePath     string    `json:"file_path,omitempty"`
	Error        string    `json:"error,omitempty"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// KnownSize returns the size or SizeUnknown.
func (d DiscoveredDocument) KnownSize() int64 {
	if d.Size == nil {
		return SizeUnknown
	}
	return *d.Size
}

// ErrorEntry is one per-URL failure recorded by a session.
type ErrorEntry struct {
	URL       string    `json:"url"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Confidence grades an estimation result.
type Confidence string

// Confidence levels.
const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
	ConfidenceError  Confidence = "error"
)

// EstimationResult is produced once per estimation call.
type EstimationResult struct {
	EstimatedTotal     int        `json:"estimated_total"`
	DiscoveredURLs     int        `json:"discovered_urls"`
	PaginationDetected bool       `json:"pagination_detected"`
	SitemapFound       bool       `json:"sitemap_found"`
	Confidence         Confidence `json:"confidence"`
	Patterns           []string   `json:"patterns"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Depth   int
	Timeout time.Duration
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// ContentType returns the response Content-Type header.
func (r FetchResponse) ContentType() string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get("Content-Type")
}

// ContentLength returns the declared body size or SizeUnknown.
func (r FetchResponse) ContentLength() int64 {
	if r.Headers == nil {
		return SizeUnknown
	}
	return parseContentLength(r.Headers.Get("Content-Length"))
}

// DownloadRequest describes one document to materialize.
type DownloadRequest struct {
	URL         string
	SourceURL   string
	ContentType string
	Size        int64
}

// DownloadOutcome reports what happened to one download.
type DownloadOutcome struct {
	URL     string `json:"url"`
	Success bool   `json:"success"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Path    string `json:"path,omitempty"`
	Size    int64  `json:"size,omitempty"`
	Error   string `json:"error,omitempty"`
}

// PageMeta describes a fetched page handed to a PageContentSaver.
type PageMeta struct {
	Depth       int
	ContentType string
	FetchedAt   time.Time
}

// PageContentResult reports the outcome of saving page content.
type PageContentResult struct {
	Success bool              `json:"success"`
	Path    string            `json:"path,omitempty"`
	Format  PageContentFormat `json:"format"`
	Reason  string            `json:"reason,omitempty"`
}

// SessionRecord is the persisted view of a session.
type SessionRecord struct {
	ID        string            `json:"id"`
	Request   CrawlRequest      `json:"request"`
	Snapshot  StatusSnapshot    `json:"snapshot"`
	Estimate  *EstimationResult `json:"estimate,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}
