package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/metrics"
)

const (
	// stagnationLimit is how many consecutive iterations may pass without a
	// new visited page before the traversal gives up.
	stagnationLimit    = 10
	paginationPriority = 1
	defaultReqTimeout  = 30 * time.Second
)

// Deps are the collaborators a Session needs.
type Deps struct {
	Fetcher Fetcher
	// Robots is consulted only when the request enables robots compliance.
	// A nil value gets a RobotsGate built from the request.
	Robots       RobotsChecker
	Downloader   DocumentDownloader
	ContentSaver PageContentSaver
	Fs           afero.Fs
	Logger       *zap.Logger
	Now          func() time.Time
	// OnStatus, when set, receives a snapshot after every status change.
	OnStatus func(StatusSnapshot)
}

// Session owns one crawl: its state machine, traversal loop, discovered
// documents and live counters. Pollers only ever see copies.
type Session struct {
	id       string
	req      CrawlRequest
	deps     Deps
	filter   *ContentFilter
	frontier *Frontier
	gate     *DispatchGate
	visited  visitTracker
	parents  sync.Map
	logger   *zap.Logger

	mu         sync.RWMutex
	status     SessionStatus
	startTime  time.Time
	endTime    time.Time
	errText    string
	stopReason StopReason
	done       chan struct{}

	pagesVisited        atomic.Int64
	pagesReserved       atomic.Int64
	documentsFound      atomic.Int64
	documentsDownloaded atomic.Int64
	errorCount          atomic.Int64
	totalDiscovered     atomic.Int64
	estimatedTotal      atomic.Int64
	paginationDetected  atomic.Bool
	aborted             atomic.Bool
	currentURL          atomic.Value

	paginationOnce sync.Once

	docMu     sync.RWMutex
	documents map[string]*DiscoveredDocument
	docOrder  []string

	errMu    sync.Mutex
	errorLog []ErrorEntry
}

// NewSession validates req and builds a pending session.
func NewSession(id string, req CrawlRequest, deps Deps) (*Session, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("validate crawl request: %w", err)
	}
	if deps.Fetcher == nil {
		return nil, errors.New("crawl session requires a fetcher")
	}
	filter, err := NewContentFilter(req.FilterPolicy())
	if err != nil {
		return nil, fmt.Errorf("build content filter: %w", err)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Fs == nil {
		deps.Fs = afero.NewOsFs()
	}
	if deps.Robots == nil && req.RespectRobotsTxt {
		deps.Robots = NewRobotsGate(RobotsConfig{
			UserAgent:    req.UserAgent,
			DefaultDelay: time.Duration(req.DelayMs) * time.Millisecond,
		}, nil, deps.Logger)
	}
	s := &Session{
		id:        id,
		req:       req,
		deps:      deps,
		filter:    filter,
		frontier:  NewFrontier(),
		gate:      NewDispatchGate(req.RandomDelay),
		visited:   newConcurrentVisitTracker(),
		logger:    deps.Logger.With(zap.String("session_id", id)),
		status:    StatusPending,
		done:      make(chan struct{}),
		documents: make(map[string]*DiscoveredDocument),
	}
	s.currentURL.Store("")
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Request returns the request the session was built from.
func (s *Session) Request() CrawlRequest { return s.req }

// Done is closed once the session reaches a terminal status.
func (s *Session) Done() <-chan struct{} { return s.done }

// Abort requests a cooperative stop. In-flight fetches finish; no new URL
// is dispatched afterwards.
func (s *Session) Abort() {
	s.aborted.Store(true)
	s.mu.RLock()
	pending := s.status == StatusPending
	s.mu.RUnlock()
	if pending {
		s.finish(StatusAborted, StopAborted, "")
	}
}

// SetEstimate records an external page estimate.
func (s *Session) SetEstimate(result EstimationResult) {
	s.raiseEstimate(int64(result.EstimatedTotal))
	if result.PaginationDetected {
		s.paginationDetected.Store(true)
	}
}

// Run executes the traversal to completion. Only setup failures are
// returned; per-URL failures are recorded in the error log.
func (s *Session) Run(ctx context.Context) error {
	if s.aborted.Load() {
		s.finish(StatusAborted, StopAborted, "")
		return nil
	}
	if err := s.setup(); err != nil {
		s.logger.Error("crawl session setup failed", zap.Error(err))
		s.finish(StatusFailed, "", err.Error())
		return err
	}

	s.mu.Lock()
	if !s.status.CanTransition(StatusRunning) {
		current := s.status
		s.mu.Unlock()
		return fmt.Errorf("session %s cannot start from status %s", s.id, current)
	}
	s.status = StatusRunning
	s.startTime = s.deps.Now()
	s.mu.Unlock()
	s.notify()

	metrics.IncSessionsRunning()
	defer metrics.DecSessionsRunning()
	s.logger.Info("crawl session started",
		zap.String("start_url", s.req.StartURL),
		zap.Int("max_depth", s.req.MaxDepth),
		zap.Int("max_pages", s.req.MaxPages),
		zap.Int("concurrency", s.req.Concurrency),
	)

	reason := s.traverse(ctx)

	if s.aborted.Load() || reason == StopCanceled {
		s.aborted.Store(true)
		s.finish(StatusAborted, reason, "")
		return nil
	}
	if s.req.DownloadDocuments && s.deps.Downloader != nil {
		if _, err := s.DownloadDocuments(ctx, nil); err != nil {
			s.logger.Warn("bulk document download failed", zap.Error(err))
		}
	}
	s.finish(StatusCompleted, reason, "")
	return nil
}

func (s *Session) setup() error {
	if s.req.OutputDir == "" {
		return nil
	}
	if err := s.deps.Fs.MkdirAll(s.req.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir %s: %w: %w", s.req.OutputDir, ErrSetup, err)
	}
	return nil
}

func (s *Session) traverse(ctx context.Context) StopReason {
	seed, err := NormalizeURL(s.req.StartURL)
	if err != nil {
		s.recordError(s.req.StartURL, err)
		return StopFrontierEmpty
	}
	s.enqueue(seed, 0, 0, "")

	var deadline time.Time
	if s.req.TimeoutMs > 0 {
		deadline = s.startTime.Add(time.Duration(s.req.TimeoutMs) * time.Millisecond)
	}
	stagnant := 0
	lastVisited := s.pagesVisited.Load()

	for {
		if reason, stop := s.shouldStop(ctx, deadline, stagnant); stop {
			return reason
		}

		batch := s.nextBatch()
		var wg sync.WaitGroup
		for _, entry := range batch {
			if s.aborted.Load() || ctx.Err() != nil {
				break
			}
			wg.Add(1)
			go func(entry FrontierEntry) {
				defer wg.Done()
				s.process(ctx, entry)
			}(entry)
		}
		wg.Wait()

		if visited := s.pagesVisited.Load(); visited > lastVisited {
			lastVisited = visited
			stagnant = 0
		} else {
			stagnant++
		}
	}
}

// shouldStop evaluates the loop exit conditions in order; the first match wins.
func (s *Session) shouldStop(ctx context.Context, deadline time.Time, stagnant int) (StopReason, bool) {
	switch {
	case s.frontier.IsEmpty():
		return StopFrontierEmpty, true
	case s.pagesVisited.Load() >= int64(s.req.MaxPages):
		return StopMaxPages, true
	case s.aborted.Load():
		return StopAborted, true
	case ctx.Err() != nil:
		return StopCanceled, true
	case !deadline.IsZero() && s.deps.Now().After(deadline):
		return StopTimeout, true
	case stagnant > stagnationLimit:
		return StopStagnation, true
	default:
		return "", false
	}
}

func (s *Session) nextBatch() []FrontierEntry {
	size := s.req.Concurrency
	if remaining := int64(s.req.MaxPages) - s.pagesVisited.Load(); remaining < int64(size) {
		size = int(max(remaining, 1))
	}
	batch := make([]FrontierEntry, 0, size)
	for len(batch) < size {
		entry, ok := s.frontier.Dequeue()
		if !ok {
			break
		}
		batch = append(batch, entry)
	}
	return batch
}

func (s *Session) process(ctx context.Context, entry FrontierEntry) {
	logger := s.logger.With(zap.String("url", entry.URL), zap.Int("depth", entry.Depth))

	if !s.visited.MarkIfNew(entry.URL) {
		s.skip(logger, SkipVisited)
		return
	}
	if entry.Depth > s.req.MaxDepth {
		s.skip(logger, SkipDepth)
		return
	}
	if !s.filter.ShouldCrawl(entry.URL) {
		s.skip(logger, SkipFiltered)
		return
	}
	if s.req.RespectRobotsTxt && !s.deps.Robots.IsAllowed(ctx, entry.URL) {
		logger.Info("robots.txt disallows url")
		s.skip(logger, SkipRobots)
		return
	}
	if !s.reservePage() {
		s.skip(logger, SkipBudget)
		return
	}
	counted := false
	defer func() {
		if !counted {
			s.pagesReserved.Add(-1)
		}
	}()

	if err := s.gate.Wait(ctx, s.delayFor(ctx, entry.URL)); err != nil {
		return
	}
	s.currentURL.Store(entry.URL)

	resp, err := s.deps.Fetcher.Fetch(ctx, FetchRequest{
		URL:     entry.URL,
		Depth:   entry.Depth,
		Timeout: s.requestTimeout(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Warn("fetch failed", zap.Error(err))
		s.recordError(entry.URL, err)
		return
	}
	finalURL := resp.URL
	if finalURL == "" {
		finalURL = entry.URL
	}
	if normalized, err := NormalizeURL(finalURL); err == nil && normalized != entry.URL {
		s.visited.MarkIfNew(normalized)
	}

	class := s.filter.Classify(finalURL, resp.ContentType())
	switch class.Kind {
	case KindHTMLPage:
		counted = true
		s.pagesVisited.Add(1)
		s.handleHTML(ctx, entry, finalURL, resp, logger)
	case KindDocument:
		source, _ := s.parents.Load(entry.URL)
		sourceURL, _ := source.(string)
		s.registerDocument(entry.URL, sourceURL, entry.Depth, resp.ContentType(), resp.ContentLength())
	default:
		logger.Debug("ignoring unsupported content", zap.String("content_type", resp.ContentType()))
	}
}

func (s *Session) handleHTML(ctx context.Context, entry FrontierEntry, finalURL string, resp FetchResponse, logger *zap.Logger) {
	pageURL, err := url.Parse(finalURL)
	if err != nil {
		s.recordError(finalURL, fmt.Errorf("parse final url: %w", ErrInvalidURL))
		return
	}
	doc, err := ParseHTML(resp.Body)
	if err != nil {
		logger.Warn("html parse failed", zap.Error(err))
		s.recordError(finalURL, err)
		return
	}

	if s.req.SavePageContent && s.deps.ContentSaver != nil {
		result, err := s.deps.ContentSaver.SavePageContent(ctx, finalURL, resp.Body, PageMeta{
			Depth:       entry.Depth,
			ContentType: resp.ContentType(),
			FetchedAt:   s.deps.Now(),
		})
		switch {
		case err != nil:
			logger.Warn("save page content failed", zap.Error(err))
			s.recordError(finalURL, err)
		case !result.Success:
			logger.Debug("page content not saved", zap.String("reason", result.Reason))
		}
	}

	base := DocumentBase(doc, pageURL)
	nextDepth := entry.Depth + 1

	paginationLinks := make(map[string]struct{})
	if entry.Depth == 0 {
		s.paginationOnce.Do(func() {
			result := DetectPagination(doc, pageURL)
			if !result.Detected {
				return
			}
			s.paginationDetected.Store(true)
			s.raiseEstimate(int64(result.MaxPage))
			logger.Info("pagination detected",
				zap.Int("max_page", result.MaxPage),
				zap.Strings("patterns", result.Patterns),
			)
			for _, link := range result.URLs {
				paginationLinks[link] = struct{}{}
				if nextDepth <= s.req.MaxDepth && s.filter.ShouldCrawl(link) {
					s.enqueue(link, nextDepth, paginationPriority, finalURL)
				}
			}
		})
	}

	for _, link := range ExtractLinks(doc, base) {
		if _, isPage := paginationLinks[link]; isPage {
			continue
		}
		if s.filter.IsDocument(link, "") {
			s.registerDocument(link, finalURL, nextDepth, "", SizeUnknown)
			continue
		}
		if nextDepth > s.req.MaxDepth || !s.filter.ShouldCrawl(link) {
			continue
		}
		s.enqueue(link, nextDepth, 0, finalURL)
	}
	for _, embed := range ExtractEmbeds(doc, base) {
		if s.filter.IsDocument(embed, "") {
			s.registerDocument(embed, finalURL, nextDepth, "", SizeUnknown)
		}
	}
	s.raiseEstimate(s.totalDiscovered.Load())
}

func (s *Session) enqueue(link string, depth, priority int, source string) {
	if !s.frontier.Enqueue(link, depth, priority) {
		return
	}
	s.totalDiscovered.Add(1)
	if source != "" {
		s.parents.Store(link, source)
	}
}

func (s *Session) registerDocument(rawURL, sourceURL string, depth int, contentType string, size int64) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || s.filter.IsBlocked(u.Hostname()) {
		return
	}
	s.docMu.Lock()
	if _, exists := s.documents[rawURL]; exists {
		s.docMu.Unlock()
		return
	}
	doc := &DiscoveredDocument{
		URL:          rawURL,
		SourceURL:    sourceURL,
		Depth:        depth,
		ContentType:  contentType,
		DiscoveredAt: s.deps.Now(),
	}
	if size >= 0 {
		doc.Size = &size
	}
	s.documents[rawURL] = doc
	s.docOrder = append(s.docOrder, rawURL)
	s.docMu.Unlock()

	s.documentsFound.Add(1)
	metrics.ObserveDocumentDiscovered()
	s.logger.Debug("document discovered", zap.String("url", rawURL), zap.String("source_url", sourceURL))
}

func (s *Session) reservePage() bool {
	for {
		current := s.pagesReserved.Load()
		if current >= int64(s.req.MaxPages) {
			return false
		}
		if s.pagesReserved.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (s *Session) raiseEstimate(n int64) {
	for {
		current := s.estimatedTotal.Load()
		if n <= current || s.estimatedTotal.CompareAndSwap(current, n) {
			return
		}
	}
}

func (s *Session) delayFor(ctx context.Context, rawURL string) time.Duration {
	delay := time.Duration(s.req.DelayMs) * time.Millisecond
	if s.req.RespectRobotsTxt {
		if robotsDelay := s.deps.Robots.CrawlDelay(ctx, rawURL); robotsDelay > delay {
			delay = robotsDelay
		}
	}
	return delay
}

func (s *Session) requestTimeout() time.Duration {
	if s.req.RequestTimeoutMs > 0 {
		return time.Duration(s.req.RequestTimeoutMs) * time.Millisecond
	}
	return defaultReqTimeout
}

func (s *Session) skip(logger *zap.Logger, reason SkipReason) {
	metrics.ObserveSkip(string(reason))
	logger.Debug("skipping url", zap.String("reason", string(reason)))
}

func (s *Session) recordError(rawURL string, err error) {
	s.errorCount.Add(1)
	s.errMu.Lock()
	s.errorLog = append(s.errorLog, ErrorEntry{
		URL:       rawURL,
		Error:     err.Error(),
		Timestamp: s.deps.Now(),
	})
	s.errMu.Unlock()
}

func (s *Session) finish(status SessionStatus, reason StopReason, errText string) {
	s.mu.Lock()
	if !s.status.CanTransition(status) {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.stopReason = reason
	s.errText = errText
	s.endTime = s.deps.Now()
	s.mu.Unlock()
	s.notify()
	close(s.done)

	metrics.ObserveSession(string(status))
	s.logger.Info("crawl session finished",
		zap.String("status", string(status)),
		zap.String("stop_reason", string(reason)),
		zap.Int64("pages_visited", s.pagesVisited.Load()),
		zap.Int64("documents_found", s.documentsFound.Load()),
		zap.Int64("errors", s.errorCount.Load()),
	)
}

func (s *Session) notify() {
	if s.deps.OnStatus != nil {
		s.deps.OnStatus(s.Snapshot())
	}
}

// Status returns the current lifecycle state.
func (s *Session) Status() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Snapshot returns a consistent copy of the session state for pollers.
func (s *Session) Snapshot() StatusSnapshot {
	s.mu.RLock()
	snap := StatusSnapshot{
		ID:         s.id,
		Status:     s.status,
		Error:      s.errText,
		StopReason: s.stopReason,
	}
	if !s.startTime.IsZero() {
		start := s.startTime
		snap.StartTime = &start
	}
	if !s.endTime.IsZero() {
		end := s.endTime
		snap.EndTime = &end
	}
	s.mu.RUnlock()

	current, _ := s.currentURL.Load().(string)
	snap.Stats = StatsSnapshot{
		PagesVisited:         s.pagesVisited.Load(),
		DocumentsFound:       s.documentsFound.Load(),
		DocumentsDownloaded:  s.documentsDownloaded.Load(),
		QueueSize:            s.frontier.Size(),
		CurrentURL:           current,
		Errors:               s.errorCount.Load(),
		TotalPagesDiscovered: s.totalDiscovered.Load(),
		PaginationDetected:   s.paginationDetected.Load(),
		EstimatedTotalPages:  s.estimatedTotal.Load(),
		Aborted:              s.aborted.Load(),
	}
	return snap
}

// Documents returns copies of every discovered document in discovery order.
func (s *Session) Documents() []DiscoveredDocument {
	s.docMu.RLock()
	defer s.docMu.RUnlock()
	out := make([]DiscoveredDocument, 0, len(s.docOrder))
	for _, key := range s.docOrder {
		out = append(out, copyDocument(s.documents[key]))
	}
	return out
}

// Errors returns a copy of the per-URL error log.
func (s *Session) Errors() []ErrorEntry {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return append([]ErrorEntry(nil), s.errorLog...)
}

// DownloadDocuments retrieves the given discovered documents, or every
// document not yet downloaded when urls is empty. It may be called while
// the traversal runs or after the session ended.
func (s *Session) DownloadDocuments(ctx context.Context, urls []string) ([]DownloadOutcome, error) {
	if s.deps.Downloader == nil {
		return nil, fmt.Errorf("session %s has no document downloader", s.id)
	}

	var (
		requests []DownloadRequest
		unknown  []DownloadOutcome
	)
	s.docMu.RLock()
	if len(urls) == 0 {
		for _, key := range s.docOrder {
			if doc := s.documents[key]; !doc.Downloaded {
				requests = append(requests, downloadRequestFor(doc))
			}
		}
	} else {
		for _, raw := range urls {
			doc, ok := s.documents[raw]
			if !ok {
				unknown = append(unknown, DownloadOutcome{URL: raw, Skipped: true, Reason: "not a discovered document"})
				continue
			}
			requests = append(requests, downloadRequestFor(doc))
		}
	}
	s.docMu.RUnlock()

	outcomes := s.deps.Downloader.DownloadBatch(ctx, requests)
	for _, outcome := range outcomes {
		s.applyOutcome(outcome)
	}
	return append(outcomes, unknown...), nil
}

func (s *Session) applyOutcome(outcome DownloadOutcome) {
	s.docMu.Lock()
	doc, ok := s.documents[outcome.URL]
	if !ok {
		s.docMu.Unlock()
		return
	}
	switch {
	case outcome.Success:
		doc.Downloaded = true
		doc.FilePath = outcome.Path
		doc.Error = ""
		if outcome.Size > 0 {
			size := outcome.Size
			doc.Size = &size
		}
	case outcome.Error != "":
		doc.Error = outcome.Error
	case outcome.Path != "":
		doc.FilePath = outcome.Path
	}
	s.docMu.Unlock()

	switch {
	case outcome.Success:
		s.documentsDownloaded.Add(1)
	case outcome.Error != "":
		s.recordError(outcome.URL, errors.New(outcome.Error))
	}
}

func downloadRequestFor(doc *DiscoveredDocument) DownloadRequest {
	return DownloadRequest{
		URL:         doc.URL,
		SourceURL:   doc.SourceURL,
		ContentType: doc.ContentType,
		Size:        doc.KnownSize(),
	}
}

func copyDocument(doc *DiscoveredDocument) DiscoveredDocument {
	out := *doc
	if doc.Size != nil {
		size := *doc.Size
		out.Size = &size
	}
	return out
}
