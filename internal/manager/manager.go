// Package manager owns the registry of crawl sessions: it builds each
// session's collaborators, runs it in the background and persists its
// record on every status change.
package manager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/document"
	"github.com/JakeFAU/sitecrawler/internal/estimator"
	collyfetcher "github.com/JakeFAU/sitecrawler/internal/fetcher/colly"
	"github.com/JakeFAU/sitecrawler/internal/policy/ratelimit"
	"github.com/JakeFAU/sitecrawler/internal/storage/memory"
)

var (
	// ErrSessionNotFound is returned for IDs the manager has never seen.
	ErrSessionNotFound = crawler.ErrSessionNotFound
	// ErrInvalidRequest wraps every crawl request validation failure.
	ErrInvalidRequest = errors.New("invalid crawl request")
	// ErrShutdown is returned by Start once Shutdown has been called.
	ErrShutdown = errors.New("manager is shut down")
)

const persistTimeout = 5 * time.Second

// DownloadConfig tunes the per-session document fetcher.
type DownloadConfig struct {
	BatchSize         int
	BatchPause        time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Config carries the defaults applied to every session.
type Config struct {
	Defaults     crawler.CrawlRequest
	Download     DownloadConfig
	Estimator    estimator.Config
	MaxBodyBytes int
	MaxRedirects int
}

// Deps are the shared collaborators. Only Logger is commonly set; the rest
// default to production implementations.
type Deps struct {
	Store  crawler.SessionStore
	Client *http.Client
	Fs     afero.Fs
	Logger *zap.Logger
	Now    func() time.Time
	NewID  func() (string, error)
	// PageFetcher replaces the colly fetcher built per session.
	PageFetcher crawler.Fetcher
	// Estimator replaces the estimator built from Config.Estimator.
	Estimator Estimator
}

// Estimator predicts a site's page count.
type Estimator interface {
	Estimate(ctx context.Context, req estimator.EstimateRequest) crawler.EstimationResult
}

type entry struct {
	session  *crawler.Session
	created  time.Time
	estimate *crawler.EstimationResult
}

// Manager runs crawl sessions in the background and answers queries about
// them. It is safe for concurrent use.
type Manager struct {
	cfg       Config
	deps      Deps
	logger    *zap.Logger
	estimator Estimator
	limiter   *ratelimit.Limiter

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*entry
	closed   bool
}

// New builds a Manager.
func New(cfg Config, deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Store == nil {
		deps.Store = memory.NewSessionStore()
	}
	if deps.Client == nil {
		deps.Client = &http.Client{Timeout: 60 * time.Second}
	}
	if deps.Fs == nil {
		deps.Fs = afero.NewOsFs()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = newSessionID
	}
	est := deps.Estimator
	if est == nil {
		if cfg.Estimator.UserAgent == "" {
			cfg.Estimator.UserAgent = cfg.Defaults.UserAgent
		}
		est = estimator.New(cfg.Estimator, deps.Client, nil, deps.Logger.Named("estimator"))
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		deps:      deps,
		logger:    deps.Logger,
		estimator: est,
		limiter: ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Download.RequestsPerSecond,
			DefaultBurst: cfg.Download.Burst,
		}),
		runCtx:    runCtx,
		cancelRun: cancel,
		sessions:  make(map[string]*entry),
	}
}

func newSessionID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return id.String(), nil
}

// Defaults returns a copy of the configured session defaults. Callers
// overlay the fields they want to change and pass the result to Start.
func (m *Manager) Defaults() crawler.CrawlRequest {
	return m.cfg.Defaults.Clone()
}

// Start validates req, registers a pending session and runs it in the
// background. req is used as given; build it from Defaults. The returned
// ID is usable immediately.
func (m *Manager) Start(ctx context.Context, req crawler.CrawlRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	id, err := m.deps.NewID()
	if err != nil {
		return "", err
	}
	logger := m.logger.With(zap.String("session_id", id))

	session, err := m.buildSession(id, req, logger)
	if err != nil {
		return "", err
	}
	e := &entry{session: session, created: m.deps.Now()}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrShutdown
	}
	m.sessions[id] = e
	m.wg.Add(1)
	m.mu.Unlock()

	if err := m.deps.Store.Save(ctx, m.record(e, session.Snapshot())); err != nil {
		logger.Warn("persist new session failed", zap.Error(err))
	}
	go m.run(e, logger)
	logger.Info("crawl session queued", zap.String("start_url", req.StartURL))
	return id, nil
}

func (m *Manager) buildSession(id string, req crawler.CrawlRequest, logger *zap.Logger) (*crawler.Session, error) {
	requestTimeout := time.Duration(req.RequestTimeoutMs) * time.Millisecond

	filter, err := crawler.NewContentFilter(req.FilterPolicy())
	if err != nil {
		return nil, fmt.Errorf("build content filter: %w", err)
	}
	docs, err := document.New(document.Config{
		OutputDir:  req.OutputDir,
		Layout:     req.Layout,
		Overwrite:  req.Overwrite,
		UserAgent:  req.UserAgent,
		BatchSize:  m.cfg.Download.BatchSize,
		BatchPause: m.cfg.Download.BatchPause,
		PageFormat: req.PageContentFormat,
	}, document.Deps{
		Client:  m.deps.Client,
		Fs:      m.deps.Fs,
		Filter:  filter,
		Limiter: m.limiter,
		Logger:  logger.Named("document"),
	})
	var (
		downloader crawler.DocumentDownloader
		saver      crawler.PageContentSaver
	)
	if err != nil {
		// The session's own setup reports the unusable output dir and fails.
		logger.Warn("document fetcher unavailable", zap.Error(err))
	} else {
		downloader, saver = docs, docs
	}

	pages := m.deps.PageFetcher
	if pages == nil {
		pages = collyfetcher.New(collyfetcher.Config{
			UserAgent:    req.UserAgent,
			Timeout:      requestTimeout,
			MaxBodySize:  m.cfg.MaxBodyBytes,
			MaxRedirects: m.cfg.MaxRedirects,
		})
	}
	var robots crawler.RobotsChecker
	if req.RespectRobotsTxt {
		robots = crawler.NewRobotsGate(crawler.RobotsConfig{
			UserAgent:    req.UserAgent,
			DefaultDelay: time.Duration(req.DelayMs) * time.Millisecond,
			Timeout:      requestTimeout,
		}, m.deps.Client, logger.Named("robots"))
	}

	session, err := crawler.NewSession(id, req, crawler.Deps{
		Fetcher:      pages,
		Robots:       robots,
		Downloader:   downloader,
		ContentSaver: saver,
		Fs:           m.deps.Fs,
		Logger:       logger,
		Now:          m.deps.Now,
		OnStatus:     func(snap crawler.StatusSnapshot) { m.persist(id, snap) },
	})
	if err != nil {
		return nil, fmt.Errorf("build crawl session: %w", err)
	}
	return session, nil
}

func (m *Manager) run(e *entry, logger *zap.Logger) {
	defer m.wg.Done()
	req := e.session.Request()
	if req.EstimateFirst && e.session.Status() == crawler.StatusPending {
		result := m.estimator.Estimate(m.runCtx, estimator.EstimateRequest{
			URL:       req.StartURL,
			TimeoutMs: req.TimeoutMs,
		})
		e.session.SetEstimate(result)
		m.mu.Lock()
		e.estimate = &result
		m.mu.Unlock()
		logger.Info("pre-crawl estimate",
			zap.Int("estimated_total", result.EstimatedTotal),
			zap.String("confidence", string(result.Confidence)),
		)
	}
	if err := e.session.Run(m.runCtx); err != nil {
		logger.Error("crawl session failed", zap.Error(err))
	}
}

func (m *Manager) persist(id string, snap crawler.StatusSnapshot) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	var record crawler.SessionRecord
	if ok {
		record = m.record(e, snap)
	}
	m.mu.RUnlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.deps.Store.Save(ctx, record); err != nil {
		m.logger.Warn("persist session failed", zap.String("session_id", id), zap.Error(err))
	}
}

// record must be called with m.mu held or before e is shared.
func (m *Manager) record(e *entry, snap crawler.StatusSnapshot) crawler.SessionRecord {
	rec := crawler.SessionRecord{
		ID:        e.session.ID(),
		Request:   e.session.Request(),
		Snapshot:  snap,
		CreatedAt: e.created,
		UpdatedAt: m.deps.Now(),
	}
	if e.estimate != nil {
		estimate := *e.estimate
		rec.Estimate = &estimate
	}
	return rec
}

func (m *Manager) lookup(id string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	return e, ok
}

// Status returns the live snapshot of a session, or its last persisted
// snapshot when the session is not held in memory.
func (m *Manager) Status(ctx context.Context, id string) (crawler.StatusSnapshot, error) {
	if e, ok := m.lookup(id); ok {
		return e.session.Snapshot(), nil
	}
	record, err := m.deps.Store.Get(ctx, id)
	if err != nil {
		return crawler.StatusSnapshot{}, fmt.Errorf("load session %s: %w", id, err)
	}
	return record.Snapshot, nil
}

// Abort requests a cooperative stop of a session.
func (m *Manager) Abort(id string) error {
	e, ok := m.lookup(id)
	if !ok {
		return ErrSessionNotFound
	}
	e.session.Abort()
	m.logger.Info("crawl session abort requested", zap.String("session_id", id))
	return nil
}

// Documents lists the documents a session has discovered so far.
func (m *Manager) Documents(id string) ([]crawler.DiscoveredDocument, error) {
	e, ok := m.lookup(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e.session.Documents(), nil
}

// Errors lists the per-URL failures a session has recorded so far.
func (m *Manager) Errors(id string) ([]crawler.ErrorEntry, error) {
	e, ok := m.lookup(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e.session.Errors(), nil
}

// Download fetches discovered documents of a session. An empty urls list
// downloads every document not yet on disk.
func (m *Manager) Download(ctx context.Context, id string, urls []string) ([]crawler.DownloadOutcome, error) {
	e, ok := m.lookup(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	outcomes, err := e.session.DownloadDocuments(ctx, urls)
	if err != nil {
		return nil, fmt.Errorf("download session %s documents: %w", id, err)
	}
	m.persist(id, e.session.Snapshot())
	return outcomes, nil
}

// Estimate runs a standalone page estimate. It never fails.
func (m *Manager) Estimate(ctx context.Context, req estimator.EstimateRequest) crawler.EstimationResult {
	return m.estimator.Estimate(ctx, req)
}

// List returns every known session record, newest first, with live
// snapshots for sessions held in memory.
func (m *Manager) List(ctx context.Context) ([]crawler.SessionRecord, error) {
	records, err := m.deps.Store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	for i := range records {
		if e, ok := m.lookup(records[i].ID); ok {
			records[i].Snapshot = e.session.Snapshot()
		}
	}
	return records, nil
}

// Wait blocks until the session reaches a terminal status or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) (crawler.StatusSnapshot, error) {
	e, ok := m.lookup(id)
	if !ok {
		return crawler.StatusSnapshot{}, ErrSessionNotFound
	}
	select {
	case <-e.session.Done():
		return e.session.Snapshot(), nil
	case <-ctx.Done():
		return e.session.Snapshot(), fmt.Errorf("wait for session %s: %w", id, ctx.Err())
	}
}

// Shutdown aborts every session and waits for them to finish. When ctx
// ends first, in-flight work is canceled and ctx's error returned.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	live := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		live = append(live, e)
	}
	m.mu.Unlock()

	for _, e := range live {
		e.session.Abort()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.cancelRun()
		return nil
	case <-ctx.Done():
		m.cancelRun()
		<-done
		return fmt.Errorf("shutdown sessions: %w", ctx.Err())
	}
}
