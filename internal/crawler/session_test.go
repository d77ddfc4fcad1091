package crawler

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubPage struct {
	contentType string
	body        string
	err         error
}

type stubFetcher struct {
	mu      sync.Mutex
	pages   map[string]stubPage
	calls   []string
	onFetch func(url string)
}

func (f *stubFetcher) Fetch(_ context.Context, req FetchRequest) (FetchResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.URL)
	page, ok := f.pages[req.URL]
	hook := f.onFetch
	f.mu.Unlock()

	if hook != nil {
		hook(req.URL)
	}
	if !ok {
		return FetchResponse{}, fmt.Errorf("fetch %s: status 404: %w", req.URL, ErrNetwork)
	}
	if page.err != nil {
		return FetchResponse{}, page.err
	}
	contentType := page.contentType
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	return FetchResponse{
		URL:        req.URL,
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": []string{contentType}},
		Body:       []byte(page.body),
	}, nil
}

func (f *stubFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type stubRobots struct {
	allowed map[string]bool
}

func (r stubRobots) IsAllowed(_ context.Context, rawURL string) bool { return r.allowed[rawURL] }

func (stubRobots) CrawlDelay(context.Context, string) time.Duration { return 0 }

func (stubRobots) Sitemaps(context.Context, string) []string { return nil }

type stubDownloader struct {
	mu       sync.Mutex
	requests []DownloadRequest
}

func (d *stubDownloader) Download(_ context.Context, req DownloadRequest) (DownloadOutcome, error) {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.mu.Unlock()
	if strings.HasSuffix(req.URL, "broken.pdf") {
		return DownloadOutcome{URL: req.URL, Error: "status 500"}, fmt.Errorf("download %s: %w", req.URL, ErrDownload)
	}
	return DownloadOutcome{URL: req.URL, Success: true, Path: "/out/" + req.URL[strings.LastIndex(req.URL, "/")+1:], Size: 42}, nil
}

func (d *stubDownloader) DownloadBatch(ctx context.Context, reqs []DownloadRequest) []DownloadOutcome {
	out := make([]DownloadOutcome, 0, len(reqs))
	for _, req := range reqs {
		outcome, _ := d.Download(ctx, req)
		out = append(out, outcome)
	}
	return out
}

func htmlPage(links ...string) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	for _, link := range links {
		fmt.Fprintf(&b, `<a href="%s">link</a>`, link)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func baseRequest() CrawlRequest {
	return CrawlRequest{
		StartURL:         "https://example.test/",
		MaxDepth:         3,
		MaxPages:         100,
		Concurrency:      2,
		AllowedFileTypes: []string{"pdf"},
		StayOnDomain:     true,
	}
}

func newTestSession(t *testing.T, req CrawlRequest, deps Deps) *Session {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = zaptest.NewLogger(t)
	}
	if deps.Fs == nil {
		deps.Fs = afero.NewMemMapFs()
	}
	session, err := NewSession("sess-1", req, deps)
	require.NoError(t, err)
	return session
}

func TestNewSessionValidates(t *testing.T) {
	t.Parallel()

	req := baseRequest()
	req.StartURL = "ftp://example.test/"
	_, err := NewSession("bad", req, Deps{Fetcher: &stubFetcher{}})
	require.ErrorIs(t, err, ErrInvalidURL)

	_, err = NewSession("nofetcher", baseRequest(), Deps{})
	require.Error(t, err)
}

func TestSessionMaxDepthZeroVisitsOnlySeed(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{pages: map[string]stubPage{
		"https://example.test/":  {body: htmlPage("/a", "/b", "/report.pdf")},
		"https://example.test/a": {body: htmlPage()},
		"https://example.test/b": {body: htmlPage()},
	}}
	req := baseRequest()
	req.MaxDepth = 0
	session := newTestSession(t, req, Deps{Fetcher: fetcher})

	require.NoError(t, session.Run(context.Background()))

	snap := session.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, StopFrontierEmpty, snap.StopReason)
	assert.Equal(t, int64(1), snap.Stats.PagesVisited)
	assert.Equal(t, 1, fetcher.callCount())
	assert.Equal(t, int64(1), snap.Stats.DocumentsFound)
	require.NotNil(t, snap.StartTime)
	require.NotNil(t, snap.EndTime)
}

func TestSessionNeverExceedsMaxPages(t *testing.T) {
	t.Parallel()

	pages := make(map[string]stubPage)
	for i := range 30 {
		var links []string
		for j := 1; j <= 5; j++ {
			links = append(links, fmt.Sprintf("/p%d", i*5+j))
		}
		key := fmt.Sprintf("https://example.test/p%d", i)
		if i == 0 {
			key = "https://example.test/"
		}
		pages[key] = stubPage{body: htmlPage(links...)}
	}
	fetcher := &stubFetcher{pages: pages}
	req := baseRequest()
	req.MaxPages = 3
	req.Concurrency = 4
	session := newTestSession(t, req, Deps{Fetcher: fetcher})

	require.NoError(t, session.Run(context.Background()))

	snap := session.Snapshot()
	assert.Equal(t, StopMaxPages, snap.StopReason)
	assert.Equal(t, int64(3), snap.Stats.PagesVisited)
	assert.LessOrEqual(t, fetcher.callCount(), 3)
	assert.Positive(t, snap.Stats.QueueSize)
}

func TestSessionRegistersDocuments(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{pages: map[string]stubPage{
		"https://example.test/": {body: `<html><body>
			<a href="/files/annual.pdf">Annual</a>
			<a href="/files/annual.pdf">Again</a>
			<embed src="/files/brochure.PDF">
			<a href="https://blocked.test/other.pdf">Blocked</a>
			<a href="/next">Next</a>
		</body></html>`},
		"https://example.test/next": {body: htmlPage("/files/annual.pdf")},
	}}
	req := baseRequest()
	req.BlockedDomains = []string{"blocked.test"}
	session := newTestSession(t, req, Deps{Fetcher: fetcher})

	require.NoError(t, session.Run(context.Background()))

	docs := session.Documents()
	require.Len(t, docs, 2)
	assert.Equal(t, "https://example.test/files/annual.pdf", docs[0].URL)
	assert.Equal(t, "https://example.test/", docs[0].SourceURL)
	assert.Equal(t, 1, docs[0].Depth)
	assert.Nil(t, docs[0].Size)
	assert.Equal(t, "https://example.test/files/brochure.PDF", docs[1].URL)
	assert.Equal(t, int64(2), session.Snapshot().Stats.DocumentsFound)
	assert.Equal(t, int64(2), session.Snapshot().Stats.PagesVisited)
}

func TestSessionRegistersFetchedDocuments(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{pages: map[string]stubPage{
		"https://example.test/":         {body: htmlPage("/download?id=7")},
		"https://example.test/download": {},
		"https://example.test/download?id=7": {
			contentType: "application/pdf",
			body:        "%PDF-1.4",
		},
	}}
	session := newTestSession(t, baseRequest(), Deps{Fetcher: fetcher})

	require.NoError(t, session.Run(context.Background()))

	docs := session.Documents()
	require.Len(t, docs, 1)
	assert.Equal(t, "https://example.test/download?id=7", docs[0].URL)
	assert.Equal(t, "https://example.test/", docs[0].SourceURL)
	assert.Equal(t, "application/pdf", docs[0].ContentType)
	assert.Equal(t, int64(1), session.Snapshot().Stats.PagesVisited)
}

func TestSessionRecordsFetchErrors(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{pages: map[string]stubPage{
		"https://example.test/": {body: htmlPage("/missing", "/ok")},
		"https://example.test/ok": {body: htmlPage()},
	}}
	session := newTestSession(t, baseRequest(), Deps{Fetcher: fetcher})

	require.NoError(t, session.Run(context.Background()))

	snap := session.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, int64(2), snap.Stats.PagesVisited)
	assert.Equal(t, int64(1), snap.Stats.Errors)
	errs := session.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, "https://example.test/missing", errs[0].URL)
	assert.Contains(t, errs[0].Error, "404")
}

func TestSessionAbortStopsDispatch(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	fetcher := &stubFetcher{
		pages: map[string]stubPage{
			"https://example.test/": {body: htmlPage("/a", "/b", "/c", "/guide.pdf")},
		},
		onFetch: func(string) {
			once.Do(func() { close(started) })
			<-release
		},
	}
	session := newTestSession(t, baseRequest(), Deps{Fetcher: fetcher})

	errCh := make(chan error, 1)
	go func() { errCh <- session.Run(context.Background()) }()

	<-started
	session.Abort()
	close(release)

	require.NoError(t, <-errCh)
	snap := session.Snapshot()
	assert.Equal(t, StatusAborted, snap.Status)
	assert.True(t, snap.Stats.Aborted)
	assert.Equal(t, 1, fetcher.callCount())
	require.Len(t, session.Documents(), 1)
	assert.Equal(t, "https://example.test/guide.pdf", session.Documents()[0].URL)
}

func TestSessionAbortBeforeRun(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{}
	session := newTestSession(t, baseRequest(), Deps{Fetcher: fetcher})
	session.Abort()

	require.Equal(t, StatusAborted, session.Status())
	require.NoError(t, session.Run(context.Background()))
	require.Equal(t, 0, fetcher.callCount())
	select {
	case <-session.Done():
	default:
		t.Fatal("expected done channel to be closed")
	}
}

func TestSessionContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	fetcher := &stubFetcher{
		pages: map[string]stubPage{
			"https://example.test/": {body: htmlPage("/a", "/b")},
		},
		onFetch: func(string) { cancel() },
	}
	session := newTestSession(t, baseRequest(), Deps{Fetcher: fetcher})

	require.NoError(t, session.Run(ctx))

	snap := session.Snapshot()
	assert.Equal(t, StatusAborted, snap.Status)
	assert.Equal(t, StopCanceled, snap.StopReason)
}

func TestSessionStagnation(t *testing.T) {
	t.Parallel()

	var links []string
	for i := range 50 {
		links = append(links, fmt.Sprintf("/blocked/%d", i))
	}
	fetcher := &stubFetcher{pages: map[string]stubPage{
		"https://example.test/": {body: htmlPage(links...)},
	}}
	req := baseRequest()
	req.MaxDepth = 1
	req.Concurrency = 1
	req.RespectRobotsTxt = true
	robots := stubRobots{allowed: map[string]bool{"https://example.test/": true}}
	session := newTestSession(t, req, Deps{Fetcher: fetcher, Robots: robots})

	require.NoError(t, session.Run(context.Background()))

	snap := session.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, StopStagnation, snap.StopReason)
	assert.Equal(t, int64(1), snap.Stats.PagesVisited)
	assert.Equal(t, 1, fetcher.callCount())
	assert.Positive(t, snap.Stats.QueueSize)
}

func TestSessionSetupFailure(t *testing.T) {
	t.Parallel()

	req := baseRequest()
	req.OutputDir = "/output"
	session := newTestSession(t, req, Deps{
		Fetcher: &stubFetcher{},
		Fs:      afero.NewReadOnlyFs(afero.NewMemMapFs()),
	})

	err := session.Run(context.Background())
	require.ErrorIs(t, err, ErrSetup)

	snap := session.Snapshot()
	assert.Equal(t, StatusFailed, snap.Status)
	assert.NotEmpty(t, snap.Error)
	assert.Nil(t, snap.StartTime)

	require.Error(t, session.Run(context.Background()), "a finished session cannot run again")
}

func TestSessionPaginationRaisesEstimate(t *testing.T) {
	t.Parallel()

	pages := map[string]stubPage{
		"https://example.test/list": {body: htmlPage("/list?page=2", "/list?page=3", "/list?page=5")},
	}
	for _, n := range []int{2, 3, 4, 5} {
		pages[fmt.Sprintf("https://example.test/list?page=%d", n)] = stubPage{body: htmlPage()}
	}
	fetcher := &stubFetcher{pages: pages}
	req := baseRequest()
	req.StartURL = "https://example.test/list"
	req.MaxDepth = 1
	session := newTestSession(t, req, Deps{Fetcher: fetcher})

	require.NoError(t, session.Run(context.Background()))

	snap := session.Snapshot()
	assert.True(t, snap.Stats.PaginationDetected)
	assert.GreaterOrEqual(t, snap.Stats.EstimatedTotalPages, int64(5))
	assert.Equal(t, int64(5), snap.Stats.PagesVisited)
}

func TestSessionDownloadDocuments(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{pages: map[string]stubPage{
		"https://example.test/": {body: htmlPage("/good.pdf", "/broken.pdf")},
	}}
	downloader := &stubDownloader{}
	req := baseRequest()
	req.DownloadDocuments = true
	session := newTestSession(t, req, Deps{Fetcher: fetcher, Downloader: downloader})

	require.NoError(t, session.Run(context.Background()))

	docs := session.Documents()
	require.Len(t, docs, 2)
	assert.True(t, docs[0].Downloaded)
	assert.Equal(t, "/out/good.pdf", docs[0].FilePath)
	require.NotNil(t, docs[0].Size)
	assert.Equal(t, int64(42), *docs[0].Size)
	assert.False(t, docs[1].Downloaded)
	assert.Equal(t, "status 500", docs[1].Error)

	snap := session.Snapshot()
	assert.Equal(t, int64(1), snap.Stats.DocumentsDownloaded)
	assert.Equal(t, int64(1), snap.Stats.Errors)

	outcomes, err := session.DownloadDocuments(context.Background(), []string{"https://example.test/unknown.pdf"})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Skipped)
}

func TestSessionDownloadDocumentsWithoutDownloader(t *testing.T) {
	t.Parallel()

	session := newTestSession(t, baseRequest(), Deps{Fetcher: &stubFetcher{}})
	_, err := session.DownloadDocuments(context.Background(), nil)
	require.Error(t, err)
}

func TestSessionDocumentsReturnsCopies(t *testing.T) {
	t.Parallel()

	session := newTestSession(t, baseRequest(), Deps{Fetcher: &stubFetcher{}})
	session.registerDocument("https://example.test/a.pdf", "https://example.test/", 1, "application/pdf", 10)

	docs := session.Documents()
	require.Len(t, docs, 1)
	*docs[0].Size = 99
	docs[0].Downloaded = true

	again := session.Documents()
	assert.Equal(t, int64(10), *again[0].Size)
	assert.False(t, again[0].Downloaded)
}

type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *steppingClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestSessionStopsAtDeadline(t *testing.T) {
	t.Parallel()

	clock := &steppingClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	fetcher := &stubFetcher{
		pages: map[string]stubPage{
			"https://example.test/":  {body: htmlPage("/a", "/b")},
			"https://example.test/a": {body: htmlPage()},
			"https://example.test/b": {body: htmlPage()},
		},
		onFetch: func(string) { clock.Advance(time.Minute) },
	}
	req := baseRequest()
	req.Concurrency = 1
	req.TimeoutMs = 30_000
	session := newTestSession(t, req, Deps{Fetcher: fetcher, Now: clock.Now})

	require.NoError(t, session.Run(context.Background()))

	snap := session.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, StopTimeout, snap.StopReason)
	assert.Equal(t, int64(1), snap.Stats.PagesVisited)
	assert.Equal(t, 1, fetcher.callCount())
	assert.Positive(t, snap.Stats.QueueSize)
}

type savedPage struct {
	url  string
	html string
	meta PageMeta
}

type recordingSaver struct {
	mu    sync.Mutex
	saved []savedPage
}

func (r *recordingSaver) SavePageContent(_ context.Context, pageURL string, html []byte, meta PageMeta) (PageContentResult, error) {
	r.mu.Lock()
	r.saved = append(r.saved, savedPage{url: pageURL, html: string(html), meta: meta})
	r.mu.Unlock()
	if strings.HasSuffix(pageURL, "/readonly") {
		return PageContentResult{}, fmt.Errorf("save %s: read-only output", pageURL)
	}
	return PageContentResult{Success: true, Path: "/out/page.md", Format: FormatMarkdown}, nil
}

func (r *recordingSaver) byURL() map[string]savedPage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]savedPage, len(r.saved))
	for _, page := range r.saved {
		out[page.url] = page
	}
	return out
}

func TestSessionSavesPageContent(t *testing.T) {
	t.Parallel()

	seedHTML := htmlPage("/a", "/readonly")
	fetcher := &stubFetcher{pages: map[string]stubPage{
		"https://example.test/":         {body: seedHTML},
		"https://example.test/a":        {body: htmlPage()},
		"https://example.test/readonly": {body: htmlPage()},
	}}
	saver := &recordingSaver{}
	req := baseRequest()
	req.SavePageContent = true
	req.PageContentFormat = FormatMarkdown
	session := newTestSession(t, req, Deps{Fetcher: fetcher, ContentSaver: saver})

	require.NoError(t, session.Run(context.Background()))

	saved := saver.byURL()
	require.Len(t, saved, 3)
	assert.Equal(t, seedHTML, saved["https://example.test/"].html)
	assert.Equal(t, 0, saved["https://example.test/"].meta.Depth)
	assert.Equal(t, 1, saved["https://example.test/a"].meta.Depth)
	assert.Equal(t, "text/html; charset=utf-8", saved["https://example.test/a"].meta.ContentType)
	assert.False(t, saved["https://example.test/a"].meta.FetchedAt.IsZero())

	snap := session.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, int64(3), snap.Stats.PagesVisited)
	errs := session.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, "https://example.test/readonly", errs[0].URL)
	assert.Contains(t, errs[0].Error, "read-only output")
}

func TestSessionSkipsPageContentWhenDisabled(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{pages: map[string]stubPage{
		"https://example.test/": {body: htmlPage()},
	}}
	saver := &recordingSaver{}
	session := newTestSession(t, baseRequest(), Deps{Fetcher: fetcher, ContentSaver: saver})

	require.NoError(t, session.Run(context.Background()))
	assert.Empty(t, saver.byURL())
}
