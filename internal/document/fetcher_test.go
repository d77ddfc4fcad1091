package document

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/policy/ratelimit"
)

const pdfBody = "%PDF-1.4 fake document body"

func newTestFetcher(t *testing.T, cfg Config, filter *crawler.ContentFilter) (*Fetcher, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	if cfg.OutputDir == "" {
		cfg.OutputDir = "/out"
	}
	f, err := New(cfg, Deps{
		Fs:      fs,
		Filter:  filter,
		Limiter: ratelimit.New(ratelimit.Config{}),
		Logger:  zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return f, fs
}

func mustFilter(t *testing.T, policy crawler.FilterPolicy) *crawler.ContentFilter {
	t.Helper()
	if policy.AllowedFileTypes == nil {
		policy.AllowedFileTypes = []string{"pdf"}
	}
	filter, err := crawler.NewContentFilter(policy)
	require.NoError(t, err)
	return filter
}

func hostDir(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return crawler.SanitizePathSegment(u.Host)
}

func documentServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/files/report.pdf", "/a/report.pdf", "/b/report.pdf":
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = w.Write([]byte(pdfBody + r.URL.Path))
		case "/empty.pdf":
			w.Header().Set("Content-Type", "application/pdf")
		case "/big.pdf":
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = w.Write([]byte(strings.Repeat("x", 100)))
		case "/truncated.pdf":
			w.Header().Set("Content-Length", "1000")
			_, _ = w.Write([]byte("only part"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewFailsOnUnwritableOutput(t *testing.T) {
	t.Parallel()

	_, err := New(Config{OutputDir: "/out"}, Deps{Fs: afero.NewReadOnlyFs(afero.NewMemMapFs())})
	require.ErrorIs(t, err, crawler.ErrSetup)
}

func TestDownloadMirroredLayout(t *testing.T) {
	t.Parallel()

	srv := documentServer(t)
	f, fs := newTestFetcher(t, Config{}, mustFilter(t, crawler.FilterPolicy{}))

	target := srv.URL + "/files/report.pdf"
	outcome, err := f.Download(context.Background(), crawler.DownloadRequest{URL: target, Size: crawler.SizeUnknown})
	require.NoError(t, err)
	require.True(t, outcome.Success)

	want := filepath.Join("/out", hostDir(t, target), "files", "report.pdf")
	assert.Equal(t, want, outcome.Path)
	assert.Equal(t, int64(len(pdfBody+"/files/report.pdf")), outcome.Size)
	data, err := afero.ReadFile(fs, want)
	require.NoError(t, err)
	assert.Equal(t, pdfBody+"/files/report.pdf", string(data))
}

func TestDownloadZeroByteBodyLeavesNoFile(t *testing.T) {
	t.Parallel()

	srv := documentServer(t)
	f, fs := newTestFetcher(t, Config{}, mustFilter(t, crawler.FilterPolicy{}))

	target := srv.URL + "/empty.pdf"
	outcome, err := f.Download(context.Background(), crawler.DownloadRequest{URL: target, Size: crawler.SizeUnknown})
	require.ErrorIs(t, err, crawler.ErrDownload)
	assert.False(t, outcome.Success)
	assert.NotEmpty(t, outcome.Error)

	exists, err := afero.Exists(fs, filepath.Join("/out", hostDir(t, target), "empty.pdf"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDownloadTruncatedBodyRemovesPartialFile(t *testing.T) {
	t.Parallel()

	srv := documentServer(t)
	f, fs := newTestFetcher(t, Config{}, nil)

	target := srv.URL + "/truncated.pdf"
	outcome, err := f.Download(context.Background(), crawler.DownloadRequest{URL: target, Size: crawler.SizeUnknown})
	require.ErrorIs(t, err, crawler.ErrDownload)
	assert.False(t, outcome.Success)

	exists, err := afero.Exists(fs, filepath.Join("/out", hostDir(t, target), "truncated.pdf"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDownloadOutlastsClientTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		flusher, _ := w.(http.Flusher)
		for i := 0; i < 4; i++ {
			_, _ = w.Write([]byte(pdfBody))
			if flusher != nil {
				flusher.Flush()
			}
			time.Sleep(50 * time.Millisecond)
		}
	}))
	t.Cleanup(srv.Close)

	fs := afero.NewMemMapFs()
	f, err := New(Config{OutputDir: "/out", Timeout: 5 * time.Second}, Deps{
		Client: &http.Client{Timeout: 100 * time.Millisecond},
		Fs:     fs,
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	outcome, err := f.Download(context.Background(), crawler.DownloadRequest{URL: srv.URL + "/slow.pdf", Size: crawler.SizeUnknown})
	require.NoError(t, err)
	require.True(t, outcome.Success)
	assert.Equal(t, int64(4*len(pdfBody)), outcome.Size)
}

func TestDownloadTimesOutPerRequest(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte(pdfBody))
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	fs := afero.NewMemMapFs()
	f, err := New(Config{OutputDir: "/out", Timeout: 100 * time.Millisecond}, Deps{Fs: fs, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	target := srv.URL + "/stalled.pdf"
	outcome, err := f.Download(context.Background(), crawler.DownloadRequest{URL: target, Size: crawler.SizeUnknown})
	require.ErrorIs(t, err, crawler.ErrDownload)
	assert.False(t, outcome.Success)

	exists, err := afero.Exists(fs, filepath.Join("/out", hostDir(t, target), "stalled.pdf"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDownloadHTTPError(t *testing.T) {
	t.Parallel()

	srv := documentServer(t)
	f, _ := newTestFetcher(t, Config{}, nil)

	outcome, err := f.Download(context.Background(), crawler.DownloadRequest{URL: srv.URL + "/missing.pdf", Size: crawler.SizeUnknown})
	require.ErrorIs(t, err, crawler.ErrDownload)
	assert.Contains(t, outcome.Error, "404")
}

func TestDownloadSkipsExistingUnlessOverwrite(t *testing.T) {
	t.Parallel()

	srv := documentServer(t)
	target := srv.URL + "/files/report.pdf"
	existing := filepath.Join("/out", hostDir(t, target), "files", "report.pdf")

	f, fs := newTestFetcher(t, Config{}, nil)
	require.NoError(t, afero.WriteFile(fs, existing, []byte("old"), 0o644))

	outcome, err := f.Download(context.Background(), crawler.DownloadRequest{URL: target, Size: crawler.SizeUnknown})
	require.NoError(t, err)
	assert.True(t, outcome.Skipped)
	assert.Equal(t, ReasonExists, outcome.Reason)
	assert.Equal(t, existing, outcome.Path)
	data, err := afero.ReadFile(fs, existing)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))

	overwriting, fs2 := newTestFetcher(t, Config{Overwrite: true}, nil)
	require.NoError(t, afero.WriteFile(fs2, existing, []byte("old"), 0o644))
	outcome, err = overwriting.Download(context.Background(), crawler.DownloadRequest{URL: target, Size: crawler.SizeUnknown})
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	data, err = afero.ReadFile(fs2, existing)
	require.NoError(t, err)
	assert.Equal(t, pdfBody+"/files/report.pdf", string(data))
}

func TestDownloadSizeBounds(t *testing.T) {
	t.Parallel()

	srv := documentServer(t)
	f, fs := newTestFetcher(t, Config{}, mustFilter(t, crawler.FilterPolicy{MaxFileSize: 10}))

	outcome, err := f.Download(context.Background(), crawler.DownloadRequest{URL: srv.URL + "/files/report.pdf", Size: 500})
	require.NoError(t, err)
	assert.True(t, outcome.Skipped)
	assert.Equal(t, ReasonSize, outcome.Reason)

	target := srv.URL + "/big.pdf"
	outcome, err = f.Download(context.Background(), crawler.DownloadRequest{URL: target, Size: crawler.SizeUnknown})
	require.NoError(t, err)
	assert.True(t, outcome.Skipped)
	assert.Equal(t, ReasonSize, outcome.Reason)
	exists, err := afero.Exists(fs, filepath.Join("/out", hostDir(t, target), "big.pdf"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDownloadSkipsInvalidAndBlocked(t *testing.T) {
	t.Parallel()

	f, _ := newTestFetcher(t, Config{}, mustFilter(t, crawler.FilterPolicy{BlockedDomains: []string{"ads."}}))

	outcome, err := f.Download(context.Background(), crawler.DownloadRequest{URL: "mailto:someone@example.test"})
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidURL, outcome.Reason)

	outcome, err = f.Download(context.Background(), crawler.DownloadRequest{URL: "https://ads.example.test/a.pdf"})
	require.NoError(t, err)
	assert.Equal(t, ReasonBlockedDomain, outcome.Reason)
}

func TestDownloadBatchConcurrentDistinctFiles(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
		}
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte(strings.Repeat(r.URL.Path, 200)))
	}))
	defer srv.Close()

	f, fs := newTestFetcher(t, Config{BatchSize: 2, BatchPause: 1}, nil)
	requests := []crawler.DownloadRequest{
		{URL: srv.URL + "/one.pdf", Size: crawler.SizeUnknown},
		{URL: srv.URL + "/two.pdf", Size: crawler.SizeUnknown},
		{URL: srv.URL + "/three.pdf", Size: crawler.SizeUnknown},
	}
	outcomes := f.DownloadBatch(context.Background(), requests)

	require.Len(t, outcomes, 3)
	for i, outcome := range outcomes {
		require.True(t, outcome.Success, outcome.Error)
		assert.Equal(t, requests[i].URL, outcome.URL)
		data, err := afero.ReadFile(fs, outcome.Path)
		require.NoError(t, err)
		u, _ := url.Parse(requests[i].URL)
		assert.Equal(t, strings.Repeat(u.Path, 200), string(data))
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestDownloadBatchKeepsGoingAfterFailure(t *testing.T) {
	t.Parallel()

	srv := documentServer(t)
	f, _ := newTestFetcher(t, Config{BatchSize: 1}, nil)

	outcomes := f.DownloadBatch(context.Background(), []crawler.DownloadRequest{
		{URL: srv.URL + "/missing.pdf", Size: crawler.SizeUnknown},
		{URL: srv.URL + "/files/report.pdf", Size: crawler.SizeUnknown},
	})
	require.Len(t, outcomes, 2)
	assert.False(t, outcomes[0].Success)
	assert.NotEmpty(t, outcomes[0].Error)
	assert.True(t, outcomes[1].Success)
}

func TestDownloadBatchCanceledBetweenBatches(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f, _ := newTestFetcher(t, Config{BatchSize: 1}, nil)

	outcomes := f.DownloadBatch(ctx, []crawler.DownloadRequest{
		{URL: "https://example.test/a.pdf"},
		{URL: "https://example.test/b.pdf"},
	})
	require.Len(t, outcomes, 2)
	assert.False(t, outcomes[1].Success)
	assert.Contains(t, outcomes[1].Error, context.Canceled.Error())
}

func TestFlatLayoutCollisionSuffix(t *testing.T) {
	t.Parallel()

	f, _ := newTestFetcher(t, Config{Layout: crawler.LayoutFlat}, nil)

	first, _ := url.Parse("https://example.test/a/report.pdf")
	second, _ := url.Parse("https://example.test/b/report.pdf")

	name := f.destination(first, "")
	assert.Equal(t, "example.test_report.pdf", name)
	assert.Equal(t, name, f.destination(first, ""), "the same url keeps its name")

	other := f.destination(second, "")
	assert.NotEqual(t, name, other)
	assert.Regexp(t, `^example\.test_report_[0-9a-f]{8}\.pdf$`, other)
	assert.NotContains(t, other, "/")
}

func TestMirroredDestination(t *testing.T) {
	t.Parallel()

	f, _ := newTestFetcher(t, Config{}, nil)

	u, _ := url.Parse("https://Example.test/docs/../annual%20report/2024.PDF?v=2")
	got := f.destination(u, "application/pdf")
	assert.True(t, strings.HasPrefix(got, filepath.Join("Example.test", "annual report")) ||
		strings.HasPrefix(got, filepath.Join("Example.test", "annual_report")), got)
	assert.Regexp(t, `2024_[0-9a-f]{8}\.PDF$`, got)

	noExt, _ := url.Parse("https://example.test/download")
	assert.Equal(t, filepath.Join("example.test", "download.pdf"), f.destination(noExt, "application/pdf"))
}
