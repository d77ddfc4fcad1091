package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if pagesFetchedTotal == nil || bytesFetchedTotal == nil || skipsTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveFetch(t *testing.T) {
	before := testutil.ToFloat64(pagesFetchedTotalFor("observe.test", "ok"))
	ObserveFetch("https://observe.test/a", "ok", 512, 30*time.Millisecond)
	if got := testutil.ToFloat64(pagesFetchedTotalFor("observe.test", "ok")); got != before+1 {
		t.Errorf("expected fetch counter to grow by 1, got %f -> %f", before, got)
	}
	if got := testutil.ToFloat64(bytesFetchedTotal.WithLabelValues("observe.test")); got < 512 {
		t.Errorf("expected at least 512 bytes recorded, got %f", got)
	}
}

func TestObserveSkipAndSession(t *testing.T) {
	ObserveSkip("robots")
	ObserveSkip("robots")
	if got := testutil.ToFloat64(skipsTotal.WithLabelValues("robots")); got < 2 {
		t.Errorf("expected skip counter >= 2, got %f", got)
	}

	IncSessionsRunning()
	DecSessionsRunning()
	ObserveSession("completed")
	if got := testutil.ToFloat64(sessionsTotal.WithLabelValues("completed")); got < 1 {
		t.Errorf("expected session counter >= 1, got %f", got)
	}
}

func pagesFetchedTotalFor(site, result string) prometheus.Counter {
	Init()
	return pagesFetchedTotal.WithLabelValues(site, result)
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
