// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesFetchedTotal          *prometheus.CounterVec
	bytesFetchedTotal          *prometheus.CounterVec
	fetchDurationSeconds       prometheus.Histogram
	documentsDiscoveredTotal   prometheus.Counter
	documentsDownloadedTotal   *prometheus.CounterVec
	skipsTotal                 *prometheus.CounterVec
	sessionsTotal              *prometheus.CounterVec
	sessionsRunning            prometheus.Gauge
	estimationsTotal           *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitecrawler_pages_fetched_total",
				Help: "Total number of fetches, labeled by site and result.",
			},
			[]string{"site", "result"},
		)

		bytesFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitecrawler_bytes_fetched_total",
				Help: "Total number of body bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		fetchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sitecrawler_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		)

		documentsDiscoveredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sitecrawler_documents_discovered_total",
				Help: "Total number of documents registered during traversal.",
			},
		)

		documentsDownloadedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitecrawler_documents_downloaded_total",
				Help: "Total number of document downloads, labeled by result.",
			},
			[]string{"result"},
		)

		skipsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitecrawler_skips_total",
				Help: "Total number of dequeued URLs skipped, labeled by reason.",
			},
			[]string{"reason"},
		)

		sessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitecrawler_sessions_total",
				Help: "Total number of finished crawl sessions, labeled by status.",
			},
			[]string{"status"},
		)

		sessionsRunning = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sitecrawler_sessions_running",
				Help: "Number of crawl sessions currently running.",
			},
		)

		estimationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitecrawler_estimations_total",
				Help: "Total number of page estimations, labeled by confidence.",
			},
			[]string{"confidence"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sitecrawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveFetch records one page fetch.
func ObserveFetch(site, result string, bytesFetched int, duration time.Duration) {
	Init()
	sanitizedSite := SanitizeSite(site)
	pagesFetchedTotal.WithLabelValues(sanitizedSite, result).Inc()
	if bytesFetched > 0 {
		bytesFetchedTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
	if duration > 0 {
		fetchDurationSeconds.Observe(duration.Seconds())
	}
}

// ObserveDocumentDiscovered counts a newly registered document.
func ObserveDocumentDiscovered() {
	Init()
	documentsDiscoveredTotal.Inc()
}

// ObserveDownload counts a document download by result.
func ObserveDownload(result string) {
	Init()
	documentsDownloadedTotal.WithLabelValues(result).Inc()
}

// ObserveSkip counts a skipped URL by reason.
func ObserveSkip(reason string) {
	Init()
	skipsTotal.WithLabelValues(reason).Inc()
}

// ObserveSession counts a finished session by terminal status.
func ObserveSession(status string) {
	Init()
	sessionsTotal.WithLabelValues(status).Inc()
}

// ObserveEstimation counts an estimation by confidence.
func ObserveEstimation(confidence string) {
	Init()
	estimationsTotal.WithLabelValues(confidence).Inc()
}

// IncSessionsRunning increments the running sessions gauge.
func IncSessionsRunning() {
	Init()
	sessionsRunning.Inc()
}

// DecSessionsRunning decrements the running sessions gauge.
func DecSessionsRunning() {
	Init()
	sessionsRunning.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
