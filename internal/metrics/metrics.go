// Package metrics exposes Prometheus collectors for the crawler.
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
	crawlerDocumentsTotal          *prometheus.CounterVec
	crawlerBytesTotal              *prometheus.CounterVec
	crawlerFetchAttemptsTotal      *prometheus.CounterVec
	crawlerSessionResolutionsTotal *prometheus.CounterVec
	crawlerHeartbeatsTotal         *prometheus.CounterVec
	crawlerActiveWorkers           prometheus.Gauge
	crawlerQueuedReferences        prometheus.Gauge
	crawlerRateLimitDelaysSeconds  *prometheus.HistogramVec
	httpRequestsTotal              *prometheus.CounterVec
	httpRequestDurationSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerDocumentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_documents_total",
				Help: "Processed documents, labeled by crawler and outcome.",
			},
			[]string{"crawler", "outcome"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerFetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetch_attempts_total",
				Help: "Fetch attempts, labeled by fetcher and fetch status.",
			},
			[]string{"fetcher", "status"},
		)

		crawlerSessionResolutionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_session_resolutions_total",
				Help: "Launch decisions taken by the session resolver.",
			},
			[]string{"decision"},
		)

		crawlerHeartbeatsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_session_heartbeats_total",
				Help: "Session heartbeats, labeled by result.",
			},
			[]string{"result"},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a document.",
			},
		)

		crawlerQueuedReferences = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_queued_references",
				Help: "References waiting in the shared queue, as last observed by this node.",
			},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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

// ObserveDocument counts a processed document.
func ObserveDocument(crawlerID, outcome string) {
	Init()
	crawlerDocumentsTotal.WithLabelValues(crawlerID, outcome).Inc()
}

// ObserveFetchAttempt counts one fetch attempt.
func ObserveFetchAttempt(fetcher, status, reference string, bytesFetched int) {
	Init()
	crawlerFetchAttemptsTotal.WithLabelValues(fetcher, status).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(SanitizeSite(reference)).Add(float64(bytesFetched))
	}
}

// ObserveSessionResolution counts a resolver decision.
func ObserveSessionResolution(decision string) {
	Init()
	crawlerSessionResolutionsTotal.WithLabelValues(decision).Inc()
}

// ObserveHeartbeat counts a heartbeat attempt.
func ObserveHeartbeat(ok bool) {
	Init()
	result := "success"
	if !ok {
		result = "error"
	}
	crawlerHeartbeatsTotal.WithLabelValues(result).Inc()
}

// SetQueuedReferences records the last observed queue size.
func SetQueuedReferences(n int) {
	Init()
	crawlerQueuedReferences.Set(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
