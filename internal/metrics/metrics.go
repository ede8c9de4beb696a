// Package metrics exposes Prometheus collectors for the fetching core.
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
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchResultsTotal          *prometheus.CounterVec
	fetchRetriesTotal          *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchInFlight              prometheus.Gauge
	rateLimitDelaySeconds      prometheus.Histogram
	proxyPoolSize              *prometheus.GaugeVec
	sessionGlobalFailureRate   prometheus.Gauge
	sessionActive              prometheus.Gauge
	batchDurationSeconds       *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_attempts_total",
				Help: "Total number of dispatched attempts, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		fetchResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_results_total",
				Help: "Total number of terminal fetch results, labeled by outcome and error kind.",
			},
			[]string{"outcome", "kind"},
		)

		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_retries_total",
				Help: "Total number of retries scheduled, labeled by the error kind that caused them.",
			},
			[]string{"kind"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_bytes_total",
				Help: "Total number of response body bytes received, labeled by site.",
			},
			[]string{"site"},
		)

		fetchInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetch_in_flight",
				Help: "Number of attempts currently holding an engine slot.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fetch_rate_limit_delay_seconds",
				Help:    "Histogram of rate limiter wait durations.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		proxyPoolSize = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fetch_proxy_pool_size",
				Help: "Number of proxies in the pool, labeled by health state.",
			},
			[]string{"state"},
		)

		sessionGlobalFailureRate = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetch_session_global_failure_rate",
				Help: "Failure rate across all sessions at the last recompute.",
			},
		)

		sessionActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetch_sessions_active",
				Help: "Number of open connection handles.",
			},
		)

		batchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetch_batch_duration_seconds",
				Help:    "Histogram of batch wall-clock durations, labeled by strategy.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"strategy"},
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
	return promhttp.Handler()
}

// ObserveAttempt counts one dispatched attempt and the bytes it returned.
func ObserveAttempt(site, outcome string, bytesFetched int) {
	Init()
	sanitized := SanitizeSite(site)
	fetchAttemptsTotal.WithLabelValues(sanitized, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitized).Add(float64(bytesFetched))
	}
}

// ObserveResult counts one terminal result.
func ObserveResult(outcome, kind string) {
	Init()
	if kind == "" {
		kind = "none"
	}
	fetchResultsTotal.WithLabelValues(outcome, kind).Inc()
}

// ObserveRetry counts one scheduled retry.
func ObserveRetry(kind string) {
	Init()
	fetchRetriesTotal.WithLabelValues(kind).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	Init()
	rateLimitDelaySeconds.Observe(duration.Seconds())
}

// SetProxyHealth publishes the sizes of the proxy partitions.
func SetProxyHealth(healthy, unhealthy int) {
	Init()
	proxyPoolSize.WithLabelValues("healthy").Set(float64(healthy))
	proxyPoolSize.WithLabelValues("unhealthy").Set(float64(unhealthy))
}

// SetGlobalFailureRate publishes the recomputed failure rate.
func SetGlobalFailureRate(rate float64) {
	Init()
	sessionGlobalFailureRate.Set(rate)
}

// SetActiveSessions publishes the number of open handles.
func SetActiveSessions(n int) {
	Init()
	sessionActive.Set(float64(n))
}

// ObserveBatch records a completed batch.
func ObserveBatch(strategy string, duration time.Duration) {
	Init()
	batchDurationSeconds.WithLabelValues(strategy).Observe(duration.Seconds())
}

// IncInFlight increments the in-flight attempts gauge.
func IncInFlight() {
	Init()
	fetchInFlight.Inc()
}

// DecInFlight decrements the in-flight attempts gauge.
func DecInFlight() {
	Init()
	fetchInFlight.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
