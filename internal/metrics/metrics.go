// Package metrics exposes Prometheus collectors for the orchestrator service.
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
	fetchPagesTotal            *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	frontierDepth              *prometheus.GaugeVec
	claimsTotal                *prometheus.CounterVec
	storeRetriesTotal          *prometheus.CounterVec
	reclaimedTotal             *prometheus.CounterVec
	activeWorkers              prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seedspider_fetch_pages_total",
				Help: "Total number of pages fetched, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seedspider_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
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

		frontierDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "seedspider_frontier_depth",
				Help: "Pending work items per action type.",
			},
			[]string{"action_type"},
		)

		claimsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seedspider_claims_total",
				Help: "Claim attempts partitioned by action type and outcome.",
			},
			[]string{"action_type", "outcome"},
		)

		storeRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seedspider_store_retries_total",
				Help: "Transient record store failures that were retried, by operation.",
			},
			[]string{"op"},
		)

		reclaimedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seedspider_reclaimed_total",
				Help: "Work items reclaimed from expired leases, by action type.",
			},
			[]string{"action_type"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "seedspider_active_workers",
				Help: "Number of workers currently executing a handler.",
			},
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

// ObserveFetch increments the fetch metrics.
func ObserveFetch(site string, status string, bytesFetched int) {
	sanitizedSite := SanitizeSite(site)
	fetchPagesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetFrontierDepth records the number of pending items for one action type.
func SetFrontierDepth(actionType string, depth int) {
	frontierDepth.WithLabelValues(actionType).Set(float64(depth))
}

// ObserveClaim increments the claim counter for the given outcome.
func ObserveClaim(actionType, outcome string) {
	claimsTotal.WithLabelValues(actionType, outcome).Inc()
}

// ObserveStoreRetry counts one retried store operation.
func ObserveStoreRetry(op string) {
	storeRetriesTotal.WithLabelValues(op).Inc()
}

// ObserveReclaim counts one lease reclaimed at checkpoint.
func ObserveReclaim(actionType string) {
	reclaimedTotal.WithLabelValues(actionType).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}
