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
	crawlerPagesTotal             *prometheus.CounterVec
	crawlerBytesTotal             *prometheus.CounterVec
	crawlerRenderDurationSeconds  *prometheus.HistogramVec
	crawlerRecordsTotal           *prometheus.CounterVec
	crawlerEnqueueTotal           *prometheus.CounterVec
	crawlerResolveTotal           *prometheus.CounterVec
	crawlerPromotionsTotal        prometheus.Counter
	crawlerSinkErrorsTotal        *prometheus.CounterVec
	crawlerInflight               prometheus.Gauge
	crawlerActiveWorkers          prometheus.Gauge
	crawlerQueueEntries           *prometheus.GaugeVec
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of pages rendered, labeled by site, request label and status.",
			},
			[]string{"site", "label", "status"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of HTML bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerRenderDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_render_duration_seconds",
				Help:    "Histogram of render latencies, labeled by fetcher.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"fetcher"},
		)

		crawlerRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_records_total",
				Help: "Total number of product records, labeled by stage (emitted, stored).",
			},
			[]string{"stage"},
		)

		crawlerEnqueueTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_enqueue_total",
				Help: "Derived requests offered to the queue, labeled by label and result.",
			},
			[]string{"label", "result"},
		)

		crawlerResolveTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_resolve_total",
				Help: "Lease resolutions, labeled by outcome (resolved, failed, lease_lost).",
			},
			[]string{"outcome"},
		)

		crawlerPromotionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_headless_promotions_total",
				Help: "Pages re-rendered headless after the static probe looked incomplete.",
			},
		)

		crawlerSinkErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_sink_errors_total",
				Help: "Record append failures, labeled by sink kind.",
			},
			[]string{"sink"},
		)

		crawlerInflight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_inflight_requests",
				Help: "Number of leased requests currently being processed.",
			},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of worker processes currently online.",
			},
		)

		crawlerQueueEntries = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawler_queue_entries",
				Help: "Queue entries by state, sampled by the coordinator.",
			},
			[]string{"state"},
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
	return promhttp.Handler()
}

// ObservePage counts one rendered page.
func ObservePage(site, label, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	crawlerPagesTotal.WithLabelValues(sanitizedSite, label, status).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveRender records how long one render took.
func ObserveRender(fetcher string, duration time.Duration) {
	Init()
	crawlerRenderDurationSeconds.WithLabelValues(fetcher).Observe(duration.Seconds())
}

// ObserveRecord counts a record at the given stage.
func ObserveRecord(stage string) {
	Init()
	crawlerRecordsTotal.WithLabelValues(stage).Inc()
}

// ObserveEnqueue counts one derived request offered to the queue.
func ObserveEnqueue(label, result string) {
	Init()
	crawlerEnqueueTotal.WithLabelValues(label, result).Inc()
}

// ObserveResolve counts one lease resolution.
func ObserveResolve(outcome string) {
	Init()
	crawlerResolveTotal.WithLabelValues(outcome).Inc()
}

// ObservePromotion counts a static render promoted to headless.
func ObservePromotion() {
	Init()
	crawlerPromotionsTotal.Inc()
}

// ObserveSinkError counts a failed record append.
func ObserveSinkError(sink string) {
	Init()
	crawlerSinkErrorsTotal.WithLabelValues(sink).Inc()
}

// IncInflight increments the in-flight gauge.
func IncInflight() {
	Init()
	crawlerInflight.Inc()
}

// DecInflight decrements the in-flight gauge.
func DecInflight() {
	Init()
	crawlerInflight.Dec()
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

// SetQueueEntries publishes a queue stats sample.
func SetQueueEntries(available, locked, resolved, failed int) {
	Init()
	crawlerQueueEntries.WithLabelValues("available").Set(float64(available))
	crawlerQueueEntries.WithLabelValues("locked").Set(float64(locked))
	crawlerQueueEntries.WithLabelValues("resolved").Set(float64(resolved))
	crawlerQueueEntries.WithLabelValues("failed").Set(float64(failed))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
