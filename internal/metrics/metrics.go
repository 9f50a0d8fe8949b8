// Package metrics exposes Prometheus collectors for the crawl engine.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerPagesTotal            *prometheus.CounterVec
	crawlerBytesTotal            *prometheus.CounterVec
	crawlerLinksTotal            *prometheus.CounterVec
	crawlerRobotsFetchesTotal    *prometheus.CounterVec
	crawlerPolitenessWaitSeconds *prometheus.HistogramVec
	crawlerBusyWorkers           *prometheus.GaugeVec
	crawlerFrontierPending       *prometheus.GaugeVec
	crawlerControllersFinished   *prometheus.CounterVec
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of frontier entries handled, labeled by controller and outcome.",
			},
			[]string{"controller", "outcome"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of body bytes fetched, labeled by controller.",
			},
			[]string{"controller"},
		)

		crawlerLinksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_links_discovered_total",
				Help: "Total number of outlinks discovered, labeled by controller.",
			},
			[]string{"controller"},
		)

		crawlerRobotsFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_robots_fetches_total",
				Help: "Total number of robots.txt fetches, labeled by result.",
			},
			[]string{"result"},
		)

		crawlerPolitenessWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_politeness_wait_seconds",
				Help:    "Histogram of time spent waiting for a host's politeness slot.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"controller"},
		)

		crawlerBusyWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawler_busy_workers",
				Help: "Number of workers currently handling an entry.",
			},
			[]string{"controller"},
		)

		crawlerFrontierPending = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawler_frontier_pending",
				Help: "Number of entries waiting in the frontier.",
			},
			[]string{"controller"},
		)

		crawlerControllersFinished = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_controllers_finished_total",
				Help: "Total number of controllers that finished, labeled by reason.",
			},
			[]string{"reason"},
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObservePage counts one handled entry and the bytes fetched for it.
func ObservePage(controller, outcome string, bytesFetched int) {
	Init()
	crawlerPagesTotal.WithLabelValues(controller, outcome).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(controller).Add(float64(bytesFetched))
	}
}

// ObserveLinks counts discovered outlinks.
func ObserveLinks(controller string, n int) {
	if n <= 0 {
		return
	}
	Init()
	crawlerLinksTotal.WithLabelValues(controller).Add(float64(n))
}

// ObserveRobotsFetch counts a robots.txt fetch by result.
func ObserveRobotsFetch(result string) {
	Init()
	crawlerRobotsFetchesTotal.WithLabelValues(result).Inc()
}

// ObservePolitenessWait records the duration of a politeness wait.
func ObservePolitenessWait(controller string, duration time.Duration) {
	Init()
	crawlerPolitenessWaitSeconds.WithLabelValues(controller).Observe(duration.Seconds())
}

// IncBusyWorkers increments the busy workers gauge.
func IncBusyWorkers(controller string) {
	Init()
	crawlerBusyWorkers.WithLabelValues(controller).Inc()
}

// DecBusyWorkers decrements the busy workers gauge.
func DecBusyWorkers(controller string) {
	Init()
	crawlerBusyWorkers.WithLabelValues(controller).Dec()
}

// SetFrontierPending records the frontier backlog.
func SetFrontierPending(controller string, n int) {
	Init()
	crawlerFrontierPending.WithLabelValues(controller).Set(float64(n))
}

// ObserveControllerFinished counts a finished controller.
func ObserveControllerFinished(reason string) {
	Init()
	crawlerControllersFinished.WithLabelValues(reason).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
