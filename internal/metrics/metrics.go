package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	renders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pageviewer",
			Name:      "page_renders_total",
			Help:      "Page rasterizations by result (ok, error, store)",
		},
		[]string{"result"},
	)

	renderLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "pageviewer",
			Name:      "page_render_duration_seconds",
			Help:      "Duration of a single page rasterization including handle open and close",
			Buckets:   prometheus.DefBuckets,
		},
	)

	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pageviewer",
			Name:      "page_requests_total",
			Help:      "Page requests by outcome (hit, miss, pending, failed)",
		},
		[]string{"outcome"},
	)

	staleResults = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pageviewer",
			Name:      "stale_results_total",
			Help:      "Render results discarded because their session was reset",
		},
	)

	sessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pageviewer",
			Name:      "sessions_total",
			Help:      "Document sessions opened by result (ok, unreadable)",
		},
		[]string{"result"},
	)

	inflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pageviewer",
			Name:      "renders_inflight",
			Help:      "Rasterizations currently running",
		},
	)

	cachedPages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pageviewer",
			Name:      "cached_pages",
			Help:      "Rendered pages held by the current session",
		},
	)
)

// Init registers collectors.
func Init() {
	prometheus.MustRegister(renders, renderLatency, requests, staleResults, sessions, inflight, cachedPages)
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

func ObserveRender(result string, dur time.Duration) {
	renders.WithLabelValues(result).Inc()
	renderLatency.Observe(dur.Seconds())
}

func IncRequest(outcome string) { requests.WithLabelValues(outcome).Inc() }
func IncStale()                 { staleResults.Inc() }
func IncSession(result string)  { sessions.WithLabelValues(result).Inc() }
func RenderStarted()            { inflight.Inc() }
func RenderFinished()           { inflight.Dec() }
func SetCachedPages(n int)      { cachedPages.Set(float64(n)) }
