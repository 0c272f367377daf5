// Package metrics provides Prometheus metrics for the repoviz server and CLI.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repoviz_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repoviz_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Summary cache metrics
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repoviz_summary_cache_lookups_total",
			Help: "Summary cache lookups by tier and result",
		},
		[]string{"tier", "result"},
	)

	cacheErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repoviz_summary_cache_errors_total",
			Help: "Summary cache transport failures by operation",
		},
		[]string{"op"},
	)

	// Generation metrics
	llmCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repoviz_llm_calls_total",
			Help: "Calls to the generation provider",
		},
		[]string{"provider", "status"},
	)

	llmCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repoviz_llm_call_duration_seconds",
			Help:    "Generation provider call duration in seconds",
			Buckets: []float64{.25, .5, 1, 2, 4, 8, 16, 32},
		},
		[]string{"provider"},
	)

	// Reconciliation metrics
	reconcileItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repoviz_reconcile_items_total",
			Help: "Reconciled items by kind and outcome",
		},
		[]string{"kind", "status"},
	)

	reconcileRunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "repoviz_reconcile_runs_active",
			Help: "Reconciliation runs in progress",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordCacheLookup records one lookup against the local or remote tier.
func RecordCacheLookup(tier string, hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	cacheLookupsTotal.WithLabelValues(tier, result).Inc()
}

func RecordCacheError(op string) {
	cacheErrorsTotal.WithLabelValues(op).Inc()
}

// RecordLLMCall records a provider call and its duration.
func RecordLLMCall(provider string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	llmCallsTotal.WithLabelValues(provider, status).Inc()
	llmCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordReconcileItem(kind, status string) {
	reconcileItemsTotal.WithLabelValues(kind, status).Inc()
}

// TrackReconcileRun increments the active gauge; call the returned func when
// the run ends.
func TrackReconcileRun() func() {
	reconcileRunsActive.Inc()
	return reconcileRunsActive.Dec
}

// Middleware records request count and latency for every request passing
// through next.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
