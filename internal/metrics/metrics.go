// Package metrics provides Prometheus instrumentation for the ledger engine.
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
	// EventsIngested counts events applied to the ledger, partitioned by side.
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_events_ingested_total",
		Help: "Trade events applied to the ledger",
	}, []string{"side"})

	// EventsRejected counts payload items that failed normalization.
	EventsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_events_rejected_total",
		Help: "Payload items rejected by the normalizer",
	})

	// DuplicatesDropped counts suppressed duplicate deliveries, partitioned
	// by the layer that caught them (window or store).
	DuplicatesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_duplicates_dropped_total",
		Help: "Duplicate event deliveries suppressed",
	}, []string{"layer"})

	// AnomaliesCreated counts reconciliation tasks opened, by task type.
	AnomaliesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_anomalies_total",
		Help: "Reconciliation tasks created on accounting anomalies",
	}, []string{"task_type"})

	// DecisionsTotal counts reconciliation decisions, by outcome. Skipped
	// retries of already-decided tasks count under outcome="skipped".
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_reconciliation_decisions_total",
		Help: "Reconciliation task decisions",
	}, []string{"outcome"})

	// DriftedPositions tracks position rows whose maintained state disagrees
	// with a full fold of the event log, as of the last audit sweep.
	DriftedPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_drifted_positions",
		Help: "Positions diverging from the folded event log at last audit",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; the API surface is small enough
		// that cardinality stays bounded.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack forwards to the underlying writer so WebSocket upgrades still work
// behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: underlying writer does not support hijacking")
	}
	return hj.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
