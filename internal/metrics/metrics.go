// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QuotesTotal counts stake quotes, partitioned by outcome code
	// ("ok" or the failure code).
	QuotesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_quotes_total",
		Help: "Total number of stake quotes served",
	}, []string{"code"})

	// QuoteLatency tracks quote computation latency.
	QuoteLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settle_quote_latency_seconds",
		Help:    "Stake quote latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// LockTransitions counts escrow lock transitions by resulting state.
	LockTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_escrow_lock_transitions_total",
		Help: "Escrow lock transitions by resulting state",
	}, []string{"state"})

	// LockRejections counts refused lock operations by reason.
	LockRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_escrow_lock_rejections_total",
		Help: "Escrow lock operations refused",
	}, []string{"reason"})

	// ReconcileRepairs counts locks repaired by the reconciler, by action.
	ReconcileRepairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_reconcile_repairs_total",
		Help: "Escrow locks repaired by reconciliation",
	}, []string{"action"})

	// RailsSettled counts per-rail settlement attempts by outcome
	// ("applied", "skipped", "failed").
	RailsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_rails_total",
		Help: "Per-rail settlement attempts by outcome",
	}, []string{"rail", "outcome"})

	// PayoutCents tracks cumulative payout credits in cents per rail.
	PayoutCents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_payout_cents_total",
		Help: "Cumulative payout credits in cents",
	}, []string{"rail"})

	// FeeCents tracks cumulative fees charged in cents per rail and kind.
	FeeCents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_fee_cents_total",
		Help: "Cumulative fees charged in cents",
	}, []string{"rail", "kind"})

	// IntegrityViolations reports offending rows per check from the last run.
	IntegrityViolations = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "settle_integrity_violations",
		Help: "Offending rows per integrity check in the last run",
	}, []string{"check"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settle_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settle_http_request_duration_seconds",
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

		// Label by route pattern, not raw path, to keep cardinality bounded.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
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
