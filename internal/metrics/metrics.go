// Package metrics provides Prometheus instrumentation for the leverage engine.
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
	// FlowsTotal counts coordinator flows, partitioned by flow and outcome.
	FlowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leverage_flows_total",
		Help: "Total number of coordinator flows run",
	}, []string{"flow", "outcome"})

	// FlowLatency tracks end-to-end flow duration.
	FlowLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "leverage_flow_latency_seconds",
		Help:    "Coordinator flow latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"flow"})

	// StageFailures counts failed flows by the stage and fault kind that
	// stopped them.
	StageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leverage_stage_failures_total",
		Help: "Flow failures by stage and fault kind",
	}, []string{"flow", "stage", "kind"})

	// Compensations counts reverse compensations run after a failure.
	Compensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leverage_compensations_total",
		Help: "Compensating actions executed",
	}, []string{"step", "outcome"})

	// ActivePositions tracks the number of open positions.
	ActivePositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "leverage_active_positions",
		Help: "Number of currently open positions",
	})

	// OpenHealthFactor records the health factor positions open at.
	OpenHealthFactor = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "leverage_open_health_factor",
		Help:    "Health factor at open",
		Buckets: []float64{1.0, 1.1, 1.2, 1.3, 1.5, 1.75, 2, 3, 5},
	})

	// ExposureRejections counts opens rejected by the exposure limiter.
	ExposureRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "leverage_exposure_rejections_total",
		Help: "Opens rejected by the exposure limiter",
	})

	// ProtocolFees accumulates fees skimmed to the treasury, per token side.
	ProtocolFees = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leverage_protocol_fees_total",
		Help: "Protocol fees skimmed on close, in base units",
	}, []string{"side"})

	// BadDebt accumulates debt left unpaid by forced unwinds.
	BadDebt = promauto.NewCounter(prometheus.CounterOpts{
		Name: "leverage_bad_debt_total",
		Help: "Debt left unpaid by forced unwinds, in base units",
	})

	// KeeperScans counts keeper passes by outcome.
	KeeperScans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leverage_keeper_scans_total",
		Help: "Keeper health scans",
	}, []string{"outcome"})

	// KeeperUnwinds counts forced unwinds the keeper triggered.
	KeeperUnwinds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leverage_keeper_unwinds_total",
		Help: "Forced unwinds triggered by the keeper",
	}, []string{"outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "leverage_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leverage_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "leverage_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
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
