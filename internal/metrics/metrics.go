// Package metrics provides Prometheus instrumentation for simulation runs.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atmx/bondsim/internal/model"
)

var (
	// StepsTotal counts completed simulation steps.
	StepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bondsim_steps_total",
		Help: "Total number of simulation steps executed",
	})

	// TradesTotal counts trade records by intent kind and outcome.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bondsim_trades_total",
		Help: "Total number of agent intents by kind and status",
	}, []string{"kind", "status"})

	// StepLatency tracks wall time per simulation step.
	StepLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bondsim_step_latency_seconds",
		Help:    "Simulation step latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// ActiveRuns tracks runs currently stepping.
	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bondsim_active_runs",
		Help: "Number of simulation runs in progress",
	})

	// RunsTotal counts finished runs by final status.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bondsim_runs_total",
		Help: "Total simulation runs by final status",
	}, []string{"status"})

	// SharePrice, ShareReserves, BondReserves and FixedAPR are the last
	// observed market values of each run in progress.
	SharePrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bondsim_share_price",
		Help: "Vault share price in base",
	}, []string{"run_id"})

	ShareReserves = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bondsim_share_reserves",
		Help: "Pool share reserves",
	}, []string{"run_id"})

	BondReserves = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bondsim_bond_reserves",
		Help: "Pool bond reserves",
	}, []string{"run_id"})

	FixedAPR = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bondsim_fixed_apr",
		Help: "Fixed rate implied by the pool spot price",
	}, []string{"run_id"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bondsim_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bondsim_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bondsim_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveStep records one step of run runID.
func ObserveStep(runID string, rec model.StepRecord, took time.Duration) {
	StepsTotal.Inc()
	StepLatency.Observe(took.Seconds())
	for _, t := range rec.Trades {
		kind := "none"
		if t.Intent != nil {
			kind = string(t.Intent.Kind)
		}
		TradesTotal.WithLabelValues(kind, string(t.Status)).Inc()
	}
	SharePrice.WithLabelValues(runID).Set(rec.Market.SharePrice.InexactFloat64())
	ShareReserves.WithLabelValues(runID).Set(rec.Market.ShareReserves.InexactFloat64())
	BondReserves.WithLabelValues(runID).Set(rec.Market.BondReserves.InexactFloat64())
	FixedAPR.WithLabelValues(runID).Set(rec.FixedAPR.InexactFloat64())
}

// ForgetRun drops the per-run gauges once a run has finished.
func ForgetRun(runID string) {
	SharePrice.DeleteLabelValues(runID)
	ShareReserves.DeleteLabelValues(runID)
	BondReserves.DeleteLabelValues(runID)
	FixedAPR.DeleteLabelValues(runID)
}

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

		// Route pattern keeps run IDs out of the label set.
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
