package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tokoroti/tokoroti/internal/stock"
)

// Metrics collects the Prometheus metrics served by the API process.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	movements       *prometheus.CounterVec
	movedUnits      *prometheus.CounterVec
	drift           *prometheus.CounterVec
}

var _ stock.MetricsRecorder = (*Metrics)(nil)

// NewMetrics initialises a private registry with HTTP and stock metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokoroti_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tokoroti_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	movements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokoroti_stock_movements_total",
		Help: "Committed stock movements by cause.",
	}, []string{"cause"})
	units := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokoroti_stock_moved_units_total",
		Help: "Absolute units moved by cause and direction.",
	}, []string{"cause", "direction"})
	drift := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokoroti_stock_reconcile_discrepancies_total",
		Help: "Discrepancies found by on-demand reconciliation.",
	}, []string{"branch"})
	registry.MustRegister(requests, duration, movements, units, drift)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		movements:       movements,
		movedUnits:      units,
		drift:           drift,
	}
}

// Handler returns the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveMovement counts a committed stock movement.
func (m *Metrics) ObserveMovement(cause stock.Cause, delta int64) {
	if m == nil {
		return
	}
	direction := "in"
	if delta < 0 {
		direction = "out"
		delta = -delta
	}
	m.movements.WithLabelValues(string(cause)).Inc()
	m.movedUnits.WithLabelValues(string(cause), direction).Add(float64(delta))
}

// ObserveDrift counts discrepancies reported by a reconciliation scan.
func (m *Metrics) ObserveDrift(branchID string, count int) {
	if m == nil || count <= 0 {
		return
	}
	if branchID == "" {
		branchID = "all"
	}
	m.drift.WithLabelValues(branchID).Add(float64(count))
}

// Registerer exposes the registry for custom collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Flush keeps server-sent event streams working behind the middleware.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
