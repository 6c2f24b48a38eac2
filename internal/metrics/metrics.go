// Package metrics provides Prometheus instrumentation for the graduation
// engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// GraduationsTotal counts successful graduations.
	GraduationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gradengine_graduations_total",
		Help: "Total number of successful graduations",
	})

	// GraduationLiquidityTotal accumulates migrated quote-side liquidity.
	GraduationLiquidityTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gradengine_graduation_liquidity_total",
		Help: "Cumulative quote-side liquidity migrated into pools",
	})

	// SafetyRejections counts operations rejected by safety gates.
	SafetyRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gradengine_safety_rejections_total",
		Help: "Operations rejected by safety gates",
	}, []string{"gate"})

	// CircuitBreakerState is 1 while the breaker is tripped.
	CircuitBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gradengine_circuit_breaker_tripped",
		Help: "Whether the circuit breaker is currently tripped",
	})

	// VotesCastTotal counts governance votes by choice.
	VotesCastTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gradengine_votes_cast_total",
		Help: "Total governance votes cast",
	}, []string{"choice"})

	// ProposalsTotal counts proposals created, by track.
	ProposalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gradengine_proposals_total",
		Help: "Total proposals created",
	}, []string{"track"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gradengine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gradengine_http_request_duration_seconds",
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
