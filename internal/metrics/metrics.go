// Package metrics provides Prometheus instrumentation for the flip engine.
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
	// BetsTotal counts accepted bets, partitioned by prediction.
	BetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flip_bets_total",
		Help: "Total number of bets accepted",
	}, []string{"prediction"})

	// BetRejectionsTotal counts rejected bets by reason.
	BetRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flip_bet_rejections_total",
		Help: "Bets rejected by validation or round state",
	}, []string{"reason"})

	// RoundsResolvedTotal counts resolved rounds by outcome.
	RoundsResolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flip_rounds_resolved_total",
		Help: "Rounds resolved, partitioned by flip result",
	}, []string{"result"})

	// RoundsForceReset counts administrative force resets of stuck rounds.
	RoundsForceReset = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flip_rounds_force_reset_total",
		Help: "Stuck rounds archived by force reset",
	})

	// PoolDistributed tracks the cumulative pool value of resolved rounds.
	// Approximate float, for dashboards only; settlement math stays exact.
	PoolDistributed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flip_pool_distributed_total",
		Help: "Cumulative total pool of resolved rounds",
	})

	// WebSocketClients tracks connected event-stream clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flip_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flip_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flip_http_request_duration_seconds",
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
