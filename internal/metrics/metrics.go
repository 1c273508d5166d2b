// Package metrics provides Prometheus instrumentation for the race engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RacesStarted counts races that left Idle, partitioned by field size.
	RacesStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "racing_races_started_total",
		Help: "Total number of races started",
	}, []string{"field_size"})

	// RacesFinished counts races that produced a winner.
	RacesFinished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "racing_races_finished_total",
		Help: "Total number of races that reached the finish line",
	})

	// RacesCancelled counts races whose clock was stopped before a winner.
	RacesCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "racing_races_cancelled_total",
		Help: "Races whose clock was cancelled before a winner was found",
	})

	// ActiveRaces tracks races currently Running.
	ActiveRaces = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "racing_active_races",
		Help: "Number of races currently running",
	})

	RaceTicks = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "racing_race_ticks",
		Help:    "Ticks needed to finish a race",
		Buckets: prometheus.LinearBuckets(30, 10, 10),
	})

	// Settlements counts settled wagers by result (won/lost).
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "racing_settlements_total",
		Help: "Total number of settled wagers",
	}, []string{"result"})

	// StakeVolume and PayoutVolume track cumulative money in and out.
	StakeVolume = promauto.NewCounter(prometheus.CounterOpts{
		Name: "racing_stake_volume_total",
		Help: "Cumulative stake placed",
	})
	PayoutVolume = promauto.NewCounter(prometheus.CounterOpts{
		Name: "racing_payout_volume_total",
		Help: "Cumulative payout credited",
	})

	// WagerRejections counts wagers refused at race start.
	WagerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "racing_wager_rejections_total",
		Help: "Wagers rejected at placement",
	}, []string{"reason"})

	// OutboxOps counts persistence ops by final status (ok/retry/failed).
	OutboxOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "racing_outbox_ops_total",
		Help: "Settlement persistence operations by status",
	}, []string{"op", "status"})

	OutboxDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "racing_outbox_depth",
		Help: "Persistence operations waiting in the outbox",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "racing_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "racing_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "racing_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Label by route pattern, not raw path: player ids would explode cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
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

// Hijack lets the websocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
