// Package metrics provides Prometheus instrumentation for the energy market.
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
	// InstructionsTotal counts applied instructions by kind and result.
	InstructionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "energy_instructions_total",
		Help: "Instructions applied, by kind and result",
	}, []string{"kind", "result"})

	// InstructionLatency covers load, apply and save of one instruction.
	InstructionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "energy_instruction_latency_seconds",
		Help:    "Instruction latency in seconds, including persistence",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// ClearingPasses counts matching passes by trigger (api or ticker).
	ClearingPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "energy_clearing_passes_total",
		Help: "Total clearing passes run",
	}, []string{"trigger"})

	// TradesTotal counts settled trades.
	TradesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "energy_trades_total",
		Help: "Total number of trades settled",
	})

	// EnergyVolume tracks cumulative settled energy.
	EnergyVolume = promauto.NewCounter(prometheus.CounterOpts{
		Name: "energy_volume_units_total",
		Help: "Cumulative settled energy in units",
	})

	// UnderfundedPairs counts demand/lot pairs skipped because the consumer
	// could not pay.
	UnderfundedPairs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "energy_underfunded_pairs_total",
		Help: "Matching pairs skipped for insufficient consumer funds",
	})

	// OpenLots and OpenDemands track the book after each instruction.
	OpenLots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "energy_open_lots",
		Help: "Production lots on the book",
	})
	OpenDemands = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "energy_open_demands",
		Help: "Demand requests on the book",
	})

	// Participants tracks registered participants.
	Participants = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "energy_participants",
		Help: "Number of registered participants",
	})

	// LimitRejections counts submissions refused by the submission limiter.
	LimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "energy_limit_rejections_total",
		Help: "Submissions rejected by the submission limiter",
	}, []string{"reason"})

	// VersionConflicts counts saves that lost an optimistic-concurrency race.
	VersionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "energy_store_version_conflicts_total",
		Help: "Snapshot saves rejected for a stale version",
	})

	// OutboxPublished counts trade events relayed to Kafka, by result.
	OutboxPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "energy_outbox_published_total",
		Help: "Trade events relayed from the outbox",
	}, []string{"status"})

	// OutboxPending tracks trade events waiting to be relayed.
	OutboxPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "energy_outbox_pending",
		Help: "Trade events waiting in the outbox",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "energy_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "energy_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "energy_http_request_duration_seconds",
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

		// Label by route pattern, not raw path, to keep identities out of
		// the label set.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
