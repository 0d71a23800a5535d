// Package metrics provides Prometheus instrumentation for the economy engine.
package metrics

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gamehub/economy-engine/internal/events"
)

var (
	// ListingsOpened counts listings opened, partitioned by item kind.
	ListingsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "economy_listings_opened_total",
		Help: "Total number of listings opened",
	}, []string{"item_kind"})

	// ListingsClosed counts listings cancelled or expired.
	ListingsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "economy_listings_closed_total",
		Help: "Listings closed without a trade",
	}, []string{"status"})

	// TradesCompleted counts settled trades per currency.
	TradesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "economy_trades_completed_total",
		Help: "Total number of trades settled",
	}, []string{"currency"})

	// CommissionCollected accumulates fees parked on the System account.
	CommissionCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "economy_commission_collected_total",
		Help: "Cumulative commission collected per currency",
	}, []string{"currency"})

	// RewardsIssued counts rewards granted, partitioned by cause kind.
	RewardsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "economy_rewards_issued_total",
		Help: "Total number of rewards issued",
	}, []string{"cause"})

	// RewardsDeduplicated counts reward requests answered as already processed.
	RewardsDeduplicated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "economy_rewards_deduplicated_total",
		Help: "Reward requests suppressed by the idempotency guard",
	}, []string{"cause"})

	// EngineErrors counts failed engine calls by class (client or server).
	EngineErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "economy_engine_errors_total",
		Help: "Engine errors by class",
	}, []string{"class"})

	// SweepExpired counts listings expired by the sweep.
	SweepExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "economy_sweep_expired_total",
		Help: "Listings expired by the sweep",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "economy_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "economy_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// WebSocketClients exposes the connected client count reported by fn.
func WebSocketClients(fn func() int) prometheus.GaugeFunc {
	return promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "economy_websocket_clients",
		Help: "Number of connected WebSocket clients",
	}, func() float64 { return float64(fn()) })
}

// EventPublishFailures exposes the count of events the broker publisher
// dropped or failed to deliver, as reported by fn.
func EventPublishFailures(fn func() int64) prometheus.CounterFunc {
	return promauto.NewCounterFunc(prometheus.CounterOpts{
		Name: "economy_event_publish_failures_total",
		Help: "Events dropped or rejected by the Kafka publisher",
	}, func() float64 { return float64(fn()) })
}

// Notifier turns committed economy events into counter increments.
type Notifier struct{}

func (Notifier) Notify(_ context.Context, ev events.Event) error {
	switch ev.Type {
	case events.ListingOpened:
		ListingsOpened.WithLabelValues(string(ev.ItemKind)).Inc()
	case events.ListingClosed:
		ListingsClosed.WithLabelValues(ev.Status).Inc()
	case events.TradeCompleted:
		TradesCompleted.WithLabelValues(string(ev.Resource)).Inc()
		if ev.Fee.IsPositive() {
			CommissionCollected.WithLabelValues(string(ev.Resource)).Add(ev.Fee.InexactFloat64())
		}
	case events.RewardIssued:
		RewardsIssued.WithLabelValues(causeKind(ev.Cause)).Inc()
	case events.RewardDeduplicated:
		RewardsDeduplicated.WithLabelValues(causeKind(ev.Cause)).Inc()
	}
	return nil
}

// causeKind keeps the label set bounded: "daily:2026-10-14" -> "daily".
func causeKind(cause string) string {
	kind, _, _ := strings.Cut(cause, ":")
	if kind == "" {
		return "unknown"
	}
	return kind
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

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
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
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
