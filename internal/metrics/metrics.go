// Package metrics provides Prometheus instrumentation for the trade engine.
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
	// TradesTotal counts settled trades, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_trades_total",
		Help: "Total number of trades settled",
	}, []string{"side"})

	// TradeLatency is the settlement latency distribution.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_trade_latency_seconds",
		Help:    "Trade settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// SettlementRejections counts settlements rejected, by reason.
	SettlementRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_settlement_rejections_total",
		Help: "Settlements rejected before mutation",
	}, []string{"reason"})

	// QuoteFetches counts upstream quote attempts by source and outcome
	// (ok, error, not_listed, breaker_open).
	QuoteFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_quote_fetches_total",
		Help: "Upstream quote fetch attempts",
	}, []string{"source", "outcome"})

	// BreakerState exports each source breaker's state
	// (0=closed, 1=open, 2=half_open).
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "engine_breaker_state",
		Help: "Circuit breaker state per quote source",
	}, []string{"source"})

	// TickCacheHits / TickCacheMisses track the local tick cache.
	TickCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_tick_cache_hits_total",
		Help: "Local tick cache hits (fresh or stale-served)",
	})
	TickCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_tick_cache_misses_total",
		Help: "Local tick cache misses requiring a blocking fetch",
	})

	// StaleServed counts ticks served stale while a background refresh ran.
	StaleServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_tick_stale_served_total",
		Help: "Ticks served past freshness under stale-while-revalidate",
	})

	// WebSocketClients tracks connected tick stream clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_http_request_duration_seconds",
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
