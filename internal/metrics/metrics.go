// Package metrics provides Prometheus instrumentation for the clearing engine.
// Labels never carry bid contents or ciphertext handles.
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
	// AuctionsCreated counts auctions registered.
	AuctionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sealbid_auctions_created_total",
		Help: "Total number of auctions created",
	})

	// ActiveAuctions tracks the number of open auctions.
	ActiveAuctions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sealbid_active_auctions",
		Help: "Number of currently open auctions",
	})

	// BidsSubmitted counts accepted bids.
	BidsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sealbid_bids_submitted_total",
		Help: "Total number of sealed bids accepted",
	})

	// BidRejections counts refused bids by reason.
	BidRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sealbid_bid_rejections_total",
		Help: "Sealed bids refused, by reason",
	}, []string{"reason"})

	// ClearingDuration tracks the cost of sorting plus clearing.
	ClearingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sealbid_clearing_duration_seconds",
		Help:    "Clearing price computation latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})

	// SorterComparisons counts encrypted compare-and-swap steps.
	SorterComparisons = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sealbid_sorter_comparisons_total",
		Help: "Encrypted compare-and-swap steps performed by the sorter",
	})

	// SettlementDuration tracks finalize latency including ledger calls.
	SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sealbid_settlement_duration_seconds",
		Help:    "Auction finalization latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// LedgerBatches counts ledger batch executions by operation and result.
	LedgerBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sealbid_ledger_batches_total",
		Help: "Ledger batches executed",
	}, []string{"operation", "result"})

	// FHEOperations counts homomorphic operations by kind.
	FHEOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sealbid_fhe_operations_total",
		Help: "Homomorphic operations evaluated",
	}, []string{"op"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sealbid_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sealbid_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sealbid_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
	}, []string{"method", "path"})
)

// ObserveFHE is an fhe.Observer feeding FHEOperations.
func ObserveFHE(op string) {
	FHEOperations.WithLabelValues(op).Inc()
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

		// Route pattern keeps auction IDs out of the label set.
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

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack passes through to the wrapped writer for WebSocket upgrades.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
