package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)
)

// Admission pipeline metrics.
var (
	reservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flashdrop_reservations_total",
			Help: "Purchase attempts by terminal outcome.",
		},
		[]string{"result"},
	)

	saleSoldUnits = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flashdrop_sale_sold_units",
			Help: "Units sold per sale.",
		},
		[]string{"sale_id"},
	)

	idempotentReplays = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flashdrop_idempotent_replays_total",
		Help: "Purchase attempts served from the idempotency ledger.",
	})

	heartbeatsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flashdrop_heartbeats_total",
		Help: "Heartbeat snapshot batches published.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		reservationsTotal, saleSoldUnits, idempotentReplays, heartbeatsTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveReservation records a purchase attempt outcome.
func ObserveReservation(result string) {
	reservationsTotal.WithLabelValues(result).Inc()
}

// SetSoldUnits tracks the current sold counter for a sale.
func SetSoldUnits(saleID string, sold int) {
	saleSoldUnits.WithLabelValues(saleID).Set(float64(sold))
}

// ObserveReplay records a request served from the idempotency ledger.
func ObserveReplay() {
	idempotentReplays.Inc()
}

// ObserveHeartbeat records one published heartbeat batch.
func ObserveHeartbeat() {
	heartbeatsTotal.Inc()
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses sale identifiers to keep metric label cardinality
// bounded. /v1/sales/<id> and its known subresources map to :id templates;
// anything else passes through unchanged.
func CanonicalPath(p string) string {
	if p == "" {
		return "/"
	}
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	const prefix = "/v1/sales/"
	if !strings.HasPrefix(p, prefix) {
		return p
	}
	parts := strings.Split(strings.TrimPrefix(p, prefix), "/")
	switch len(parts) {
	case 1:
		if parts[0] != "" {
			return "/v1/sales/:id"
		}
	case 2:
		switch parts[1] {
		case "purchase", "release", "stream", "quota":
			return "/v1/sales/:id/" + parts[1]
		}
	}
	return p
}

// statusWriter captures the response code for metrics.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps event-stream handlers working behind the instrumentation.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
