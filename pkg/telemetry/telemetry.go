// Package telemetry exposes the server's prometheus metrics. Collectors are
// registered on the default registry and served by promhttp on /metrics.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"parleydb/pkg/logger"
)

var (
	MessagesAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parleydb_messages_appended_total",
		Help: "Messages durably appended to conversation logs.",
	})
	AppendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parleydb_append_failures_total",
		Help: "Appends aborted by a persistence failure.",
	})
	BatchesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parleydb_sync_batches_sent_total",
		Help: "Message batches sent to client sessions.",
	})
	PaginationRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parleydb_pagination_requests_total",
		Help: "Older-history requests served.",
	})
	ResolveRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parleydb_resolve_requests_total",
		Help: "Template resolution round-trips served.",
	})
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parleydb_sessions_active",
		Help: "Currently attached client sessions.",
	})
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "parleydb_http_request_seconds",
		Help:    "Admin API request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})
)

// Middleware records admin request latency and logs slow requests.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		d := time.Since(start)
		RequestDuration.WithLabelValues(r.URL.Path).Observe(d.Seconds())
		if d > 200*time.Millisecond {
			logger.Warn("slow_request", "method", r.Method, "path", r.URL.Path, "duration_ms", d.Milliseconds())
		}
	})
}
