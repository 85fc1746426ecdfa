// Package metrics exposes the coordinator's Prometheus collectors: HTTP
// request/duration instrumentation plus domain gauges for queue depth and
// drone counts, scraped from /api/v1/metrics (or mounted separately).
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the coordinator's Prometheus collectors.
var Registry = prometheus.NewRegistry()

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "swarm",
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of in-flight HTTP requests.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swarm",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests handled.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "swarm",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"method", "path"})

	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "swarm",
		Subsystem: "queue",
		Name:      "entries",
		Help:      "Current queue entry count by status.",
	}, []string{"status"})

	droneCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "swarm",
		Subsystem: "drones",
		Name:      "count",
		Help:      "Current registered drone count by status.",
	}, []string{"status"})

	protocolDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "swarm",
		Subsystem: "protocol",
		Name:      "dropped_entries_total",
		Help:      "Total protocol log entries dropped because the write-behind queue was full.",
	})
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		queueDepth,
		droneCount,
		protocolDropped,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler exposes the registered collectors for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// InstrumentHandler wraps next with HTTP request/duration metrics.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// canonicalPath collapses dynamic node-id segments under /nodes/ so the
// label cardinality stays bounded.
func canonicalPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, p := range parts {
		if i >= 3 && parts[i-1] == "nodes" && p != "" {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

// SetQueueDepth records the current count of queue entries in a status.
func SetQueueDepth(status string, count float64) {
	queueDepth.WithLabelValues(status).Set(count)
}

// SetDroneCount records the current count of drones in a status.
func SetDroneCount(status string, count float64) {
	droneCount.WithLabelValues(status).Set(count)
}

// IncProtocolDropped records a protocol log entry dropped for a full queue.
func IncProtocolDropped() {
	protocolDropped.Inc()
}
