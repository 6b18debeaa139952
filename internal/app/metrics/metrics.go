package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "marketfeed",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketfeed",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "marketfeed",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	threadLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketfeed",
			Subsystem: "messages",
			Name:      "loads_total",
			Help:      "Total number of thread loads by outcome.",
		},
		[]string{"status"},
	)

	threadLoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "marketfeed",
			Subsystem: "messages",
			Name:      "load_duration_seconds",
			Help:      "Duration of thread loads.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"status"},
	)

	staleLoads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "marketfeed",
			Subsystem: "messages",
			Name:      "stale_loads_total",
			Help:      "Thread loads discarded because a newer load had already been published.",
		},
	)

	sends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketfeed",
			Subsystem: "messages",
			Name:      "sends_total",
			Help:      "Total number of message sends by outcome.",
		},
		[]string{"status"},
	)

	notifications = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "marketfeed",
			Subsystem: "messages",
			Name:      "notifications_total",
			Help:      "Change notifications delivered to subscribers.",
		},
	)

	profileLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketfeed",
			Subsystem: "profiles",
			Name:      "lookups_total",
			Help:      "Profile lookups by result.",
		},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		threadLoads,
		threadLoadDuration,
		staleLoads,
		sends,
		notifications,
		profileLookups,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

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

// RecordLoad records a thread load.
func RecordLoad(status string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	threadLoads.WithLabelValues(status).Inc()
	threadLoadDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordStaleLoad counts a load dropped in favour of a newer one.
func RecordStaleLoad() {
	threadLoads.WithLabelValues("stale").Inc()
	staleLoads.Inc()
}

// RecordSend records a send attempt.
func RecordSend(status string) {
	sends.WithLabelValues(status).Inc()
}

// RecordNotification counts a delivered change notification.
func RecordNotification() {
	notifications.Inc()
}

// RecordProfileLookup records a profile cache lookup.
func RecordProfileLookup(result string) {
	if result == "" {
		result = "unknown"
	}
	profileLookups.WithLabelValues(result).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "threads" {
		return "/" + parts[0]
	}
	switch len(parts) {
	case 1:
		return "/threads"
	case 2:
		return "/threads/:counterparty"
	default:
		return "/threads/:counterparty/" + parts[2]
	}
}
