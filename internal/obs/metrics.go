package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics shared by every handler.
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
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Permit engine metrics.
var (
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ptw_transitions_total",
			Help: "Permit status transitions by source, target and outcome.",
		},
		[]string{"from", "to", "outcome"},
	)

	webhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ptw_webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome.",
		},
		[]string{"outcome"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ptw_notifications_total",
			Help: "Notifications by event type and outcome (stored/deduped).",
		},
		[]string{"event", "outcome"},
	)

	jobLastSuccess = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ptw_job_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run per scheduler job.",
		},
		[]string{"job"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ptw_job_duration_seconds",
			Help:    "Scheduler job run durations.",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 300},
		},
		[]string{"job"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		transitionsTotal, webhookDeliveriesTotal, notificationsTotal,
		jobLastSuccess, jobDuration,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTransition records a state machine transition attempt.
func ObserveTransition(from, to, outcome string) {
	transitionsTotal.WithLabelValues(from, to, outcome).Inc()
}

// ObserveWebhookDelivery records a webhook delivery attempt outcome.
func ObserveWebhookDelivery(outcome string) {
	webhookDeliveriesTotal.WithLabelValues(outcome).Inc()
}

// ObserveNotification records a notification outcome (stored or deduped).
func ObserveNotification(event, outcome string) {
	notificationsTotal.WithLabelValues(event, outcome).Inc()
}

// ObserveJob records a completed scheduler job run.
func ObserveJob(job string, d time.Duration, ok bool) {
	jobDuration.WithLabelValues(job).Observe(d.Seconds())
	if ok {
		jobLastSuccess.WithLabelValues(job).SetToCurrentTime()
	}
}

// Instrument wraps a handler with RPS/latency/in-flight accounting.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
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

// statusWriter captures the response code for metric labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
