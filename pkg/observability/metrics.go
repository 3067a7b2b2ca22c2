package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments for the message pipeline. It uses
// a private registry so tests can run side by side without collisions.
type Metrics struct {
	registry *prometheus.Registry

	messagesSent     prometheus.Counter
	messagesReceived prometheus.Counter
	messagesFailed   prometheus.Counter
	decisions        *prometheus.CounterVec
	processingTime   *prometheus.HistogramVec
	queueDepth       prometheus.Gauge
	deliberations    prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewMetrics builds the instrument set under the given namespace.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages accepted and dispatched by the bus.",
		}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages handed to receivers from the internal queue.",
		}),
		messagesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_failed_total",
			Help:      "Messages denied or failed during processing.",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Governance decisions by tenant, message type and outcome.",
		}, []string{"tenant", "message_type", "decision"}),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_seconds",
			Help:      "Per-message processing latency.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"tenant"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Messages waiting in the internal queue.",
		}),
		deliberations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "deliberations_pending",
			Help:      "Messages parked for human or committee review.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by path and status.",
		}, []string{"path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_seconds",
			Help:      "HTTP request latency by path.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path"}),
	}
	reg.MustRegister(
		m.messagesSent, m.messagesReceived, m.messagesFailed,
		m.decisions, m.processingTime, m.queueDepth, m.deliberations,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// Handler exposes the registry for a /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// HTTPMiddleware records request counts and latency.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.httpRequests.WithLabelValues(r.URL.Path, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// IncSent counts an accepted message.
func (m *Metrics) IncSent() { m.messagesSent.Inc() }

// IncReceived counts a delivered receive.
func (m *Metrics) IncReceived() { m.messagesReceived.Inc() }

// IncFailed counts a denial or processing failure.
func (m *Metrics) IncFailed() { m.messagesFailed.Inc() }

// RecordDecision counts one governance decision.
func (m *Metrics) RecordDecision(tenant, messageType, decision string) {
	if tenant == "" {
		tenant = "default"
	}
	m.decisions.WithLabelValues(tenant, messageType, decision).Inc()
}

// ObserveProcessing records one message's processing latency.
func (m *Metrics) ObserveProcessing(tenant string, d time.Duration) {
	if tenant == "" {
		tenant = "default"
	}
	m.processingTime.WithLabelValues(tenant).Observe(d.Seconds())
}

// SetQueueDepth updates the internal queue gauge.
func (m *Metrics) SetQueueDepth(n int) { m.queueDepth.Set(float64(n)) }

// SetDeliberationsPending updates the review queue gauge.
func (m *Metrics) SetDeliberationsPending(n int) { m.deliberations.Set(float64(n)) }
