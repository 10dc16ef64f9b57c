package obs

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trustgate/internal/checkpoint"
)

// Metrics owns a private registry so several servers can coexist in tests.
type Metrics struct {
	Registry *prometheus.Registry

	httpInFlight        prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	checkpointOutcomes  *prometheus.CounterVec
	decisionLatency     *prometheus.HistogramVec
	eventsTotal         *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		checkpointOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trustgate_checkpoint_outcomes_total",
			Help: "Checkpoint invocations by normalized status.",
		}, []string{"checkpoint", "status"}),
		decisionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trustgate_decision_latency_seconds",
			Help:    "Time spent in checkpoint invocations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"checkpoint"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trustgate_events_total",
			Help: "Emitted events by delivery result.",
		}, []string{"result"}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpInFlight, m.httpRequestsTotal, m.httpRequestDuration,
		m.checkpointOutcomes, m.decisionLatency, m.eventsTotal,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Instrument records RPS, latency and in-flight requests. The path label is
// the matched chi route pattern to keep cardinality bounded.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		status := strconv.Itoa(sw.code)
		m.httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		m.httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
	})
}

var _ checkpoint.Recorder = (*Metrics)(nil)

func (m *Metrics) RecordCheckpoint(_ context.Context, rec checkpoint.CheckpointRecord) {
	name := rec.Name
	if name == "" {
		name = "(invalid)"
	}
	m.checkpointOutcomes.WithLabelValues(name, string(rec.Result.Status)).Inc()
	m.decisionLatency.WithLabelValues(name).Observe(rec.Duration.Seconds())
}

func (m *Metrics) RecordEvent(_ context.Context, rec checkpoint.EventRecord) {
	result := "delivered"
	if !rec.Result.Success {
		result = "failed"
	}
	m.eventsTotal.WithLabelValues(result).Inc()
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
