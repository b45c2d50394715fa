package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	ingestInFlight        prometheus.Gauge
	ingestStartedTotal    *prometheus.CounterVec
	ingestCompletedTotal  *prometheus.CounterVec
	ingestDurationMs      *prometheus.HistogramVec
	ingestStageDurationMs *prometheus.HistogramVec
	ingestRowsTotal       prometheus.Counter
	ingestFetchedBytes    prometheus.Counter

	queueMessagesTotal *prometheus.CounterVec
	eventRecordsTotal  *prometheus.CounterVec

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDurationMs *prometheus.HistogramVec

	wsConnections prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg}

	m.ingestInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_in_flight",
		Help: "Number of pipelines currently running.",
	})
	m.ingestStartedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_started_total",
		Help: "Total number of ingestion runs started.",
	}, []string{"trigger"})
	m.ingestCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_completed_total",
		Help: "Total number of ingestion runs completed.",
	}, []string{"trigger", "status", "error_kind"})
	m.ingestDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_duration_ms",
		Help:    "Ingestion run duration in milliseconds.",
		Buckets: prometheus.ExponentialBuckets(25, 2, 14),
	}, []string{"trigger", "status"})
	m.ingestStageDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_stage_duration_ms",
		Help:    "Pipeline stage duration in milliseconds.",
		Buckets: prometheus.ExponentialBuckets(5, 2, 16),
	}, []string{"stage"})
	m.ingestRowsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_rows_written_total",
		Help: "Total number of feature rows written to PostGIS.",
	})
	m.ingestFetchedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_fetched_bytes_total",
		Help: "Total number of object bytes fetched from S3.",
	})

	m.queueMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_messages_total",
		Help: "Total number of queue messages handled.",
	}, []string{"outcome"})
	m.eventRecordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_records_total",
		Help: "Total number of S3 event records seen.",
	}, []string{"outcome"})

	m.httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "route", "status"})
	m.httpRequestDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_ms",
		Help:    "HTTP request duration in milliseconds.",
		Buckets: prometheus.ExponentialBuckets(5, 2, 12),
	}, []string{"method", "route"})

	m.wsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections",
		Help: "Number of active websocket connections.",
	})

	reg.MustRegister(
		m.ingestInFlight,
		m.ingestStartedTotal,
		m.ingestCompletedTotal,
		m.ingestDurationMs,
		m.ingestStageDurationMs,
		m.ingestRowsTotal,
		m.ingestFetchedBytes,
		m.queueMessagesTotal,
		m.eventRecordsTotal,
		m.httpRequestsTotal,
		m.httpRequestDurationMs,
		m.wsConnections,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncIngestStarted(trigger string) {
	if m == nil {
		return
	}
	m.ingestInFlight.Inc()
	m.ingestStartedTotal.WithLabelValues(trigger).Inc()
}

func (m *Metrics) ObserveIngestCompleted(trigger, status, errorKind string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ingestInFlight.Dec()
	m.ingestCompletedTotal.WithLabelValues(trigger, status, normalizeErrorKind(status, errorKind)).Inc()
	m.ingestDurationMs.WithLabelValues(trigger, status).Observe(nonNegativeMs(duration))
}

func (m *Metrics) ObserveStage(stage string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ingestStageDurationMs.WithLabelValues(stage).Observe(nonNegativeMs(duration))
}

func (m *Metrics) AddRowsWritten(rows int64) {
	if m == nil || rows <= 0 {
		return
	}
	m.ingestRowsTotal.Add(float64(rows))
}

func (m *Metrics) AddFetchedBytes(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ingestFetchedBytes.Add(float64(n))
}

func (m *Metrics) IncQueueMessages(outcome string) {
	if m == nil {
		return
	}
	m.queueMessagesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncEventRecords(outcome string) {
	if m == nil {
		return
	}
	m.eventRecordsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = strings.TrimSpace(route)
	if route == "" {
		route = "unknown"
	}
	statusLabel := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(method, route, statusLabel).Inc()
	m.httpRequestDurationMs.WithLabelValues(method, route).Observe(nonNegativeMs(duration))
}

func (m *Metrics) IncWSConnections() {
	if m == nil {
		return
	}
	m.wsConnections.Inc()
}

func (m *Metrics) DecWSConnections() {
	if m == nil {
		return
	}
	m.wsConnections.Dec()
}

func nonNegativeMs(d time.Duration) float64 {
	ms := float64(d.Milliseconds())
	if ms < 0 {
		return 0
	}
	return ms
}

func normalizeErrorKind(status, kind string) string {
	kind = strings.TrimSpace(kind)
	if kind != "" {
		return kind
	}
	if strings.TrimSpace(status) == "failed" {
		return "unknown"
	}
	return "none"
}
