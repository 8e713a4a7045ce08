// Package metrics provides the kernel's Prometheus collectors:
// HTTP request counts and latency, plus counters scoped to the
// kernel's own write paths (modify/commit/resolve) and its
// directive queue.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector the kernel registers.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	ErrorsTotal *prometheus.CounterVec

	EngineCallsTotal    *prometheus.CounterVec
	EngineCallDuration  *prometheus.HistogramVec

	DirectivesProcessedTotal *prometheus.CounterVec
	DirectiveQueueDepth      *prometheus.GaugeVec

	DatabaseQueriesTotal   *prometheus.CounterVec
	DatabaseQueryDuration  *prometheus.HistogramVec
	DatabaseConnectionsOpen prometheus.Gauge

	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates and registers a Metrics instance against the default registry.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against registerer,
// or unregistered if registerer is nil (used by tests).
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "omniman_http_requests_total", Help: "Total number of HTTP requests"},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "omniman_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "omniman_http_requests_in_flight", Help: "Current number of in-flight HTTP requests"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "omniman_errors_total", Help: "Total number of errors by family"},
			[]string{"family", "code"},
		),

		EngineCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "omniman_engine_calls_total", Help: "Total calls into the modify/commit/resolve/write-back engines"},
			[]string{"op", "channel_code", "status"},
		),
		EngineCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "omniman_engine_call_duration_seconds",
				Help:    "Engine call duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"op"},
		),

		DirectivesProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "omniman_directives_processed_total", Help: "Total directives dispatched by topic and terminal status"},
			[]string{"topic", "status"},
		),
		DirectiveQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "omniman_directive_queue_depth", Help: "Number of queued directives by topic"},
			[]string{"topic"},
		),

		DatabaseQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "omniman_database_queries_total", Help: "Total number of database queries"},
			[]string{"operation", "status"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "omniman_database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"operation"},
		),
		DatabaseConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "omniman_database_connections_open", Help: "Current number of open database connections"},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "omniman_service_uptime_seconds", Help: "Service uptime in seconds"},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "omniman_service_info", Help: "Service build information"},
			[]string{"service", "version"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal, m.RequestDuration, m.RequestsInFlight,
			m.ErrorsTotal,
			m.EngineCallsTotal, m.EngineCallDuration,
			m.DirectivesProcessedTotal, m.DirectiveQueueDepth,
			m.DatabaseQueriesTotal, m.DatabaseQueryDuration, m.DatabaseConnectionsOpen,
			m.ServiceUptime, m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0").Set(1)
	return m
}

// RecordHTTPRequest records one finished HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordError records one error, labeled by its omnierr family and code.
func (m *Metrics) RecordError(family, code string) {
	m.ErrorsTotal.WithLabelValues(family, code).Inc()
}

// RecordEngineCall records one modify/commit/resolve/write-back call.
func (m *Metrics) RecordEngineCall(op, channelCode, status string, duration time.Duration) {
	m.EngineCallsTotal.WithLabelValues(op, channelCode, status).Inc()
	m.EngineCallDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordDirectiveProcessed records one terminal directive dispatch.
func (m *Metrics) RecordDirectiveProcessed(topic, status string) {
	m.DirectivesProcessedTotal.WithLabelValues(topic, status).Inc()
}

// SetDirectiveQueueDepth sets the current queued count for topic.
func (m *Metrics) SetDirectiveQueueDepth(topic string, depth int) {
	m.DirectiveQueueDepth.WithLabelValues(topic).Set(float64(depth))
}

// RecordDatabaseQuery records one database round trip.
func (m *Metrics) RecordDatabaseQuery(operation, status string, duration time.Duration) {
	m.DatabaseQueriesTotal.WithLabelValues(operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetDatabaseConnections sets the gauge tracking open DB connections.
func (m *Metrics) SetDatabaseConnections(count int) {
	m.DatabaseConnectionsOpen.Set(float64(count))
}

// UpdateUptime refreshes the service uptime gauge from startTime.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight/DecrementInFlight track concurrent HTTP handling.
func (m *Metrics) IncrementInFlight() { m.RequestsInFlight.Inc() }
func (m *Metrics) DecrementInFlight() { m.RequestsInFlight.Dec() }

var (
	global   *Metrics
	globalMu sync.Mutex
)

// Init sets the process-wide global Metrics instance, once.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New(serviceName)
	}
	return global
}

// Global returns the process-wide Metrics, lazily creating one named "omniman".
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New("omniman")
	}
	return global
}
