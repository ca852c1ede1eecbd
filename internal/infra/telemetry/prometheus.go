package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mcphost/internal/domain"
)

type PrometheusMetrics struct {
	sessionStarts      *prometheus.CounterVec
	sessionStops       *prometheus.CounterVec
	activeSessions     prometheus.Gauge
	invocationDuration *prometheus.HistogramVec
	logEntries         *prometheus.CounterVec
	logEvictions       *prometheus.CounterVec
	protocolAnomalies  *prometheus.CounterVec
}

func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusMetrics{
		sessionStarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcphost_session_starts_total",
				Help: "Total number of session start attempts",
			},
			[]string{"server", "outcome"},
		),
		sessionStops: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcphost_session_stops_total",
				Help: "Total number of session stops",
			},
			[]string{"server"},
		),
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mcphost_active_sessions",
				Help: "Current number of sessions in ready or degraded state",
			},
		),
		invocationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcphost_invocation_duration_seconds",
				Help:    "Duration of tool invocations in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"server", "outcome"},
		),
		logEntries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcphost_log_entries_total",
				Help: "Total log entries appended to session buffers",
			},
			[]string{"server", "stream"},
		),
		logEvictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcphost_log_evictions_total",
				Help: "Log entries evicted from session buffers by FIFO bound",
			},
			[]string{"server"},
		),
		protocolAnomalies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcphost_protocol_anomalies_total",
				Help: "Inbound messages dropped as protocol anomalies",
			},
			[]string{"server", "kind"},
		),
	}
}

func (p *PrometheusMetrics) ObserveSessionStart(server string, err error) {
	p.sessionStarts.WithLabelValues(server, outcome(err)).Inc()
}

func (p *PrometheusMetrics) ObserveSessionStop(server string) {
	p.sessionStops.WithLabelValues(server).Inc()
}

func (p *PrometheusMetrics) SetActiveSessions(count int) {
	p.activeSessions.Set(float64(count))
}

func (p *PrometheusMetrics) ObserveInvocation(server string, state string, duration time.Duration) {
	p.invocationDuration.WithLabelValues(server, state).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) ObserveLogEntry(server, stream string) {
	p.logEntries.WithLabelValues(server, stream).Inc()
}

func (p *PrometheusMetrics) ObserveLogEviction(server string) {
	p.logEvictions.WithLabelValues(server).Inc()
}

func (p *PrometheusMetrics) ObserveProtocolAnomaly(server, kind string) {
	p.protocolAnomalies.WithLabelValues(server, kind).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

var _ domain.Metrics = (*PrometheusMetrics)(nil)
