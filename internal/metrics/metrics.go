package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pen/orchestrator/internal/saga"
	redisx "github.com/pen/orchestrator/pkg/redis"
)

const (
	RetentionEvents = "events"
	RetentionSagas  = "sagas"
)

// Metrics holds Prometheus metrics for the orchestrator.
type Metrics struct {
	SagasStarted        *prometheus.CounterVec
	SagasCompleted      *prometheus.CounterVec
	DispatchResults     *prometheus.CounterVec
	DispatchLatency     *prometheus.HistogramVec
	Transitions         *prometheus.CounterVec
	Replays             *prometheus.CounterVec
	RecoveryRuns        prometheus.Counter
	RetentionDeleted    *prometheus.CounterVec
	StreamHandlerErrors *prometheus.CounterVec
	StreamDeadLetters   *prometheus.CounterVec
	StreamPending       *prometheus.GaugeVec
	StreamDLQLength     *prometheus.GaugeVec
	WSConnections       prometheus.Gauge
	WSDropped           prometheus.Gauge
	gatherer            prometheus.Gatherer
}

var _ saga.Recorder = (*Metrics)(nil)

// NewDefault registers metrics with the default Prometheus registry.
func NewDefault() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// New registers metrics with the provided registry. If registry is nil, a new
// isolated registry is created.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return newMetrics(registry, registry)
}

func newMetrics(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		SagasStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_started_total",
			Help: "Sagas created by workflow.",
		}, []string{"workflow"}),
		SagasCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_completed_total",
			Help: "Sagas that reached MARK_COMPLETE by workflow.",
		}, []string{"workflow"}),
		DispatchResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_dispatch_total",
			Help: "Inbound events by workflow and dispatch result.",
		}, []string{"workflow", "result"}),
		DispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "saga_dispatch_duration_seconds",
			Help:    "Time to dispatch one inbound event.",
			Buckets: prometheus.DefBuckets,
		}, []string{"workflow"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_transitions_total",
			Help: "Applied transitions by workflow, source event and outcome.",
		}, []string{"workflow", "event", "outcome"}),
		Replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_replays_total",
			Help: "Recovery replays by workflow and result.",
		}, []string{"workflow", "result"}),
		RecoveryRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_recovery_runs_total",
			Help: "Completed recovery scans.",
		}),
		RetentionDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_retention_deleted_total",
			Help: "Rows removed by the retention job.",
		}, []string{"kind"}),
		StreamHandlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_stream_handler_errors_total",
			Help: "Messages left pending after a handler error.",
		}, []string{"stream"}),
		StreamDeadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_stream_dead_letters_total",
			Help: "Messages moved to the dead letter stream.",
		}, []string{"stream"}),
		StreamPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "saga_stream_pending",
			Help: "Unacknowledged messages in the consumer group.",
		}, []string{"stream"}),
		StreamDLQLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "saga_stream_dlq_length",
			Help: "Entries in the dead letter stream.",
		}, []string{"stream"}),
		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "saga_ws_connections",
			Help: "Active saga feed websocket connections.",
		}),
		WSDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "saga_ws_dropped_messages",
			Help: "Feed messages dropped for slow websocket clients since start.",
		}),
		gatherer: gatherer,
	}

	registerer.MustRegister(
		m.SagasStarted,
		m.SagasCompleted,
		m.DispatchResults,
		m.DispatchLatency,
		m.Transitions,
		m.Replays,
		m.RecoveryRuns,
		m.RetentionDeleted,
		m.StreamHandlerErrors,
		m.StreamDeadLetters,
		m.StreamPending,
		m.StreamDLQLength,
		m.WSConnections,
		m.WSDropped,
	)

	return m
}

// Handler returns an HTTP handler that exposes metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) SagaStarted(workflow string) {
	m.SagasStarted.WithLabelValues(workflow).Inc()
}

func (m *Metrics) SagaCompleted(workflow string) {
	m.SagasCompleted.WithLabelValues(workflow).Inc()
}

func (m *Metrics) Dispatched(workflow string, result saga.Result, elapsed time.Duration) {
	m.DispatchResults.WithLabelValues(workflow, string(result)).Inc()
	m.DispatchLatency.WithLabelValues(workflow).Observe(elapsed.Seconds())
}

func (m *Metrics) Transitioned(workflow string, from saga.EventType, outcome saga.EventOutcome) {
	m.Transitions.WithLabelValues(workflow, string(from), string(outcome)).Inc()
}

func (m *Metrics) Replayed(workflow string, result saga.Result) {
	m.Replays.WithLabelValues(workflow, string(result)).Inc()
}

// IncRecoveryRuns increments the recovery scan counter by 1.
func (m *Metrics) IncRecoveryRuns() {
	m.RecoveryRuns.Inc()
}

// ObserveRetention records rows removed by one retention run.
func (m *Metrics) ObserveRetention(events, sagas int64) {
	m.RetentionDeleted.WithLabelValues(RetentionEvents).Add(float64(events))
	m.RetentionDeleted.WithLabelValues(RetentionSagas).Add(float64(sagas))
}

// SetStreamPending records the pending count of a stream.
func (m *Metrics) SetStreamPending(stream string, n int64) {
	m.StreamPending.WithLabelValues(stream).Set(float64(n))
}

func (m *Metrics) SetStreamDLQLength(stream string, n int64) {
	m.StreamDLQLength.WithLabelValues(stream).Set(float64(n))
}

// SetWSStats 采样看板连接数和累计丢弃数
func (m *Metrics) SetWSStats(active int, dropped int64) {
	m.WSConnections.Set(float64(active))
	m.WSDropped.Set(float64(dropped))
}

// StreamHooks returns consumer hooks that feed the stream counters.
func (m *Metrics) StreamHooks() redisx.Hooks {
	return redisx.Hooks{
		OnHandlerError: func(stream string, _ error) {
			m.StreamHandlerErrors.WithLabelValues(stream).Inc()
		},
		OnDeadLetter: func(stream string) {
			m.StreamDeadLetters.WithLabelValues(stream).Inc()
		},
	}
}
