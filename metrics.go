package signalr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "signalr"
	metricsSubsystem = "client"
)

// metrics holds the Prometheus collectors of one connection. With a nil registerer the
// collectors still count but are never exposed.
type metrics struct {
	stateTransitions   *prometheus.CounterVec
	reconnects         *prometheus.CounterVec
	invocations        *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	pendingInvocations prometheus.Gauge
	keepAliveWarnings  prometheus.Counter
	keepAliveTimeouts  prometheus.Counter
	inboundMessages    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)

	return &metrics{
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "state_transitions_total",
			Help:      "Connection state transitions by old and new state",
		}, []string{"from", "to"}),

		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "reconnects_total",
			Help:      "Reconnect episodes by outcome",
		}, []string{"outcome"}),

		invocations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "invocations_total",
			Help:      "Hub method invocations by hub, method and outcome",
		}, []string{"hub", "method", "outcome"}),

		invocationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "invocation_duration_seconds",
			Help:      "Time from sending an invocation until it resolved",
			Buckets:   prometheus.DefBuckets,
		}, []string{"hub", "method"}),

		pendingInvocations: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "pending_invocations",
			Help:      "Invocations waiting for a reply",
		}),

		keepAliveWarnings: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "keepalive_warnings_total",
			Help:      "Times the connection was silent past the keep-alive warning",
		}),

		keepAliveTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "keepalive_timeouts_total",
			Help:      "Times the keep-alive monitor declared the connection lost",
		}),

		inboundMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "inbound_messages_total",
			Help:      "Messages received from the hub by kind",
		}, []string{"kind"}),
	}
}

func (m *metrics) recordTransition(from, to ConnectionState) {
	m.stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *metrics) recordInvocation(hub, method, outcome string, seconds float64) {
	m.invocations.WithLabelValues(hub, method, outcome).Inc()
	m.invocationDuration.WithLabelValues(hub, method).Observe(seconds)
}
