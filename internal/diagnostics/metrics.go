package diagnostics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AltairaLabs/ide-bridge/internal/supervisor"
)

const namespace = "ide_bridge"

// Metrics holds the bridge's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	connectionState     *prometheus.GaugeVec
	reconnects          *prometheus.CounterVec
	pushes              *prometheus.CounterVec
	pushesCoalesced     prometheus.Counter
	selectionsDiscarded *prometheus.CounterVec
	invocations         *prometheus.CounterVec
	invocationLatency   *prometheus.HistogramVec
	authFailures        prometheus.Counter
}

// NewMetrics registers the bridge collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connectionState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_state",
				Help:      "Current lifecycle state of each channel (0=disconnected .. 5=failed)",
			},
			[]string{"channel"},
		),
		reconnects: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconnect_attempts_total",
				Help:      "Reconnect attempts by channel",
			},
			[]string{"channel"},
		),
		pushes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_sent_total",
				Help:      "Notifications delivered to agents by method",
			},
			[]string{"method"},
		),
		pushesCoalesced: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_coalesced_total",
			Help:      "Queued selection pushes replaced by a newer one before delivery",
		}),
		selectionsDiscarded: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "selections_discarded_total",
				Help:      "Selection events dropped before reaching the cache",
			},
			[]string{"reason"},
		),
		invocations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_invocations_total",
				Help:      "Tool invocations by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		invocationLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_invocation_duration_seconds",
				Help:      "Time from tool call to editor result",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"tool"},
		),
		authFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected agent connection attempts",
		}),
	}
}

// StateChanged mirrors channel-level state into the gauge
func (m *Metrics) StateChanged(rec supervisor.ConnectionRecord) {
	if m == nil || rec.ID != rec.Channel {
		return
	}
	m.connectionState.WithLabelValues(rec.Channel).Set(float64(rec.State))
}

// ReconnectAttempt counts a reconnect attempt
func (m *Metrics) ReconnectAttempt(channel string, _ int, _ time.Duration) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(channel).Inc()
}

// NotificationSent counts a notification written to an agent
func (m *Metrics) NotificationSent(method string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(method).Inc()
}

// NotificationCoalesced counts a queued push superseded before delivery
func (m *Metrics) NotificationCoalesced() {
	if m == nil {
		return
	}
	m.pushesCoalesced.Inc()
}

// SelectionDiscarded counts a selection dropped for reason
func (m *Metrics) SelectionDiscarded(reason string) {
	if m == nil {
		return
	}
	m.selectionsDiscarded.WithLabelValues(reason).Inc()
}

// Invocation records the outcome and latency of a tool invocation
func (m *Metrics) Invocation(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(tool, outcome).Inc()
	m.invocationLatency.WithLabelValues(tool).Observe(d.Seconds())
}

// AuthFailure counts a rejected agent connection
func (m *Metrics) AuthFailure() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}
