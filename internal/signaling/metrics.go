package signaling

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricConnectionsActive = "signaling_connections_active"
	MetricRoomsActive       = "signaling_rooms_active"
	MetricJoins             = "signaling_joins_total"
	MetricLeaves            = "signaling_leaves_total"
	MetricSignalsRelayed    = "signaling_signals_relayed_total"
	MetricSignalsDropped    = "signaling_signals_dropped_total"
	MetricSendFailures      = "signaling_send_failures_total"
)

// Drop reasons used as label values.
const (
	DropMalformed     = "malformed"
	DropNotMember     = "not_member"
	DropUnknownTarget = "unknown_target"
	DropRoomFull      = "room_full"
	DropRateLimited   = "rate_limited"
	DropChatDisabled  = "chat_disabled"
)

// Metrics contains Prometheus metrics for the signaling coordinator.
type Metrics struct {
	connectionsActive prometheus.Gauge
	roomsActive       prometheus.Gauge
	joins             prometheus.Counter
	leaves            prometheus.Counter
	signalsRelayed    *prometheus.CounterVec
	signalsDropped    *prometheus.CounterVec
	sendFailures      prometheus.Counter
}

// NewMetrics creates the collectors. They are not registered; call Register.
func NewMetrics() *Metrics {
	return &Metrics{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricConnectionsActive,
			Help: "Number of connections registered on this node",
		}),
		roomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricRoomsActive,
			Help: "Number of rooms with at least one local member",
		}),
		joins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricJoins,
			Help: "Total number of room joins handled on this node",
		}),
		leaves: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricLeaves,
			Help: "Total number of room leaves handled on this node",
		}),
		signalsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricSignalsRelayed,
			Help: "Total number of signals relayed by signal type",
		}, []string{"type"}),
		signalsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricSignalsDropped,
			Help: "Total number of inbound frames or signals dropped by reason",
		}, []string{"reason"}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricSendFailures,
			Help: "Total number of failed enqueues that detached a connection",
		}),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.connectionsActive,
		m.roomsActive,
		m.joins,
		m.leaves,
		m.signalsRelayed,
		m.signalsDropped,
		m.sendFailures,
	}
}

// IncDropped counts a dropped frame. Exported for the connection layer.
func (m *Metrics) IncDropped(reason string) {
	if m == nil {
		return
	}
	m.signalsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) incRelayed(t SignalType) {
	if m == nil {
		return
	}
	m.signalsRelayed.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connectionsActive.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connectionsActive.Dec()
	}
}

func (m *Metrics) roomOpened() {
	if m != nil {
		m.roomsActive.Inc()
	}
}

func (m *Metrics) roomClosed() {
	if m != nil {
		m.roomsActive.Dec()
	}
}

func (m *Metrics) joined() {
	if m != nil {
		m.joins.Inc()
	}
}

func (m *Metrics) left() {
	if m != nil {
		m.leaves.Inc()
	}
}

func (m *Metrics) sendFailed() {
	if m != nil {
		m.sendFailures.Inc()
	}
}
