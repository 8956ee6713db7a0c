// Package metrics exposes relay and participant counters through prometheus.
//
// Collectors are registered on an injected prometheus.Registerer, never on
// the global default registry, so tests and multiple relays in one process
// do not collide. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "blocksync"

// Metrics holds the collectors.
type Metrics struct {
	sequenced     *prometheus.CounterVec
	logErrors     prometheus.Counter
	connections   prometheus.Gauge
	sessions      prometheus.Gauge
	writes        prometheus.Counter
	acknowledged  prometheus.Counter
	replayEntries *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sequenced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_sequenced_total",
			Help:      "Messages assigned a position in a session's total order.",
		}, []string{"kind"}),
		logErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "log_errors_total",
			Help:      "Sequenced messages that could not be written to the durable log.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Currently connected participants.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "sessions",
			Help:      "Sessions with at least one sequenced message.",
		}),
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "participant",
			Name:      "writes_total",
			Help:      "Writes issued by synchronizers.",
		}),
		acknowledged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "participant",
			Name:      "writes_acknowledged_total",
			Help:      "Writes whose own notification came back from the channel.",
		}),
		replayEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "participant",
			Name:      "replay_entries_total",
			Help:      "Offline recording entries processed on reconnect, by outcome.",
		}, []string{"outcome"}),
	}

	for _, c := range []prometheus.Collector{
		m.sequenced, m.logErrors, m.connections, m.sessions,
		m.writes, m.acknowledged, m.replayEntries,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// MustNew is like New but panics on registration errors.
func MustNew(reg prometheus.Registerer) *Metrics {
	m, err := New(reg)
	if err != nil {
		panic(err)
	}
	return m
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Sequenced counts a message of kind entering a session's order.
func (m *Metrics) Sequenced(kind string) {
	if m == nil {
		return
	}
	m.sequenced.WithLabelValues(kind).Inc()
}

// LogError counts a failed durable append.
func (m *Metrics) LogError() {
	if m == nil {
		return
	}
	m.logErrors.Inc()
}

// Connected adjusts the connection gauge by delta.
func (m *Metrics) Connected(delta int) {
	if m == nil {
		return
	}
	m.connections.Add(float64(delta))
}

// SessionOpened counts a newly sequenced session.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

// WriteIssued counts a synchronizer write.
func (m *Metrics) WriteIssued() {
	if m == nil {
		return
	}
	m.writes.Inc()
}

// WriteAcknowledged counts a synchronizer write coming back.
func (m *Metrics) WriteAcknowledged() {
	if m == nil {
		return
	}
	m.acknowledged.Inc()
}

// Replayed counts an offline entry by outcome: "replayed", "dropped" or
// "failed".
func (m *Metrics) Replayed(outcome string) {
	if m == nil {
		return
	}
	m.replayEntries.WithLabelValues(outcome).Inc()
}
