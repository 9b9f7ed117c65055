package chatsync

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "chatsync"

// Metrics holds the client-side counters of the real-time pipeline. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	InboundEvents *prometheus.CounterVec
	DroppedEvents *prometheus.CounterVec
	Reconnects    prometheus.Counter
	Refetches     *prometheus.CounterVec
	Connected     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		InboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "inbound_events_total",
			Help:      "Inbound live events applied, by kind.",
		}, []string{"kind"}),
		DroppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dropped_events_total",
			Help:      "Inbound frames or payloads dropped, by reason.",
		}, []string{"reason"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconnects_total",
			Help:      "Reconnection attempts after an unexpected drop or failed dial.",
		}),
		Refetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "snapshot_fetches_total",
			Help:      "Snapshot fetches issued, by collection.",
		}, []string{"collection"}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connected",
			Help:      "1 while the live connection is up.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.InboundEvents, m.DroppedEvents, m.Reconnects, m.Refetches, m.Connected)
	}
	return m
}

func (m *Metrics) inbound(kind string) {
	if m != nil {
		m.InboundEvents.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) dropped(reason string) {
	if m != nil {
		m.DroppedEvents.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) reconnect() {
	if m != nil {
		m.Reconnects.Inc()
	}
}

func (m *Metrics) fetch(collection string) {
	if m != nil {
		m.Refetches.WithLabelValues(collection).Inc()
	}
}

func (m *Metrics) connected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}
