// Package metrics holds the prometheus collectors shared by the routing core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "qmsg"

// Metrics contains every collector exported by a qmsg process.
type Metrics struct {
	// Arrival queue
	MessagesEnqueued prometheus.Counter
	MessagesDrained  prometheus.Counter
	MessagesDropped  *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	ConnectionClosed prometheus.Counter

	// Transport calls issued by the session manager
	TransportOps *prometheus.CounterVec

	// Deliveries to the local security component
	SecurityDeliveries *prometheus.CounterVec

	// Relay fan-out
	RelayForwarded prometheus.Counter
	RelayDropped   prometheus.Counter
	RelaySessions  prometheus.Gauge
	RoutePrefixes  prometheus.Gauge
}

// New creates every collector without registering them.
func New() *Metrics {
	return &Metrics{
		MessagesEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arrival",
			Name:      "enqueued_total",
			Help:      "Total number of inbound messages queued",
		}),
		MessagesDrained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arrival",
			Name:      "drained_total",
			Help:      "Total number of inbound messages taken by consumers",
		}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arrival",
			Name:      "discarded_total",
			Help:      "Total number of inbound messages discarded without delivery",
		}, []string{"reason"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "arrival",
			Name:      "depth",
			Help:      "Messages currently buffered across all names",
		}),
		ConnectionClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arrival",
			Name:      "connection_closed_total",
			Help:      "Total number of connection-closed notifications",
		}),
		TransportOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "operations_total",
			Help:      "Transport calls issued, by operation and result",
		}, []string{"op", "result"}),
		SecurityDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      "deliveries_total",
			Help:      "Events delivered to the local security component, by kind",
		}, []string{"kind"}),
		RelayForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "forwarded_total",
			Help:      "Objects forwarded to relay sessions",
		}),
		RelayDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "dropped_total",
			Help:      "Objects dropped because a session send queue was full",
		}),
		RelaySessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "sessions",
			Help:      "Connected relay sessions",
		}),
		RoutePrefixes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "route_prefixes",
			Help:      "Live prefixes in the relay subscription table",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MessagesEnqueued,
		m.MessagesDrained,
		m.MessagesDropped,
		m.QueueDepth,
		m.ConnectionClosed,
		m.TransportOps,
		m.SecurityDeliveries,
		m.RelayForwarded,
		m.RelayDropped,
		m.RelaySessions,
		m.RoutePrefixes,
	}
}

// Registry pairs a prometheus registry with the qmsg collectors.
type Registry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
}

// NewRegistry creates a registry with the qmsg collectors and the Go runtime
// collectors registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	m := New()
	reg.MustRegister(m.collectors()...)
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{prometheusRegistry: reg, Metrics: m}
}

// PrometheusRegistry returns the underlying registry for HTTP exposition.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// Op records the outcome of a transport call.
func (m *Metrics) Op(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.TransportOps.WithLabelValues(op, result).Inc()
}
