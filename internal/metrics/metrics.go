// Package metrics holds the Prometheus collectors of the kiosk service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "portaria"

// Metrics contains the collectors shared by transport, router and gateway.
type Metrics struct {
	registry *prometheus.Registry

	MessagesReceived  *prometheus.CounterVec
	MessagesMalformed *prometheus.CounterVec
	MessagesIgnored   *prometheus.CounterVec
	Commands          *prometheus.CounterVec
	ConnectionState   *prometheus.GaugeVec
	Reconnects        prometheus.Counter
	ViewClients       *prometheus.GaugeVec
	IntentsRejected   *prometheus.CounterVec
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Inbound broker messages by topic",
			},
			[]string{"topic"},
		),
		MessagesMalformed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "malformed_total",
				Help:      "Inbound messages dropped because the body is not a JSON object",
			},
			[]string{"topic"},
		),
		MessagesIgnored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "ignored_total",
				Help:      "Inbound messages with no handler, by reason",
			},
			[]string{"topic", "reason"},
		),
		Commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "commands",
				Name:      "total",
				Help:      "Outbound commands by result (published, queued, dropped)",
			},
			[]string{"cmd", "result"},
		),
		ConnectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "connection_state",
				Help:      "1 for the current broker connection state, 0 otherwise",
			},
			[]string{"state"},
		),
		Reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "reconnects_total",
				Help:      "Broker connections established after the first one",
			},
		),
		ViewClients: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "clients",
				Help:      "Connected view clients by screen",
			},
			[]string{"screen"},
		),
		IntentsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "intents_rejected_total",
				Help:      "Operator intents rejected by reason",
			},
			[]string{"reason"},
		),
	}

	m.registry.MustRegister(
		m.MessagesReceived,
		m.MessagesMalformed,
		m.MessagesIgnored,
		m.Commands,
		m.ConnectionState,
		m.Reconnects,
		m.ViewClients,
		m.IntentsRejected,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) RecordReceived(topic string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(topic).Inc()
}

func (m *Metrics) RecordMalformed(topic string) {
	if m == nil {
		return
	}
	m.MessagesMalformed.WithLabelValues(topic).Inc()
}

func (m *Metrics) RecordIgnored(topic, reason string) {
	if m == nil {
		return
	}
	m.MessagesIgnored.WithLabelValues(topic, reason).Inc()
}

func (m *Metrics) RecordCommand(cmd, result string) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(cmd, result).Inc()
}

// RecordConnectionState sets the gauge of current to 1 and every other known state to 0.
func (m *Metrics) RecordConnectionState(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1.0
		}
		m.ConnectionState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) RecordViewClients(screen string, n int) {
	if m == nil {
		return
	}
	m.ViewClients.WithLabelValues(screen).Set(float64(n))
}

func (m *Metrics) RecordIntentRejected(reason string) {
	if m == nil {
		return
	}
	m.IntentsRejected.WithLabelValues(reason).Inc()
}
