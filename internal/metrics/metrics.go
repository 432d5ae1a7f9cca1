// Package metrics exposes Prometheus instrumentation for links, routing
// and enrollment.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pzone"

// Metrics holds the collectors shared by the session, router and transport.
type Metrics struct {
	registry *prometheus.Registry

	Links               *prometheus.GaugeVec
	MessagesSent        *prometheus.CounterVec
	MessagesDispatched  *prometheus.CounterVec
	MessagesDropped     prometheus.Counter
	MessagesRejected    *prometheus.CounterVec
	HubConnectAttempts  prometheus.Counter
	AuthFailures        *prometheus.CounterVec
	ReconnectsScheduled prometheus.Counter
	Enrollments         *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg gets a
// private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: reg,
		Links: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "links",
			Help:      "Live routing entries by link kind",
		}, []string{"kind"}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "messages_sent_total",
			Help:      "Messages sent by resolved route",
		}, []string{"route"}),
		MessagesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "messages_dispatched_total",
			Help:      "Inbound control messages dispatched by status",
		}, []string{"status"}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "messages_dropped_total",
			Help:      "Inbound control messages with an unknown status",
		}),
		MessagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "messages_rejected_total",
			Help:      "Inbound envelopes refused for their link by status",
		}, []string{"status"}),
		HubConnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "hub_connect_attempts_total",
			Help:      "Hub connection attempts",
		}),
		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "auth_failures_total",
			Help:      "TLS peer verification failures by reason",
		}, []string{"reason"}),
		ReconnectsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "reconnects_scheduled_total",
			Help:      "Hub reconnect attempts scheduled",
		}),
		Enrollments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enroll",
			Name:      "requests_total",
			Help:      "Hub enrollment requests by result",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.Links,
		m.MessagesSent,
		m.MessagesDispatched,
		m.MessagesDropped,
		m.MessagesRejected,
		m.HubConnectAttempts,
		m.AuthFailures,
		m.ReconnectsScheduled,
		m.Enrollments,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
