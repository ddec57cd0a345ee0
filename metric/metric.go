// Package metric collects the server's Prometheus metrics and exposes
// them over HTTP.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server-wide instruments.
type Metrics struct {
	registry *prometheus.Registry

	TicksTotal       prometheus.Counter
	ExpressionEvals  prometheus.Counter
	ExpressionErrors prometheus.Counter
	PortsRegistered  prometheus.Gauge
	SamplesSaved     prometheus.Counter
	EventsTriggered  *prometheus.CounterVec
	SessionsActive   prometheus.Gauge
	SlavesOnline     prometheus.Gauge
	SlaveRequests    *prometheus.CounterVec
	WebhookPosts     *prometheus.CounterVec
	APIRequests      *prometheus.CounterVec
}

// New creates the metrics set on a fresh registry, with Go runtime and
// process collectors attached.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qtoggleserver", Subsystem: "core",
			Name: "ticks_total",
			Help: "Main loop ticks executed.",
		}),
		ExpressionEvals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qtoggleserver", Subsystem: "expressions",
			Name: "evals_total",
			Help: "Expression evaluations performed.",
		}),
		ExpressionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qtoggleserver", Subsystem: "expressions",
			Name: "eval_errors_total",
			Help: "Expression evaluations that ended in error.",
		}),
		PortsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qtoggleserver", Subsystem: "ports",
			Name: "registered",
			Help: "Ports currently registered.",
		}),
		SamplesSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qtoggleserver", Subsystem: "history",
			Name: "samples_saved_total",
			Help: "History samples persisted.",
		}),
		EventsTriggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qtoggleserver", Subsystem: "events",
			Name: "triggered_total",
			Help: "Events triggered on the bus.",
		}, []string{"type"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qtoggleserver", Subsystem: "sessions",
			Name: "active",
			Help: "Live listen sessions.",
		}),
		SlavesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qtoggleserver", Subsystem: "slaves",
			Name: "online",
			Help: "Slave devices currently online.",
		}),
		SlaveRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qtoggleserver", Subsystem: "slaves",
			Name: "requests_total",
			Help: "Outbound requests to slave devices.",
		}, []string{"result"}),
		WebhookPosts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qtoggleserver", Subsystem: "webhooks",
			Name: "posts_total",
			Help: "Webhook POST attempts.",
		}, []string{"result"}),
		APIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qtoggleserver", Subsystem: "api",
			Name: "requests_total",
			Help: "API requests served.",
		}, []string{"method", "status"}),
	}

	registry.MustRegister(
		m.TicksTotal, m.ExpressionEvals, m.ExpressionErrors,
		m.PortsRegistered, m.SamplesSaved, m.EventsTriggered,
		m.SessionsActive, m.SlavesOnline, m.SlaveRequests,
		m.WebhookPosts, m.APIRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
