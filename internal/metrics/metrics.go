// Package metrics exposes the proxy's Prometheus collectors and the
// /metrics handler served on the debug listener.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector, registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// ConnectionsTotal counts client connections fully served.
	ConnectionsTotal prometheus.Counter

	// RequestsTotal counts requests by method and response status class.
	RequestsTotal *prometheus.CounterVec

	// ShortCircuitsTotal counts responses synthesized by request filters.
	ShortCircuitsTotal prometheus.Counter

	// UpstreamErrorsTotal counts dispatches that died in transport.
	UpstreamErrorsTotal prometheus.Counter

	// TunnelsTotal counts CONNECT tunnels established.
	TunnelsTotal prometheus.Counter

	// WorkersBusy tracks connections currently being served.
	WorkersBusy prometheus.Gauge

	// BodyBytesIn counts body bytes received from origins.
	BodyBytesIn prometheus.Counter

	// BodyBytesOut counts filtered body bytes emitted to clients.
	BodyBytesOut prometheus.Counter
}

// New builds and registers the proxy collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: reg,
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sieve",
			Name:      "connections_total",
			Help:      "Client connections fully served.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sieve",
			Name:      "requests_total",
			Help:      "Requests served, by method and status class.",
		}, []string{"method", "status"}),
		ShortCircuitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sieve",
			Name:      "short_circuits_total",
			Help:      "Responses synthesized by request-side filters.",
		}),
		UpstreamErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sieve",
			Name:      "upstream_errors_total",
			Help:      "Upstream dispatches that failed in transport.",
		}),
		TunnelsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sieve",
			Name:      "tunnels_total",
			Help:      "CONNECT tunnels established.",
		}),
		WorkersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sieve",
			Name:      "workers_busy",
			Help:      "Connections currently being served.",
		}),
		BodyBytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sieve",
			Name:      "body_bytes_in_total",
			Help:      "Body bytes received from origins.",
		}),
		BodyBytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sieve",
			Name:      "body_bytes_out_total",
			Help:      "Filtered body bytes emitted to clients.",
		}),
	}

	reg.MustRegister(
		m.ConnectionsTotal,
		m.RequestsTotal,
		m.ShortCircuitsTotal,
		m.UpstreamErrorsTotal,
		m.TunnelsTotal,
		m.WorkersBusy,
		m.BodyBytesIn,
		m.BodyBytesOut,
	)
	return m
}

// Handler returns the /metrics endpoint for the debug listener.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
