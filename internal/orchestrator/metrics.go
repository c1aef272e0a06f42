package orchestrator

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics bundles the ambient observability counters/gauges for one
// Orchestrator instance. A dedicated prometheus.Registry (rather than
// the global default registry the corpus's own metrics package uses)
// keeps multiple Orchestrators in the same test binary from colliding
// on duplicate metric registration.
type metrics struct {
	registry *prometheus.Registry

	commandsExecuted *prometheus.CounterVec
	eventsPublished  *prometheus.CounterVec
	activeStreams    prometheus.Gauge
	pluginsActive    prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		commandsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sidecard_commands_executed_total",
			Help: "Total number of commands executed, by status.",
		}, []string{"status"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sidecard_events_published_total",
			Help: "Total number of bus events published, by event name.",
		}, []string{"event"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sidecard_active_streams",
			Help: "Number of chat.send streaming responses currently in flight.",
		}),
		pluginsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sidecard_plugins_active",
			Help: "Number of plugins currently in the Active lifecycle state.",
		}),
	}
	m.registry.MustRegister(m.commandsExecuted, m.eventsPublished, m.activeStreams, m.pluginsActive)
	return m
}

// Handler returns the HTTP handler to mount at a metrics endpoint
// alongside the WebSocket upgrade listener.
func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
