// Package metric owns the Prometheus registry and the core gateway
// metrics: channel lifecycle counts, message publish counts, and bus
// connection state.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the core gateway metrics
type Metrics struct {
	ChannelsRunning   prometheus.Gauge
	ChannelStarts     *prometheus.CounterVec // result: success|failure
	ChannelStops      prometheus.Counter
	MessagesPublished prometheus.Counter
	PublishFailures   prometheus.Counter
	BusConnected      prometheus.Gauge
}

// Registry wraps a dedicated Prometheus registry with the core metrics
// pre-registered
type Registry struct {
	prom *prometheus.Registry
	Core *Metrics
}

// NewRegistry creates a registry with core gateway and Go runtime
// metrics registered
func NewRegistry() *Registry {
	prom := prometheus.NewRegistry()

	core := &Metrics{
		ChannelsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "junebug_channels_running",
			Help: "Number of channels with a running worker",
		}),
		ChannelStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "junebug_channel_starts_total",
			Help: "Channel worker start attempts by result",
		}, []string{"result"}),
		ChannelStops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "junebug_channel_stops_total",
			Help: "Channel worker stops",
		}),
		MessagesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "junebug_messages_published_total",
			Help: "Outbound messages published to the bus",
		}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "junebug_publish_failures_total",
			Help: "Outbound publishes that failed",
		}),
		BusConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "junebug_bus_connected",
			Help: "Whether the bus connection is established (1) or not (0)",
		}),
	}

	prom.MustRegister(
		core.ChannelsRunning,
		core.ChannelStarts,
		core.ChannelStops,
		core.MessagesPublished,
		core.PublishFailures,
		core.BusConnected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Registry{prom: prom, Core: core}
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prom
}

// Handler returns an HTTP handler serving the registry in the
// Prometheus exposition format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{})
}
