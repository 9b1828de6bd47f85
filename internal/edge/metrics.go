package edge

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the edge-side tunnel counters. Each server carries its own
// registry so tests can build servers freely.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	inflight        prometheus.Gauge
	tunnelConnected prometheus.Gauge
}

// NewMetrics builds the collector set.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "locallink_requests_total",
			Help: "Tunneled requests by outcome.",
		}, []string{"outcome"}),
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "locallink_inflight_requests",
			Help: "Requests currently multiplexed on the tunnel.",
		}),
		tunnelConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "locallink_tunnel_connected",
			Help: "Whether a tunnel client is registered (0 or 1).",
		}),
	}
}

// Handler serves the Prometheus text exposition for this server's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records a completed forward attempt.
func (m *Metrics) ObserveRequest(outcome forwardOutcome) {
	m.requestsTotal.WithLabelValues(string(outcome)).Inc()
}

// InflightInc marks a request record created.
func (m *Metrics) InflightInc() { m.inflight.Inc() }

// InflightDec marks a request record destroyed.
func (m *Metrics) InflightDec() { m.inflight.Dec() }

// SetTunnelConnected records the registration slot state.
func (m *Metrics) SetTunnelConnected(connected bool) {
	if connected {
		m.tunnelConnected.Set(1)
	} else {
		m.tunnelConnected.Set(0)
	}
}
