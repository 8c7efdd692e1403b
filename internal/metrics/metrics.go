package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var latencyBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000}

// Metrics holds the collectors of one process. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	providerRequests *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	turns            *prometheus.CounterVec
	rounds           *prometheus.HistogramVec
	toolCalls        *prometheus.CounterVec
	toolLatency      *prometheus.HistogramVec
	connects         *prometheus.CounterVec
	sessions         prometheus.Gauge
}

func New() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drome_provider_requests_total",
			Help: "Provider generation requests by outcome.",
		}, []string{"provider", "vendor", "outcome"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "drome_provider_response_latency_ms",
			Help:    "Time until the provider answered with response headers, in milliseconds.",
			Buckets: latencyBuckets,
		}, []string{"provider", "vendor"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drome_turns_total",
			Help: "Orchestrated turns by terminal outcome.",
		}, []string{"provider", "outcome"}),
		rounds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "drome_turn_rounds",
			Help:    "Generation rounds used per turn.",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16},
		}, []string{"provider"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drome_tool_calls_total",
			Help: "Tool calls dispatched to capability servers by outcome.",
		}, []string{"server", "outcome"}),
		toolLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "drome_tool_call_latency_ms",
			Help:    "Tool call latency in milliseconds.",
			Buckets: latencyBuckets,
		}, []string{"server"}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drome_mcp_connects_total",
			Help: "Capability server connection attempts by outcome.",
		}, []string{"server", "outcome"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "drome_mcp_sessions",
			Help: "Live capability server sessions.",
		}),
	}
	r.MustRegister(m.providerRequests, m.providerLatency, m.turns, m.rounds, m.toolCalls, m.toolLatency, m.connects, m.sessions)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveProviderRequest(provider, vendor, outcome string, dur time.Duration) {
	if m == nil {
		return
	}
	m.providerRequests.WithLabelValues(provider, vendor, outcome).Inc()
	m.providerLatency.WithLabelValues(provider, vendor).Observe(float64(dur.Milliseconds()))
}

func (m *Metrics) ObserveTurn(provider, outcome string, rounds int) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(provider, outcome).Inc()
	m.rounds.WithLabelValues(provider).Observe(float64(rounds))
}

func (m *Metrics) ObserveToolCall(server, outcome string, dur time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(server, outcome).Inc()
	m.toolLatency.WithLabelValues(server).Observe(float64(dur.Milliseconds()))
}

func (m *Metrics) ObserveConnect(server, outcome string) {
	if m == nil {
		return
	}
	m.connects.WithLabelValues(server, outcome).Inc()
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}
