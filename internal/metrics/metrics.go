// Package metrics exposes kernel health as prometheus collectors and
// feeds the periodic kernel.metrics event.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the kernel's collectors on a private registry so tests
// never collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	processesByState *prometheus.GaugeVec
	stepsTotal       prometheus.Counter
	spawnsTotal      prometheus.Counter
	busDropped       prometheus.Gauge
	subscribers      prometheus.Gauge
	memoryRecords    prometheus.Gauge
	connections      prometheus.Gauge
	toolLatency      *prometheus.HistogramVec
}

// New builds the collector set.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		processesByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aether_processes",
			Help: "Live processes by scheduler state.",
		}, []string{"state"}),
		stepsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "aether_agent_steps_total",
			Help: "Agent loop steps executed since start.",
		}),
		spawnsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "aether_process_spawns_total",
			Help: "Processes spawned since start.",
		}),
		busDropped: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aether_bus_dropped_events",
			Help: "Events dropped by lagging bus subscribers.",
		}),
		subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aether_bus_subscribers",
			Help: "Active bus subscriptions.",
		}),
		memoryRecords: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aether_memory_records",
			Help: "Memory records currently stored.",
		}),
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aether_gateway_connections",
			Help: "Open websocket sessions.",
		}),
		toolLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aether_tool_latency_seconds",
			Help:    "Tool execution latency by tool name.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"tool"}),
	}
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetProcessStates replaces the per-state process gauge.
func (m *Metrics) SetProcessStates(counts map[string]int) {
	m.processesByState.Reset()
	for state, n := range counts {
		m.processesByState.WithLabelValues(state).Set(float64(n))
	}
}

// StepTaken counts one agent loop step.
func (m *Metrics) StepTaken() { m.stepsTotal.Inc() }

// ProcessSpawned counts one spawn.
func (m *Metrics) ProcessSpawned() { m.spawnsTotal.Inc() }

// SetBusStats records subscriber count and cumulative drops.
func (m *Metrics) SetBusStats(subscribers int, dropped int64) {
	m.subscribers.Set(float64(subscribers))
	m.busDropped.Set(float64(dropped))
}

// SetMemoryRecords records the current memory store size.
func (m *Metrics) SetMemoryRecords(n int) { m.memoryRecords.Set(float64(n)) }

// ConnectionOpened and ConnectionClosed track gateway sessions.
func (m *Metrics) ConnectionOpened() { m.connections.Inc() }
func (m *Metrics) ConnectionClosed() { m.connections.Dec() }

// ObserveTool records one tool execution duration.
func (m *Metrics) ObserveTool(tool string, d time.Duration) {
	m.toolLatency.WithLabelValues(tool).Observe(d.Seconds())
}

// Gather exports the current metric families, used by tests and the
// kernel.metrics event builder.
func (m *Metrics) Gather() (map[string]float64, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(families))
	for _, mf := range families {
		var total float64
		for _, metric := range mf.GetMetric() {
			switch {
			case metric.GetGauge() != nil:
				total += metric.GetGauge().GetValue()
			case metric.GetCounter() != nil:
				total += metric.GetCounter().GetValue()
			case metric.GetHistogram() != nil:
				total += float64(metric.GetHistogram().GetSampleCount())
			}
		}
		out[mf.GetName()] = total
	}
	return out, nil
}
