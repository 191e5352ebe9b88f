package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes the loop's observations on a private registry so several
// loops (tests, foreground and service runs) never collide on registration.
type Metrics struct {
	registry     *prometheus.Registry
	cpuPercent   prometheus.Gauge
	memoryMB     prometheus.Gauge
	addressKnown prometheus.Gauge
	cycles       prometheus.Counter
	readFailures *prometheus.CounterVec
	alerts       *prometheus.CounterVec
	lastCycle    prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peerhost_monitor_cpu_percent",
			Help: "CPU utilisation observed in the last cycle",
		}),
		memoryMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peerhost_monitor_available_memory_mb",
			Help: "Available memory in MB observed in the last cycle",
		}),
		addressKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peerhost_monitor_address_resolved",
			Help: "1 when the last cycle resolved the external address",
		}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerhost_monitor_cycles_total",
			Help: "Completed monitor cycles",
		}),
		readFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peerhost_monitor_read_failures_total",
			Help: "Sample reads that fell back to a default",
		}, []string{"source"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peerhost_monitor_alerts_total",
			Help: "Alerts raised by kind and dispatch outcome",
		}, []string{"kind", "outcome"}),
		lastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peerhost_monitor_last_cycle_timestamp_seconds",
			Help: "Unix time of the last completed cycle",
		}),
	}
	m.registry.MustRegister(
		m.cpuPercent,
		m.memoryMB,
		m.addressKnown,
		m.cycles,
		m.readFailures,
		m.alerts,
		m.lastCycle,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observe(s Sample) {
	m.cpuPercent.Set(s.CPUPercent)
	m.memoryMB.Set(s.MemoryMB)
	if s.HasAddress() {
		m.addressKnown.Set(1)
	} else {
		m.addressKnown.Set(0)
	}
	m.cycles.Inc()
	m.lastCycle.Set(float64(s.Time.Unix()))
}

func (m *Metrics) readFailure(source string) {
	m.readFailures.WithLabelValues(source).Inc()
}

func (m *Metrics) alert(kind Kind, outcome Outcome) {
	m.alerts.WithLabelValues(string(kind), string(outcome)).Inc()
}
