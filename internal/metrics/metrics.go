// Package metrics exposes relay counters in the Prometheus text format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "velociterm"

// Connect attempt results.
const (
	ResultSuccess     = "success"
	ResultAuthFailed  = "auth_failed"
	ResultNetwork     = "network_error"
	ResultRateLimited = "rate_limited"
	ResultRestricted  = "restricted"
)

// Metrics holds the relay collectors on a private registry, so tests can
// build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	WindowsActive    prometheus.Gauge
	ConnectAttempts  *prometheus.CounterVec
	OutputBytes      prometheus.Counter
	InputBytes       prometheus.Counter
	AccessViolations prometheus.Counter
	Transitions      *prometheus.CounterVec
}

// New creates and registers the relay collectors. Process and Go runtime
// collectors are included when withRuntime is true.
func New(withRuntime bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		WindowsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "windows_active",
			Help:      "Windows currently attached to a transport.",
		}),
		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "SSH connect attempts by result.",
		}, []string{"result"}),
		OutputBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_bytes_total",
			Help:      "Shell output bytes relayed to browsers.",
		}),
		InputBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_bytes_total",
			Help:      "Keystroke bytes relayed to shells.",
		}),
		AccessViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_violations_total",
			Help:      "Messages rejected because the window is not owned by the sender.",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "window_transitions_total",
			Help:      "Window state transitions by target state.",
		}, []string{"to"}),
	}
	m.registry.MustRegister(m.WindowsActive, m.ConnectAttempts, m.OutputBytes,
		m.InputBytes, m.AccessViolations, m.Transitions)
	if withRuntime {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Value reads the current value of a counter or gauge. It returns 0 for
// other collector kinds.
func Value(c prometheus.Metric) float64 {
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		return 0
	}
	switch {
	case out.Counter != nil:
		return out.Counter.GetValue()
	case out.Gauge != nil:
		return out.Gauge.GetValue()
	}
	return 0
}
