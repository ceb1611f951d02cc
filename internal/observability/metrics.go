package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// MetricsCollector holds the process-wide Prometheus metrics. It owns a
// custom registry; component metrics (workflow, agents) register on it too.
type MetricsCollector struct {
	Registry *prometheus.Registry

	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensUsed      *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge

	WSConnections prometheus.Gauge
	ReportsTotal  *prometheus.CounterVec
}

// NewMetricsCollector creates a MetricsCollector registered on a fresh
// registry, together with the Go runtime and process collectors.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "essaygrader",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total model API requests.",
		}, []string{"service", "provider", "status"}),

		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "essaygrader",
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "Model API request duration in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"service", "provider"}),

		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "essaygrader",
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total model tokens consumed.",
		}, []string{"service", "provider", "direction"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "essaygrader",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "essaygrader",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "essaygrader",
			Name:      "active_requests",
			Help:      "Number of HTTP requests in flight.",
		}),

		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "essaygrader",
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Open WebSocket connections.",
		}),

		ReportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "essaygrader",
			Name:      "reports_total",
			Help:      "Grading reports produced, by status.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.LLMRequestsTotal,
		m.LLMRequestDuration,
		m.LLMTokensUsed,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
		m.WSConnections,
		m.ReportsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}
