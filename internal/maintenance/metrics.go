package maintenance

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for maintenance sweeps.
type Metrics struct {
	SweepsTotal    *prometheus.CounterVec
	ReportsDeleted prometheus.Counter
	CachePurged    prometheus.Counter
	SweepDuration  prometheus.Histogram
}

// NewMetrics creates and registers sweep metrics. Returns nil if reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		SweepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "essaygrader",
			Subsystem: "maintenance",
			Name:      "tasks_total",
			Help:      "Maintenance task executions by task and outcome.",
		}, []string{"task", "outcome"}),
		ReportsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "essaygrader",
			Subsystem: "maintenance",
			Name:      "reports_deleted_total",
			Help:      "Reports removed by the retention sweep.",
		}),
		CachePurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "essaygrader",
			Subsystem: "maintenance",
			Name:      "cache_entries_purged_total",
			Help:      "Agent cache entries dropped by the cache sweep.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "essaygrader",
			Subsystem: "maintenance",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of a full sweep.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}

	reg.MustRegister(m.SweepsTotal, m.ReportsDeleted, m.CachePurged, m.SweepDuration)
	return m
}

func (m *Metrics) task(name string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.SweepsTotal.WithLabelValues(name, outcome).Inc()
}
