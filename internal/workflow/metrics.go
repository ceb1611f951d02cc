package workflow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/amibaren/essaygrader/internal/domain"
)

// WorkflowMetrics holds Prometheus metrics for grading runs.
// All metrics use the essaygrader_workflow_ prefix.
type WorkflowMetrics struct {
	RunsTotal             *prometheus.CounterVec
	RunDuration           *prometheus.HistogramVec
	StageDuration         *prometheus.HistogramVec
	AgentInvocationsTotal *prometheus.CounterVec
	ActiveRuns            prometheus.Gauge
	DegradationsTotal     *prometheus.CounterVec
	RepairAttemptsTotal   *prometheus.CounterVec
}

// NewWorkflowMetrics creates and registers workflow metrics on the given registry.
// Returns nil if reg is nil.
func NewWorkflowMetrics(reg *prometheus.Registry) *WorkflowMetrics {
	if reg == nil {
		return nil
	}

	m := &WorkflowMetrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "essaygrader",
			Subsystem: "workflow",
			Name:      "runs_total",
			Help:      "Total grading runs by final status.",
		}, []string{"status"}),

		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "essaygrader",
			Subsystem: "workflow",
			Name:      "run_duration_seconds",
			Help:      "Grading run duration in seconds.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 900},
		}, []string{"status"}),

		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "essaygrader",
			Subsystem: "workflow",
			Name:      "stage_duration_seconds",
			Help:      "Stage duration in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"stage"}),

		AgentInvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "essaygrader",
			Subsystem: "workflow",
			Name:      "agent_invocations_total",
			Help:      "Total agent invocations by role and outcome cause.",
		}, []string{"agent_role", "cause"}),

		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "essaygrader",
			Subsystem: "workflow",
			Name:      "active_runs",
			Help:      "Number of grading runs in progress.",
		}),

		DegradationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "essaygrader",
			Subsystem: "workflow",
			Name:      "degradations_total",
			Help:      "Report sections replaced by the unavailable marker.",
		}, []string{"section"}),

		RepairAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "essaygrader",
			Subsystem: "workflow",
			Name:      "repair_attempts_total",
			Help:      "Corrective re-invocations by role and outcome (repaired, failed).",
		}, []string{"agent_role", "outcome"}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.StageDuration,
		m.AgentInvocationsTotal,
		m.ActiveRuns,
		m.DegradationsTotal,
		m.RepairAttemptsTotal,
	)

	return m
}

// The helpers below are nil-safe so the engine can record unconditionally.

func (m *WorkflowMetrics) runStarted() {
	if m != nil {
		m.ActiveRuns.Inc()
	}
}

func (m *WorkflowMetrics) runFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveRuns.Dec()
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *WorkflowMetrics) stage(stage domain.Stage, d time.Duration) {
	if m != nil {
		m.StageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
	}
}

func (m *WorkflowMetrics) invocation(out domain.AgentOutput) {
	if m == nil {
		return
	}
	cause := string(out.Cause)
	if cause == "" {
		cause = "none"
	}
	m.AgentInvocationsTotal.WithLabelValues(string(out.Role), cause).Inc()
}

func (m *WorkflowMetrics) degraded(section string) {
	if m != nil {
		m.DegradationsTotal.WithLabelValues(section).Inc()
	}
}

func (m *WorkflowMetrics) repair(role domain.AgentRole, repaired bool) {
	if m == nil {
		return
	}
	outcome := "failed"
	if repaired {
		outcome = "repaired"
	}
	m.RepairAttemptsTotal.WithLabelValues(string(role), outcome).Inc()
}
