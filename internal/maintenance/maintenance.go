// Package maintenance runs cron-scheduled housekeeping: report retention
// and agent cache purges.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/amibaren/essaygrader/internal/domain"
)

// ReportPruner deletes reports older than a cutoff.
type ReportPruner interface {
	DeleteReportsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CachePurger drops cached agent results.
type CachePurger interface {
	PurgeCache() int
}

// Task is one named housekeeping step.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Sweeper runs its tasks on a cron schedule. Tasks run sequentially; a
// sweep that overruns the next tick makes that tick skip.
type Sweeper struct {
	schedule string
	spec     cron.Schedule
	tasks    []Task
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// New validates a standard 5-field cron expression and returns a sweeper
// with no tasks.
func New(schedule string, metrics *Metrics, logger *slog.Logger) (*Sweeper, error) {
	spec, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, &domain.ConfigurationError{Field: "maintenance.schedule", Reason: err.Error()}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sweeper{
		schedule: schedule,
		spec:     spec,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Add registers a task.
func (s *Sweeper) Add(t Task) { s.tasks = append(s.tasks, t) }

// RetainReports deletes reports older than days. days <= 0 adds nothing.
func (s *Sweeper) RetainReports(repo ReportPruner, days int) {
	if repo == nil || days <= 0 {
		return
	}
	s.Add(Task{Name: "report_retention", Run: func(ctx context.Context) error {
		cutoff := s.now().UTC().AddDate(0, 0, -days)
		n, err := repo.DeleteReportsBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("deleting reports before %s: %w", cutoff.Format(time.DateOnly), err)
		}
		if s.metrics != nil {
			s.metrics.ReportsDeleted.Add(float64(n))
		}
		s.logger.InfoContext(ctx, "expired reports deleted",
			slog.Int64("count", n),
			slog.Time("cutoff", cutoff),
		)
		return nil
	}})
}

// PurgeCache empties the agent result cache.
func (s *Sweeper) PurgeCache(p CachePurger) {
	if p == nil {
		return
	}
	s.Add(Task{Name: "cache_purge", Run: func(ctx context.Context) error {
		n := p.PurgeCache()
		if s.metrics != nil {
			s.metrics.CachePurged.Add(float64(n))
		}
		s.logger.InfoContext(ctx, "agent cache purged", slog.Int("entries", n))
		return nil
	}})
}

// Tasks returns the registered task names.
func (s *Sweeper) Tasks() []string {
	names := make([]string, len(s.tasks))
	for i, t := range s.tasks {
		names[i] = t.Name
	}
	return names
}

// Next returns the first scheduled sweep after t.
func (s *Sweeper) Next(t time.Time) time.Time { return s.spec.Next(t) }

// RunOnce runs every task, continuing past failures, and returns them joined.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	start := s.now()
	var errs []error
	for _, t := range s.tasks {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		err := t.Run(ctx)
		s.metrics.task(t.Name, err)
		if err != nil {
			s.logger.ErrorContext(ctx, "maintenance task failed",
				slog.String("task", t.Name),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", t.Name, err))
		}
	}
	if s.metrics != nil {
		s.metrics.SweepDuration.Observe(s.now().Sub(start).Seconds())
	}
	return errors.Join(errs...)
}

// Start schedules sweeps until ctx ends or the returned stop function is
// called. stop waits for a running sweep to finish.
func (s *Sweeper) Start(ctx context.Context) (stop func()) {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	c.Schedule(s.spec, cron.FuncJob(func() {
		_ = s.RunOnce(ctx)
	}))
	c.Start()
	s.logger.InfoContext(ctx, "maintenance scheduled",
		slog.String("schedule", s.schedule),
		slog.Any("tasks", s.Tasks()),
		slog.Time("next", s.Next(s.now().UTC())),
	)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		<-c.Stop().Done()
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-c.Stop().Done()
	}
}
