package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/amibaren/essaygrader/internal/domain"
	"github.com/amibaren/essaygrader/internal/extraction"
)

// Submit validates req and starts grading it in the background. The run
// outlives ctx; use Cancel to stop it.
func (e *Engine) Submit(ctx context.Context, req domain.GradingRequest) (*Run, error) {
	req = req.WithID()
	if err := e.checkRequest(req); err != nil {
		return nil, err
	}
	select {
	case e.slots <- struct{}{}:
	default:
		return nil, fmt.Errorf("%w (limit %d)", ErrTooManyRuns, cap(e.slots))
	}

	now := e.now().UTC()
	rn := &Run{
		ID:         uuid.New(),
		EssayID:    req.ID,
		Grade:      req.Grade,
		Type:       req.Type,
		Status:     RunPending,
		Complexity: extraction.Stats(req.Text).Complexity,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	e.mu.Lock()
	e.runs[rn.ID] = rn
	e.order = append(e.order, rn.ID)
	e.cancels[rn.ID] = cancel
	e.evictLocked()
	snapshot := *rn
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "grading run submitted",
		slog.String("run_id", rn.ID.String()),
		slog.String("essay_id", req.ID),
	)

	e.wg.Add(1)
	go func() {
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.cancels, rn.ID)
			e.mu.Unlock()
			<-e.slots
			e.wg.Done()
		}()
		_, _ = e.execute(runCtx, rn.ID, req, e.record)
	}()
	return &snapshot, nil
}

// record applies an event to the registry and fans it out to observers.
func (e *Engine) record(ev Event) {
	e.mu.Lock()
	rn, ok := e.runs[ev.RunID]
	if ok {
		rn.UpdatedAt = ev.Time
		switch ev.Stage {
		case domain.StageDone:
			rn.Status, rn.Stage, rn.Progress, rn.Report = RunCompleted, ev.Stage, 100, ev.Report
		case domain.StageFailed:
			rn.Status = RunFailed
			rn.Error = ev.Err.Error()
			rn.Cause = domain.CauseOf(ev.Err)
			if rn.Cause == domain.CauseCanceled {
				rn.Status = RunCanceled
			}
			var wfErr *domain.WorkflowError
			if errors.As(ev.Err, &wfErr) {
				rn.Stage = wfErr.Stage
			}
		default:
			rn.Status, rn.Stage, rn.Progress = RunRunning, ev.Stage, ev.Progress
		}
	}
	observers := make([]Observer, 0, len(e.observers))
	for _, o := range e.observers {
		observers = append(observers, o)
	}
	e.mu.Unlock()

	for _, o := range observers {
		o(ev)
	}
}

// evictLocked drops the oldest finished runs beyond the history size.
func (e *Engine) evictLocked() {
	excess := len(e.order) - e.config.historySize()
	if excess <= 0 {
		return
	}
	kept := e.order[:0]
	for _, id := range e.order {
		if excess > 0 && e.runs[id].Status.Finished() {
			delete(e.runs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	e.order = kept
}

// Get returns a snapshot of a run.
func (e *Engine) Get(id uuid.UUID) (*Run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rn, ok := e.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	cp := *rn
	return &cp, nil
}

// Cancel stops a running run. Cancelling a finished run is a no-op.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) error {
	e.mu.Lock()
	cancel, running := e.cancels[id]
	_, known := e.runs[id]
	e.mu.Unlock()

	if !known {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if !running {
		return nil
	}
	cancel()
	e.logger.InfoContext(ctx, "grading run cancellation requested", slog.String("run_id", id.String()))
	return nil
}

// List returns up to limit runs, newest first. limit <= 0 returns all.
func (e *Engine) List(limit int) []Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.order)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Run, 0, n)
	for i := len(e.order) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, *e.runs[e.order[i]])
	}
	return out
}

// Subscribe registers fn for events of submitted runs and returns a
// function that removes it.
func (e *Engine) Subscribe(fn Observer) (unsubscribe func()) {
	e.mu.Lock()
	id := e.nextObs
	e.nextObs++
	e.observers[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.observers, id)
		e.mu.Unlock()
	}
}

// Active returns the number of submitted runs still in flight.
func (e *Engine) Active() int { return len(e.slots) }

// Shutdown cancels every submitted run and waits for them to stop or for
// ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, cancel := range e.cancels {
		cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
