package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/amibaren/essaygrader/internal/domain"
	"github.com/amibaren/essaygrader/internal/extraction"
	"github.com/amibaren/essaygrader/internal/llm"
	"github.com/amibaren/essaygrader/internal/schema"
)

// Config holds the engine's tunables. Zero fields take defaults.
type Config struct {
	RunTimeout        time.Duration   // Deadline of a whole run. Default: 15m
	MaxEssayChars     int             // Longest accepted essay in runes. Default: 10000
	HistorySize       int             // Finished runs kept for Get/List. Default: 100
	MaxConcurrentRuns int             // Cap on submitted runs in flight. Default: 8
	Retry             llm.RetryPolicy // Passed to every agent call.
	Extraction        extraction.Config
}

func (c Config) runTimeout() time.Duration {
	if c.RunTimeout > 0 {
		return c.RunTimeout
	}
	return 15 * time.Minute
}

func (c Config) maxEssayChars() int {
	if c.MaxEssayChars > 0 {
		return c.MaxEssayChars
	}
	return 10000
}

func (c Config) historySize() int {
	if c.HistorySize > 0 {
		return c.HistorySize
	}
	return 100
}

func (c Config) maxConcurrentRuns() int {
	if c.MaxConcurrentRuns > 0 {
		return c.MaxConcurrentRuns
	}
	return 8
}

// Engine is the Workflow Orchestrator. Run grades synchronously; Submit,
// Get, Cancel and List manage asynchronous runs.
type Engine struct {
	schemas   schema.Store
	agents    Invoker
	extractor Extractor
	reports   ReportSink
	metrics   *WorkflowMetrics
	tracer    trace.Tracer
	logger    *slog.Logger
	config    Config
	now       func() time.Time

	mu        sync.Mutex
	runs      map[uuid.UUID]*Run
	order     []uuid.UUID // Submission order, oldest first.
	cancels   map[uuid.UUID]context.CancelFunc
	observers map[int]Observer
	nextObs   int
	slots     chan struct{}
	wg        sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the engine tunables.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.config = cfg }
}

// WithReports persists every synthesized report.
func WithReports(sink ReportSink) Option {
	return func(e *Engine) { e.reports = sink }
}

// WithMetrics records run metrics. A nil value disables them.
func WithMetrics(m *WorkflowMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer records a span per run and per stage.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// NewEngine creates a workflow engine.
func NewEngine(schemas schema.Store, agents Invoker, extractor Extractor, logger *slog.Logger, opts ...Option) (*Engine, error) {
	switch {
	case schemas == nil:
		return nil, &domain.ConfigurationError{Field: "workflow.schemas", Reason: "schema store is required"}
	case agents == nil:
		return nil, &domain.ConfigurationError{Field: "workflow.agents", Reason: "agent client is required"}
	case extractor == nil:
		return nil, &domain.ConfigurationError{Field: "workflow.extractor", Reason: "extractor is required"}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := &Engine{
		schemas:   schemas,
		agents:    agents,
		extractor: extractor,
		tracer:    noop.NewTracerProvider().Tracer("workflow"),
		logger:    logger,
		now:       time.Now,
		runs:      make(map[uuid.UUID]*Run),
		cancels:   make(map[uuid.UUID]context.CancelFunc),
		observers: make(map[int]Observer),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.slots = make(chan struct{}, e.config.maxConcurrentRuns())
	return e, nil
}

// Run grades one essay and returns its report. Any failure is a
// *domain.WorkflowError naming the stage that failed. A report with status
// partial is a success with degraded sections.
func (e *Engine) Run(ctx context.Context, req domain.GradingRequest) (*domain.GradingReport, error) {
	return e.Stream(ctx, req, nil)
}

// Stream is Run with a callback for every state transition.
func (e *Engine) Stream(ctx context.Context, req domain.GradingRequest, fn Observer) (*domain.GradingReport, error) {
	req = req.WithID()
	if err := e.checkRequest(req); err != nil {
		return nil, err
	}
	return e.execute(ctx, uuid.New(), req, fn)
}

// checkRequest rejects requests no stage could process.
func (e *Engine) checkRequest(req domain.GradingRequest) error {
	v := &domain.ValidationError{}
	if strings.TrimSpace(req.Text) == "" {
		v.MissingFields = append(v.MissingFields, "text")
	} else if n := utf8.RuneCountInString(req.Text); n > e.config.maxEssayChars() {
		v.TypeErrors = append(v.TypeErrors, fmt.Sprintf("text: %d characters exceeds the limit of %d", n, e.config.maxEssayChars()))
	}
	if !req.Grade.Valid() {
		v.TypeErrors = append(v.TypeErrors, fmt.Sprintf("grade: unknown value %q", req.Grade))
	}
	if !req.Type.Valid() {
		v.TypeErrors = append(v.TypeErrors, fmt.Sprintf("type: unknown value %q", req.Type))
	}
	if len(v.MissingFields) == 0 && len(v.TypeErrors) == 0 {
		return nil
	}
	return &domain.WorkflowError{Stage: domain.StageSchemaResolution, Cause: v}
}

// run carries the per-run state threaded through the stages. Each stage
// writes only its own fields.
type run struct {
	id    uuid.UUID
	req   domain.GradingRequest
	runes int
	stats domain.Statistics
	emit  func(domain.Stage, *domain.GradingReport, error)

	schema   *domain.Schema          // schema_resolution
	items    []domain.ExtractionItem // analysis
	analysis domain.AnalysisPayload  // analysis
	praise   branch[domain.PraisePayload]
	guidance branch[domain.GuidancePayload]
	report   *domain.GradingReport // synthesis
}

// branch is the outcome of one evaluation branch. value is nil when the
// branch degraded.
type branch[P any] struct {
	value *P
	err   error
}

func (b branch[P]) reason() string {
	if b.err == nil {
		return ""
	}
	return string(domain.CauseOf(b.err))
}

func (e *Engine) execute(ctx context.Context, id uuid.UUID, req domain.GradingRequest, fn Observer) (*domain.GradingReport, error) {
	start := e.now()
	e.metrics.runStarted()

	ctx, cancel := context.WithTimeout(ctx, e.config.runTimeout())
	defer cancel()
	ctx, span := e.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("run.id", id.String()),
		attribute.String("essay.grade", string(req.Grade)),
		attribute.String("essay.type", string(req.Type)),
	))
	defer span.End()

	r := &run{
		id:    id,
		req:   req,
		runes: utf8.RuneCountInString(req.Text),
		stats: extraction.Stats(req.Text),
		emit: func(stage domain.Stage, rep *domain.GradingReport, err error) {
			if fn != nil {
				fn(Event{RunID: id, EssayID: req.ID, Stage: stage, Progress: Progress(stage), Report: rep, Err: err, Time: e.now().UTC()})
			}
		},
	}
	log := e.logger.With(slog.String("run_id", id.String()), slog.String("essay_id", req.ID))
	log.InfoContext(ctx, "grading run started",
		slog.String("grade", string(req.Grade)),
		slog.String("type", string(req.Type)),
		slog.Int("characters", r.stats.Characters),
		slog.String("complexity", r.stats.Complexity),
	)

	rep, err := e.stages(ctx, r)
	status := "failed"
	switch {
	case err != nil:
		var wfErr *domain.WorkflowError
		if errors.As(err, &wfErr) && wfErr.Kind() == domain.CauseCanceled {
			status = "canceled"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.emit(domain.StageFailed, nil, err)
		log.WarnContext(ctx, "grading run failed", slog.String("error", err.Error()))
	default:
		status = string(rep.Status)
		span.SetAttributes(attribute.String("report.status", status))
		r.emit(domain.StageDone, rep, nil)
		log.InfoContext(ctx, "grading run finished",
			slog.String("status", status),
			slog.String("report_id", rep.ID.String()),
			slog.Duration("duration", e.now().Sub(start)),
		)
	}
	e.metrics.runFinished(status, e.now().Sub(start))
	return rep, err
}

// stages drives the state machine. Every error it returns is a
// *domain.WorkflowError.
func (e *Engine) stages(ctx context.Context, r *run) (*domain.GradingReport, error) {
	steps := []struct {
		stage domain.Stage
		do    func(context.Context, *run) error
	}{
		{domain.StageSchemaResolution, e.resolveSchema},
		{domain.StageAnalysis, e.analyze},
		{domain.StageEvaluation, e.evaluate},
		{domain.StageSynthesis, e.synthesize},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, &domain.WorkflowError{Stage: step.stage, Cause: err}
		}
		r.emit(step.stage, nil, nil)
		sctx, span := e.tracer.Start(ctx, "workflow."+string(step.stage))
		began := e.now()
		err := step.do(sctx, r)
		e.metrics.stage(step.stage, e.now().Sub(began))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if err != nil {
			return nil, err
		}
	}
	return r.report, nil
}
