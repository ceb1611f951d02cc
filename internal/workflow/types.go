// Package workflow orchestrates a grading run: schema resolution, analysis,
// parallel praise and guidance, then synthesis of the final report.
//
// Each stage's output is validated before the next stage sees it. Stage
// payloads are values; later stages receive copies and never mutate what
// an earlier stage produced.
package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/amibaren/essaygrader/internal/agent"
	"github.com/amibaren/essaygrader/internal/domain"
	"github.com/amibaren/essaygrader/internal/extraction"
)

// Invoker runs one agent role. *agent.Client implements it.
type Invoker interface {
	Invoke(ctx context.Context, role domain.AgentRole, prompt string, input domain.AgentInput, examples []domain.Example, cfg agent.CallConfig) domain.AgentOutput
}

// Extractor locates schema dimensions in an essay. *extraction.Extractor
// implements it.
type Extractor interface {
	Extract(ctx context.Context, text string, schema *domain.Schema, examples []domain.Example, cfg extraction.Config) ([]domain.ExtractionItem, error)
}

// ReportSink persists finished reports. storage.ReportRepository satisfies it.
type ReportSink interface {
	SaveReport(ctx context.Context, r *domain.GradingReport) error
}

var (
	_ Invoker   = (*agent.Client)(nil)
	_ Extractor = (*extraction.Extractor)(nil)
)

// ErrRunNotFound is returned for unknown or evicted run ids.
var ErrRunNotFound = errors.New("run not found")

// ErrTooManyRuns is returned by Submit when the concurrent run cap is reached.
var ErrTooManyRuns = errors.New("too many concurrent runs")

// RunStatus is the lifecycle state of a submitted run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// Finished reports whether the run has stopped.
func (s RunStatus) Finished() bool {
	return s == RunCompleted || s == RunFailed || s == RunCanceled
}

// Run is the observable state of one grading run.
type Run struct {
	ID         uuid.UUID             `json:"id"`
	EssayID    string                `json:"essay_id"`
	Grade      domain.GradeLevel     `json:"grade"`
	Type       domain.EssayType      `json:"type"`
	Status     RunStatus             `json:"status"`
	Stage      domain.Stage          `json:"stage"`
	Progress   int                   `json:"progress"` // Percent, 0-100.
	Complexity string                `json:"complexity,omitempty"`
	Report     *domain.GradingReport `json:"report,omitempty"`
	Error      string                `json:"error,omitempty"`
	Cause      domain.Cause          `json:"cause,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// Event is emitted on every state transition of a run.
type Event struct {
	RunID    uuid.UUID             `json:"run_id"`
	EssayID  string                `json:"essay_id"`
	Stage    domain.Stage          `json:"stage"`
	Progress int                   `json:"progress"`
	Report   *domain.GradingReport `json:"report,omitempty"`
	Err      error                 `json:"-"`
	Time     time.Time             `json:"time"`
}

// Observer receives run events. It must not block.
type Observer func(Event)

var stageProgress = map[domain.Stage]int{
	domain.StageSchemaResolution: 10,
	domain.StageAnalysis:         30,
	domain.StageEvaluation:       60,
	domain.StageSynthesis:        85,
	domain.StageDone:             100,
}

// Progress returns the completion percentage reported on entering stage.
func Progress(stage domain.Stage) int { return stageProgress[stage] }
