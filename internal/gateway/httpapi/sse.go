package httpapi

import (
	"errors"

	"github.com/jkaninda/okapi"

	"github.com/amibaren/essaygrader/internal/domain"
	"github.com/amibaren/essaygrader/internal/workflow"
)

// SSEEvent is the data of every server-sent event on /v1/grade/stream.
// Event names are "progress", "report" and "error".
type SSEEvent struct {
	Stage    domain.Stage          `json:"stage,omitempty"`
	Progress int                   `json:"progress,omitempty"`
	Report   *domain.GradingReport `json:"report,omitempty"`
	Error    string                `json:"error,omitempty"`
	Cause    domain.Cause          `json:"cause,omitempty"`
}

// handleGradeStream handles POST /v1/grade/stream. Stage transitions are
// sent as they happen, then the report or the failure.
func (g *Gateway) handleGradeStream(c *okapi.Context) error {
	var req GradeRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}

	// Observer calls happen on this goroutine, so writing from them is safe.
	rep, err := g.grader.Stream(c.Context(), req.toDomain(), func(ev workflow.Event) {
		if ev.Stage.Terminal() {
			return
		}
		c.SSEvent("progress", SSEEvent{Stage: ev.Stage, Progress: ev.Progress})
	})
	if err != nil {
		ev := SSEEvent{Error: err.Error(), Cause: domain.CauseOf(err)}
		var wfErr *domain.WorkflowError
		if errors.As(err, &wfErr) {
			ev.Stage = wfErr.Stage
		}
		c.SSEvent("error", ev)
		return nil
	}
	c.SSEvent("report", SSEEvent{Stage: domain.StageDone, Progress: 100, Report: rep})
	return nil
}
