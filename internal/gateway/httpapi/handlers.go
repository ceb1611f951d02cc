package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/amibaren/essaygrader/internal/agent"
	"github.com/amibaren/essaygrader/internal/domain"
	"github.com/amibaren/essaygrader/internal/workflow"
)

// GradeRequest is the JSON body of the grading and run endpoints.
type GradeRequest struct {
	EssayID  string `json:"essay_id,omitempty"`
	Text     string `json:"text"`
	Grade    string `json:"grade"` // "grade_3" or "3".
	Type     string `json:"type"`
	SchemaID string `json:"schema_id,omitempty"` // e.g. "grade_3/narrative/v1".
	Focus    string `json:"focus,omitempty"`
}

// toDomain normalizes grade and type spellings. Unknown values pass
// through so the workflow reports them.
func (r GradeRequest) toDomain() domain.GradingRequest {
	grade := domain.GradeLevel(r.Grade)
	if g, err := domain.ParseGradeLevel(r.Grade); err == nil {
		grade = g
	}
	typ := domain.EssayType(r.Type)
	if t, err := domain.ParseEssayType(r.Type); err == nil {
		typ = t
	}
	return domain.GradingRequest{
		ID:       r.EssayID,
		Text:     r.Text,
		Grade:    grade,
		Type:     typ,
		SchemaID: r.SchemaID,
		Focus:    r.Focus,
	}
}

// RunErrorBody describes a failed grading run.
type RunErrorBody struct {
	Error string       `json:"error"`
	Stage domain.Stage `json:"stage,omitempty"`
	Cause domain.Cause `json:"cause,omitempty"`
}

// RunResponse is the JSON view of a run.
type RunResponse struct {
	ID         string                `json:"id"`
	EssayID    string                `json:"essay_id"`
	Grade      domain.GradeLevel     `json:"grade"`
	Type       domain.EssayType      `json:"type"`
	Status     workflow.RunStatus    `json:"status"`
	Stage      domain.Stage          `json:"stage,omitempty"`
	Progress   int                   `json:"progress"`
	Complexity string                `json:"complexity"`
	Error      string                `json:"error,omitempty"`
	Cause      domain.Cause          `json:"cause,omitempty"`
	Report     *domain.GradingReport `json:"report,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

func runResponse(rn *workflow.Run) RunResponse {
	return RunResponse{
		ID:         rn.ID.String(),
		EssayID:    rn.EssayID,
		Grade:      rn.Grade,
		Type:       rn.Type,
		Status:     rn.Status,
		Stage:      rn.Stage,
		Progress:   rn.Progress,
		Complexity: rn.Complexity,
		Error:      rn.Error,
		Cause:      rn.Cause,
		Report:     rn.Report,
		CreatedAt:  rn.CreatedAt,
		UpdatedAt:  rn.UpdatedAt,
	}
}

// --- Grading ---

func (g *Gateway) handleGrade(c *okapi.Context) error {
	var req GradeRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}

	rep, err := g.grader.Run(c.Context(), req.toDomain())
	if err != nil {
		return g.runError(c, err)
	}
	return c.OK(rep)
}

func (g *Gateway) handleRunSubmit(c *okapi.Context) error {
	var req GradeRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}

	rn, err := g.grader.Submit(c.Context(), req.toDomain())
	if err != nil {
		if errors.Is(err, workflow.ErrTooManyRuns) {
			return c.AbortTooManyRequests("too many runs in flight")
		}
		return g.runError(c, err)
	}
	g.logger.Info("run submitted",
		slog.String("client_id", c.GetString("clientID")),
		slog.String("run_id", rn.ID.String()),
	)
	return c.JSON(http.StatusAccepted, runResponse(rn))
}

func (g *Gateway) handleRunList(c *okapi.Context) error {
	limit, err := queryLimit(c)
	if err != nil {
		return c.AbortBadRequest("invalid limit")
	}
	runs := g.grader.List(limit)
	resp := make([]RunResponse, len(runs))
	for i := range runs {
		resp[i] = runResponse(&runs[i])
		resp[i].Report = nil
	}
	return c.OK(resp)
}

func (g *Gateway) handleRunGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid run ID")
	}
	rn, err := g.grader.Get(id)
	if err != nil {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "run not found"})
	}
	return c.OK(runResponse(rn))
}

func (g *Gateway) handleRunCancel(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid run ID")
	}
	if err := g.grader.Cancel(c.Context(), id); err != nil {
		if errors.Is(err, workflow.ErrRunNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "run not found"})
		}
		return c.AbortInternalServerError("cancellation failed")
	}
	rn, err := g.grader.Get(id)
	if err != nil {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "run not found"})
	}
	return c.OK(runResponse(rn))
}

// runError maps a workflow failure to a response. Rejected requests are the
// client's fault; everything else is an upstream failure.
func (g *Gateway) runError(c *okapi.Context, err error) error {
	body := RunErrorBody{Error: err.Error(), Cause: domain.CauseOf(err)}
	var wfErr *domain.WorkflowError
	if errors.As(err, &wfErr) {
		body.Stage = wfErr.Stage
	}
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr) && verr.Role == "":
		return c.JSON(http.StatusBadRequest, body)
	case body.Cause == domain.CauseCanceled:
		return c.JSON(http.StatusServiceUnavailable, body)
	case body.Cause == domain.CauseTimeout:
		g.logger.Warn("grading run timed out", slog.String("stage", string(body.Stage)))
		return c.JSON(http.StatusGatewayTimeout, body)
	}
	g.logger.Error("grading run failed",
		slog.String("stage", string(body.Stage)),
		slog.String("cause", string(body.Cause)),
		slog.String("error", err.Error()),
	)
	return c.JSON(http.StatusBadGateway, body)
}

// --- Agents ---

// InvokeRequest is the JSON body of POST /v1/agents/{role}/invoke.
type InvokeRequest struct {
	Prompt   string           `json:"prompt,omitempty"`
	Input    json.RawMessage  `json:"input"` // The role's input object.
	Examples []domain.Example `json:"examples,omitempty"`
	NoCache  bool             `json:"no_cache,omitempty"`
}

// InvokeResponse is the outcome of one agent call.
type InvokeResponse struct {
	Role       domain.AgentRole `json:"role"`
	Status     domain.Status    `json:"status"`
	Cause      domain.Cause     `json:"cause,omitempty"`
	Error      string           `json:"error,omitempty"`
	Attempts   int              `json:"attempts"`
	DurationMS int64            `json:"duration_ms"`
	Cached     bool             `json:"cached,omitempty"`
	Payload    domain.Payload   `json:"payload,omitempty"`
}

func (g *Gateway) handleAgentInvoke(c *okapi.Context) error {
	role, err := domain.ParseAgentRole(c.Param("role"))
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	var req InvokeRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}
	if len(req.Input) == 0 {
		return c.AbortBadRequest("input is required")
	}
	input, err := domain.DecodeInput(role, req.Input)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	out := g.invoker.Invoke(c.Context(), role, req.Prompt, input, req.Examples, agent.CallConfig{NoCache: req.NoCache})
	resp := InvokeResponse{
		Role:       out.Role,
		Status:     out.Status,
		Cause:      out.Cause,
		Attempts:   out.Attempts,
		DurationMS: out.Duration.Milliseconds(),
		Cached:     out.Cached,
		Payload:    out.Payload,
	}
	if out.Err != nil {
		resp.Error = out.Err.Error()
	}
	return c.OK(resp)
}

// --- Schemas ---

// SchemaSummary is the listing view of a schema.
type SchemaSummary struct {
	Key        string            `json:"key"`
	Name       string            `json:"name"`
	Grade      domain.GradeLevel `json:"grade"`
	Type       domain.EssayType  `json:"type"`
	Version    int               `json:"version"`
	Dimensions int               `json:"dimensions"`
}

func (g *Gateway) handleSchemaList(c *okapi.Context) error {
	schemas, err := g.schemas.List(c.Context())
	if err != nil {
		g.logger.Error("listing schemas", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing schemas failed")
	}
	resp := make([]SchemaSummary, len(schemas))
	for i := range schemas {
		s := &schemas[i]
		resp[i] = SchemaSummary{
			Key:        s.Key().String(),
			Name:       s.Name,
			Grade:      s.Grade,
			Type:       s.Type,
			Version:    s.Version,
			Dimensions: len(s.Dimensions),
		}
	}
	return c.OK(resp)
}

func (g *Gateway) handleSchemaGet(c *okapi.Context) error {
	key, err := domain.ParseSchemaKey(c.Param("grade") + "/" + c.Param("type") + "/" + c.Param("version"))
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	s, err := g.schemas.Get(c.Context(), key)
	if err != nil {
		if errors.Is(err, domain.ErrSchemaNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "schema not found"})
		}
		return c.AbortInternalServerError("loading schema failed")
	}
	return c.OK(s)
}

// --- Reports ---

func (g *Gateway) handleReportList(c *okapi.Context) error {
	limit, err := queryLimit(c)
	if err != nil {
		return c.AbortBadRequest("invalid limit")
	}
	reports, err := g.reports.ListReports(c.Context(), limit)
	if err != nil {
		g.logger.Error("listing reports", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing reports failed")
	}
	return c.OK(reports)
}

func (g *Gateway) handleReportGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid report ID")
	}
	rep, err := g.reports.GetReport(c.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrReportNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "report not found"})
		}
		return c.AbortInternalServerError("loading report failed")
	}
	return c.OK(rep)
}

// queryLimit parses the optional ?limit= parameter. Missing means 0.
func queryLimit(c *okapi.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}
