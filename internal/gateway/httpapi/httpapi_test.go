package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/amibaren/essaygrader/internal/agent"
	"github.com/amibaren/essaygrader/internal/domain"
	"github.com/amibaren/essaygrader/internal/observability"
	"github.com/amibaren/essaygrader/internal/ratelimit"
	"github.com/amibaren/essaygrader/internal/schema"
	"github.com/amibaren/essaygrader/internal/workflow"
)

// fakeGrader returns a canned report, or err when set.
type fakeGrader struct {
	mu       sync.Mutex
	err      error
	last     domain.GradingRequest
	runs     map[uuid.UUID]*workflow.Run
	canceled []uuid.UUID
}

func newFakeGrader() *fakeGrader {
	return &fakeGrader{runs: make(map[uuid.UUID]*workflow.Run)}
}

func (f *fakeGrader) report(req domain.GradingRequest) *domain.GradingReport {
	return &domain.GradingReport{
		ID:      uuid.New(),
		EssayID: req.ID,
		Grade:   req.Grade,
		Type:    req.Type,
		Status:  domain.StatusSuccess,
		Praise:  domain.Section{Available: true, Content: "写得真好"},
	}
}

func (f *fakeGrader) Run(ctx context.Context, req domain.GradingRequest) (*domain.GradingReport, error) {
	return f.Stream(ctx, req, nil)
}

func (f *fakeGrader) Stream(_ context.Context, req domain.GradingRequest, fn workflow.Observer) (*domain.GradingReport, error) {
	f.mu.Lock()
	f.last = req
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	for _, st := range []domain.Stage{domain.StageSchemaResolution, domain.StageAnalysis, domain.StageEvaluation, domain.StageSynthesis} {
		if fn != nil {
			fn(workflow.Event{Stage: st, Progress: workflow.Progress(st)})
		}
	}
	rep := f.report(req)
	if fn != nil {
		fn(workflow.Event{Stage: domain.StageDone, Progress: 100, Report: rep})
	}
	return rep, nil
}

func (f *fakeGrader) Submit(_ context.Context, req domain.GradingRequest) (*workflow.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	rn := &workflow.Run{ID: uuid.New(), EssayID: req.ID, Grade: req.Grade, Type: req.Type, Status: workflow.RunPending}
	f.runs[rn.ID] = rn
	cp := *rn
	return &cp, nil
}

func (f *fakeGrader) Get(id uuid.UUID) (*workflow.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rn, ok := f.runs[id]
	if !ok {
		return nil, workflow.ErrRunNotFound
	}
	cp := *rn
	return &cp, nil
}

func (f *fakeGrader) Cancel(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rn, ok := f.runs[id]
	if !ok {
		return fmt.Errorf("%w: %s", workflow.ErrRunNotFound, id)
	}
	rn.Status = workflow.RunCanceled
	f.canceled = append(f.canceled, id)
	return nil
}

func (f *fakeGrader) List(limit int) []workflow.Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []workflow.Run
	for _, rn := range f.runs {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, *rn)
	}
	return out
}

type fakeInvoker struct {
	got domain.AgentInput
	cfg agent.CallConfig
}

func (f *fakeInvoker) Invoke(_ context.Context, role domain.AgentRole, _ string, input domain.AgentInput, _ []domain.Example, cfg agent.CallConfig) domain.AgentOutput {
	f.got, f.cfg = input, cfg
	return domain.AgentOutput{
		Role:     role,
		Status:   domain.StatusSuccess,
		Payload:  domain.PraisePayload{Content: "观察很仔细"},
		Attempts: 1,
		Duration: 40 * time.Millisecond,
	}
}

type fakeReports struct {
	reports map[uuid.UUID]*domain.GradingReport
}

func (f *fakeReports) SaveReport(_ context.Context, r *domain.GradingReport) error {
	f.reports[r.ID] = r
	return nil
}

func (f *fakeReports) GetReport(_ context.Context, id uuid.UUID) (*domain.GradingReport, error) {
	r, ok := f.reports[id]
	if !ok {
		return nil, domain.ErrReportNotFound
	}
	return r, nil
}

func (f *fakeReports) ListReports(_ context.Context, _ int) ([]domain.ReportSummary, error) {
	var out []domain.ReportSummary
	for _, r := range f.reports {
		out = append(out, r.Summarize())
	}
	return out, nil
}

func (f *fakeReports) DeleteReportsBefore(context.Context, time.Time) (int64, error) { return 0, nil }

type fixture struct {
	srv     *httptest.Server
	grader  *fakeGrader
	invoker *fakeInvoker
	reports *fakeReports
	schemas *schema.MemoryStore
}

func newFixture(t *testing.T, cfg Config, rl *ratelimit.Limiter) *fixture {
	t.Helper()
	f := &fixture{
		grader:  newFakeGrader(),
		invoker: &fakeInvoker{},
		reports: &fakeReports{reports: make(map[uuid.UUID]*domain.GradingReport)},
		schemas: schema.NewMemoryStore(),
	}
	if _, err := schema.Seed(context.Background(), f.schemas, domain.Grade3); err != nil {
		t.Fatalf("seeding schemas: %v", err)
	}
	g := NewGateway(cfg, f.grader, f.schemas, rl, nil).
		WithReports(f.reports).
		WithInvoker(f.invoker)
	f.srv = httptest.NewServer(g.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, key string, body any) *http.Response {
	t.Helper()
	var r *strings.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = strings.NewReader(string(data))
	} else {
		r = strings.NewReader("")
	}
	req, err := http.NewRequest(method, f.srv.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func parkEssay() GradeRequest {
	return GradeRequest{EssayID: "essay-1", Text: "小明今天去公园玩", Grade: "3", Type: "narrative"}
}

func TestGrade(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	resp := f.do(t, http.MethodPost, "/v1/grade", "", parkEssay())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	rep := decode[domain.GradingReport](t, resp)
	if rep.EssayID != "essay-1" || rep.Status != domain.StatusSuccess {
		t.Errorf("report = %+v", rep)
	}
	if f.grader.last.Grade != domain.Grade3 || f.grader.last.Type != domain.EssayNarrative {
		t.Errorf("request not normalized: %+v", f.grader.last)
	}
}

func TestGradeErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  int
		wantStage domain.Stage
		wantCause domain.Cause
	}{
		{
			name:      "rejected request",
			err:       &domain.WorkflowError{Stage: domain.StageSchemaResolution, Cause: &domain.ValidationError{MissingFields: []string{"text"}}},
			wantCode:  http.StatusBadRequest,
			wantStage: domain.StageSchemaResolution,
			wantCause: domain.CauseValidation,
		},
		{
			name:      "analyst output invalid",
			err:       &domain.WorkflowError{Stage: domain.StageAnalysis, Cause: &domain.ValidationError{Role: domain.RoleAnalyst, MissingFields: []string{"commentary"}}},
			wantCode:  http.StatusBadGateway,
			wantStage: domain.StageAnalysis,
			wantCause: domain.CauseValidation,
		},
		{
			name:      "extraction timeout",
			err:       &domain.WorkflowError{Stage: domain.StageAnalysis, Cause: &domain.ExtractionError{Cause: domain.ErrTimeout}},
			wantCode:  http.StatusGatewayTimeout,
			wantStage: domain.StageAnalysis,
			wantCause: domain.CauseTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{}, nil)
			f.grader.err = tt.err

			resp := f.do(t, http.MethodPost, "/v1/grade", "", parkEssay())
			if resp.StatusCode != tt.wantCode {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			body := decode[RunErrorBody](t, resp)
			if body.Stage != tt.wantStage || body.Cause != tt.wantCause {
				t.Errorf("body = %+v", body)
			}
		})
	}
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t, Config{APIKeys: map[string]string{"k-teacher": "teacher-1"}}, nil)

	if resp := f.do(t, http.MethodGet, "/v1/schemas", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no key: status = %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/v1/schemas", "wrong", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad key: status = %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/v1/schemas", "k-teacher", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("good key: status = %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/healthz", "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("healthz: status = %d", resp.StatusCode)
	}
}

func TestRateLimit(t *testing.T) {
	rl := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1, BurstSize: 2})
	f := newFixture(t, Config{}, rl)

	for i := range 2 {
		if resp := f.do(t, http.MethodGet, "/v1/schemas", "", nil); resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, resp.StatusCode)
		}
	}
	if resp := f.do(t, http.MethodGet, "/v1/schemas", "", nil); resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("third request: status = %d, want 429", resp.StatusCode)
	}
}

func TestRunLifecycle(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	resp := f.do(t, http.MethodPost, "/v1/runs", "", parkEssay())
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	rn := decode[RunResponse](t, resp)

	resp = f.do(t, http.MethodGet, "/v1/runs/"+rn.ID, "", nil)
	if got := decode[RunResponse](t, resp); got.ID != rn.ID || got.EssayID != "essay-1" {
		t.Errorf("get = %+v", got)
	}

	resp = f.do(t, http.MethodGet, "/v1/runs?limit=10", "", nil)
	if list := decode[[]RunResponse](t, resp); len(list) != 1 {
		t.Errorf("list returned %d runs", len(list))
	}

	resp = f.do(t, http.MethodDelete, "/v1/runs/"+rn.ID, "", nil)
	if got := decode[RunResponse](t, resp); got.Status != workflow.RunCanceled {
		t.Errorf("status after cancel = %s", got.Status)
	}

	if resp := f.do(t, http.MethodGet, "/v1/runs/"+uuid.NewString(), "", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown run: status = %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/v1/runs/not-a-uuid", "", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad id: status = %d", resp.StatusCode)
	}
}

func TestRunSubmitBusy(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.grader.err = fmt.Errorf("%w (limit 1)", workflow.ErrTooManyRuns)

	if resp := f.do(t, http.MethodPost, "/v1/runs", "", parkEssay()); resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", resp.StatusCode)
	}
}

func TestAgentInvoke(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	body := map[string]any{
		"input":    map[string]any{"text": "小明今天去公园玩", "grade": "grade_3", "type": "narrative"},
		"no_cache": true,
	}
	resp := f.do(t, http.MethodPost, "/v1/agents/praiser/invoke", "", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got struct {
		Role       domain.AgentRole     `json:"role"`
		Status     domain.Status        `json:"status"`
		DurationMS int64                `json:"duration_ms"`
		Payload    domain.PraisePayload `json:"payload"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Role != domain.RolePraiser || got.Payload.Content != "观察很仔细" || got.DurationMS != 40 {
		t.Errorf("response = %+v", got)
	}
	if _, ok := f.invoker.got.(domain.PraiserInput); !ok || !f.invoker.cfg.NoCache {
		t.Errorf("invoker got %T, cfg %+v", f.invoker.got, f.invoker.cfg)
	}

	if resp := f.do(t, http.MethodPost, "/v1/agents/critic/invoke", "", body); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown role: status = %d", resp.StatusCode)
	}
}

func TestSchemas(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	list := decode[[]SchemaSummary](t, f.do(t, http.MethodGet, "/v1/schemas", "", nil))
	if len(list) != len(domain.EssayTypes) {
		t.Errorf("listed %d schemas, want %d", len(list), len(domain.EssayTypes))
	}

	resp := f.do(t, http.MethodGet, "/v1/schemas/grade_3/narrative/v1", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if s := decode[domain.Schema](t, resp); s.Key().String() != "grade_3/narrative/v1" {
		t.Errorf("schema key = %s", s.Key())
	}

	if resp := f.do(t, http.MethodGet, "/v1/schemas/grade_5/narrative/v1", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing schema: status = %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/v1/schemas/grade_3/poem/v1", "", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad key: status = %d", resp.StatusCode)
	}
}

func TestReports(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	rep := f.grader.report(domain.GradingRequest{ID: "essay-9", Grade: domain.Grade3, Type: domain.EssayNarrative})
	_ = f.reports.SaveReport(context.Background(), rep)

	list := decode[[]domain.ReportSummary](t, f.do(t, http.MethodGet, "/v1/reports", "", nil))
	if len(list) != 1 || list[0].EssayID != "essay-9" {
		t.Errorf("list = %+v", list)
	}
	got := decode[domain.GradingReport](t, f.do(t, http.MethodGet, "/v1/reports/"+rep.ID.String(), "", nil))
	if got.ID != rep.ID {
		t.Errorf("report id = %s", got.ID)
	}
	if resp := f.do(t, http.MethodGet, "/v1/reports/"+uuid.NewString(), "", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing report: status = %d", resp.StatusCode)
	}
}

func TestGradeStream(t *testing.T) {
	f := newFixture(t, Config{EnableSSE: true}, nil)

	resp := f.do(t, http.MethodPost, "/v1/grade/stream", "", parkEssay())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var events []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if name, ok := strings.CutPrefix(sc.Text(), "event:"); ok {
			events = append(events, strings.TrimSpace(name))
		}
	}
	want := []string{"progress", "progress", "progress", "progress", "report"}
	if strings.Join(events, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", events, want)
	}
}

func TestReadiness(t *testing.T) {
	hc := observability.NewHealthChecker(nil)
	hc.AddCheck("database", func(context.Context) error { return errors.New("connection refused") })
	f := newFixture(t, Config{HealthChecker: hc}, nil)

	if resp := f.do(t, http.MethodGet, "/readyz", "", nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}
