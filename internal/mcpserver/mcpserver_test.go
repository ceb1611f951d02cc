package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/amibaren/essaygrader/internal/agent"
	"github.com/amibaren/essaygrader/internal/domain"
	"github.com/amibaren/essaygrader/internal/schema"
)

type fakeGrader struct {
	got domain.GradingRequest
	err error
}

func (f *fakeGrader) Run(_ context.Context, req domain.GradingRequest) (*domain.GradingReport, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return &domain.GradingReport{EssayID: req.ID, Grade: req.Grade, Type: req.Type, Status: domain.StatusSuccess}, nil
}

type fakeInvoker struct{}

func (fakeInvoker) Invoke(_ context.Context, role domain.AgentRole, _ string, input domain.AgentInput, _ []domain.Example, _ agent.CallConfig) domain.AgentOutput {
	if input.Role() != role {
		return domain.AgentOutput{Role: role, Status: domain.StatusFailed, Cause: domain.CauseConfiguration}
	}
	return domain.AgentOutput{Role: role, Status: domain.StatusSuccess, Payload: domain.GuidancePayload{Questions: []string{"公园里还有什么？"}}}
}

func newClient(t *testing.T, g Grader, inv Invoker) *mcpclient.Client {
	t.Helper()
	store := schema.NewMemoryStore()
	if _, err := schema.Seed(context.Background(), store, domain.Grade3); err != nil {
		t.Fatal(err)
	}
	srv := New(g, inv, store, "test", nil)

	c, err := mcpclient.NewInProcessClient(srv.MCPServer())
	if err != nil {
		t.Fatalf("NewInProcessClient: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	init := mcp.InitializeRequest{}
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: "test", Version: "0"}
	if _, err := c.Initialize(ctx, init); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return c
}

func call(t *testing.T, c *mcpclient.Client, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := c.CallTool(context.Background(), req)
	if err != nil {
		t.Fatalf("CallTool %s: %v", name, err)
	}
	return res
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("empty result")
	}
	tc, ok := mcp.AsTextContent(res.Content[0])
	if !ok {
		t.Fatalf("content is %T", res.Content[0])
	}
	return tc.Text
}

func TestListTools(t *testing.T) {
	c := newClient(t, &fakeGrader{}, fakeInvoker{})
	res, err := c.ListTools(context.Background(), mcp.ListToolsRequest{})
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, tool := range res.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"grade_essay", "invoke_agent", "list_schemas"} {
		if !names[want] {
			t.Errorf("tool %s not registered", want)
		}
	}

	c = newClient(t, &fakeGrader{}, nil)
	res, _ = c.ListTools(context.Background(), mcp.ListToolsRequest{})
	for _, tool := range res.Tools {
		if tool.Name == "invoke_agent" {
			t.Error("invoke_agent registered without an invoker")
		}
	}
}

func TestGradeEssay(t *testing.T) {
	g := &fakeGrader{}
	c := newClient(t, g, nil)

	res := call(t, c, "grade_essay", map[string]any{"text": "小明今天去公园玩", "grade": "3", "type": "narrative", "essay_id": "e-1"})
	if res.IsError {
		t.Fatalf("tool error: %s", text(t, res))
	}
	var rep domain.GradingReport
	if err := json.Unmarshal([]byte(text(t, res)), &rep); err != nil {
		t.Fatal(err)
	}
	if rep.EssayID != "e-1" || rep.Grade != domain.Grade3 || rep.Status != domain.StatusSuccess {
		t.Errorf("report = %+v", rep)
	}

	res = call(t, c, "grade_essay", map[string]any{"text": "x", "grade": "9", "type": "narrative"})
	if !res.IsError {
		t.Error("invalid grade accepted")
	}
}

func TestGradeEssayWorkflowFailure(t *testing.T) {
	g := &fakeGrader{err: &domain.WorkflowError{Stage: domain.StageEvaluation, Cause: domain.ErrTimeout}}
	c := newClient(t, g, nil)

	res := call(t, c, "grade_essay", map[string]any{"text": "小明今天去公园玩", "grade": "grade_3", "type": "narrative"})
	if !res.IsError {
		t.Fatal("failure not reported as a tool error")
	}
	if got := text(t, res); got != "grading failed at evaluation (timeout): timeout" {
		t.Errorf("message = %q", got)
	}
}

func TestInvokeAgent(t *testing.T) {
	c := newClient(t, &fakeGrader{}, fakeInvoker{})

	res := call(t, c, "invoke_agent", map[string]any{
		"role":  "guide",
		"input": `{"text":"小明今天去公园玩","grade":"grade_3","type":"narrative"}`,
	})
	if res.IsError {
		t.Fatalf("tool error: %s", text(t, res))
	}
	var p domain.GuidancePayload
	if err := json.Unmarshal([]byte(text(t, res)), &p); err != nil {
		t.Fatal(err)
	}
	if len(p.Questions) != 1 {
		t.Errorf("payload = %+v", p)
	}

	if res := call(t, c, "invoke_agent", map[string]any{"role": "guide", "input": "{"}); !res.IsError {
		t.Error("malformed input accepted")
	}
}

func TestListSchemas(t *testing.T) {
	c := newClient(t, &fakeGrader{}, nil)
	res := call(t, c, "list_schemas", nil)
	var out []struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal([]byte(text(t, res)), &out); err != nil {
		t.Fatal(err)
	}
	if len(out) != len(domain.EssayTypes) {
		t.Errorf("listed %d schemas, want %d", len(out), len(domain.EssayTypes))
	}
}
