package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/amibaren/essaygrader/internal/domain"
	"github.com/amibaren/essaygrader/internal/llm"
)

// scriptedProvider answers with the queued replies in order; the last one
// repeats once the queue is drained.
type scriptedProvider struct {
	mu      sync.Mutex
	replies []reply
	calls   int
	reqs    []*llm.Request
}

type reply struct {
	content string
	err     error
	block   bool // wait for the context to end
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	i := min(p.calls, len(p.replies)-1)
	p.calls++
	p.reqs = append(p.reqs, req)
	r := p.replies[i]
	p.mu.Unlock()

	if r.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, r.err
	}
	return &llm.Response{Content: r.content}, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func fastRetry(attempts int) llm.RetryPolicy {
	return llm.RetryPolicy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
}

func newTestClient(t *testing.T, p llm.Provider, opts ...Option) *Client {
	t.Helper()
	c, err := NewClient(p, nil, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

var analystInput = domain.AnalystInput{Text: "小明今天去公园玩", Schema: &domain.Schema{Name: "s"}}

func TestInvoke_RoleInputMismatch(t *testing.T) {
	p := &scriptedProvider{replies: []reply{{content: "{}"}}}
	c := newTestClient(t, p)

	out := c.Invoke(context.Background(), domain.RolePraiser, "", analystInput, nil, CallConfig{})
	if out.Status != domain.StatusFailed || out.Cause != domain.CauseValidation {
		t.Fatalf("out = %+v", out)
	}
	var ve *domain.ValidationError
	if !errors.As(out.Err, &ve) {
		t.Errorf("err = %v, want ValidationError", out.Err)
	}
	if p.callCount() != 0 {
		t.Error("no outbound call expected")
	}

	out = c.Invoke(context.Background(), domain.AgentRole("critic"), "", analystInput, nil, CallConfig{})
	if out.Cause != domain.CauseValidation {
		t.Errorf("unknown role cause = %s", out.Cause)
	}
}

func TestInvoke_AnalystJSONIsRepaired(t *testing.T) {
	p := &scriptedProvider{replies: []reply{{content: "分析如下：\n```json\n" +
		`{"items":[{"dimension":"人物","start":0,"end":2,"text":"小明",},],"commentary":"叙事清楚"}` +
		"\n```"}}}
	c := newTestClient(t, p)

	out := c.Invoke(context.Background(), domain.RoleAnalyst, "", analystInput, nil, CallConfig{Retry: fastRetry(1)})
	if !out.OK() {
		t.Fatalf("out = %+v err=%v", out, out.Err)
	}
	payload, ok := out.Payload.(domain.AnalysisPayload)
	if !ok {
		t.Fatalf("payload %T", out.Payload)
	}
	if len(payload.Items) != 1 || payload.Items[0].Text != "小明" || payload.Commentary != "叙事清楚" {
		t.Errorf("payload = %+v", payload)
	}

	req := p.reqs[0]
	if !req.JSONMode || req.MaxTokens != 3000 || *req.Temperature != 0.1 {
		t.Errorf("analyst request = %+v, want analysis profile in JSON mode", req)
	}
	if req.SystemPrompt != SystemPrompt(domain.RoleAnalyst) {
		t.Error("system prompt not applied")
	}
}

func TestInvoke_FreeTextFallbacks(t *testing.T) {
	p := &scriptedProvider{replies: []reply{{content: "你写得很生动！\n1. 公园里有什么让你印象深刻？\n2. 你和谁一起去的？"}}}
	c := newTestClient(t, p)
	in := domain.GuideInput{Text: "小明今天去公园玩", Grade: domain.Grade3, Type: domain.EssayNarrative}

	out := c.Invoke(context.Background(), domain.RoleGuide, "", in, nil, CallConfig{Retry: fastRetry(1)})
	g, ok := out.Payload.(domain.GuidancePayload)
	if !ok || len(g.Questions) != 2 {
		t.Fatalf("payload = %+v", out.Payload)
	}
	if g.Questions[0] != "公园里有什么让你印象深刻？" {
		t.Errorf("question = %q", g.Questions[0])
	}
	if *p.reqs[0].Temperature != 0.9 || p.reqs[0].JSONMode {
		t.Error("guide should use the creative profile without JSON mode")
	}
}

func TestInvoke_DesignerRequiresJSON(t *testing.T) {
	p := &scriptedProvider{replies: []reply{{content: "好的，我来设计一个模板。"}}}
	c := newTestClient(t, p)
	out := c.Invoke(context.Background(), domain.RoleDesigner, "", domain.DesignerInput{Grade: domain.Grade3, Type: domain.EssayNarrative}, nil, CallConfig{Retry: fastRetry(3)})
	if out.Status != domain.StatusFailed || out.Cause != domain.CauseValidation {
		t.Fatalf("out = %+v", out)
	}
	if p.callCount() != 1 {
		t.Errorf("undecodable replies must not be retried, calls = %d", p.callCount())
	}
}

func TestInvoke_TransientRetried(t *testing.T) {
	p := &scriptedProvider{replies: []reply{
		{err: &llm.APIError{StatusCode: 503}},
		{content: `{"content":"真棒","highlights":["小明"]}`},
	}}
	c := newTestClient(t, p)
	out := c.Invoke(context.Background(), domain.RolePraiser, "", domain.PraiserInput{Text: "x"}, nil, CallConfig{Retry: fastRetry(3)})
	if !out.OK() || out.Attempts != 2 {
		t.Fatalf("out = %+v", out)
	}
	if out.Payload.(domain.PraisePayload).Content != "真棒" {
		t.Errorf("payload = %+v", out.Payload)
	}
}

func TestInvoke_TimeoutAfterRetryBudget(t *testing.T) {
	p := &scriptedProvider{replies: []reply{{block: true}}}
	c := newTestClient(t, p)
	out := c.Invoke(context.Background(), domain.RoleReporter, "", domain.ReporterInput{}, nil,
		CallConfig{Timeout: 5 * time.Millisecond, Retry: fastRetry(2)})
	if out.Cause != domain.CauseTimeout {
		t.Fatalf("cause = %s, err = %v", out.Cause, out.Err)
	}
	if out.Attempts != 2 || p.callCount() != 2 {
		t.Errorf("attempts = %d, calls = %d", out.Attempts, p.callCount())
	}
}

func TestInvoke_ParentCancellation(t *testing.T) {
	p := &scriptedProvider{replies: []reply{{block: true}}}
	c := newTestClient(t, p)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	out := c.Invoke(ctx, domain.RoleReporter, "", domain.ReporterInput{}, nil, CallConfig{Retry: fastRetry(3)})
	if out.Cause != domain.CauseCanceled {
		t.Fatalf("cause = %s", out.Cause)
	}
	if p.callCount() != 1 {
		t.Errorf("calls = %d, want 1", p.callCount())
	}
}

func TestInvoke_BreakerOpensAndRecovers(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	p := &scriptedProvider{replies: []reply{
		{err: &llm.APIError{StatusCode: 500}},
		{err: &llm.APIError{StatusCode: 500}},
		{content: "总结"},
	}}
	c := newTestClient(t, p, withClock(clock), WithBreaker(2, time.Minute))
	call := func() domain.AgentOutput {
		return c.Invoke(context.Background(), domain.RoleReporter, "", domain.ReporterInput{}, nil, CallConfig{Retry: fastRetry(1)})
	}

	call()
	call()
	if !c.BreakerOpen(domain.RoleReporter) {
		t.Fatal("breaker should be open after two failures")
	}
	out := call()
	if out.Cause != domain.CauseTransport || !IsCircuitOpen(out.Err) {
		t.Fatalf("out = %+v, want fail-fast transport", out)
	}
	if p.callCount() != 2 {
		t.Errorf("calls = %d, open breaker must not reach the provider", p.callCount())
	}
	if c.BreakerOpen(domain.RolePraiser) {
		t.Error("breakers are per role")
	}

	now = now.Add(time.Minute)
	if out := call(); !out.OK() {
		t.Fatalf("trial call after reset failed: %+v", out)
	}
	if c.BreakerOpen(domain.RoleReporter) {
		t.Error("successful trial should close the breaker")
	}
}

func TestInvoke_CacheServesRepeats(t *testing.T) {
	p := &scriptedProvider{replies: []reply{{content: `{"summary":"很好"}`}}}
	c := newTestClient(t, p, WithCache(8, time.Minute))
	in := domain.ReporterInput{Grade: domain.Grade3, Commentary: "c"}

	first := c.Invoke(context.Background(), domain.RoleReporter, "p", in, nil, CallConfig{})
	second := c.Invoke(context.Background(), domain.RoleReporter, "p", in, nil, CallConfig{})
	if !first.OK() || !second.OK() {
		t.Fatalf("outputs: %+v %+v", first, second)
	}
	if !second.Cached || first.Cached {
		t.Errorf("cached flags: first=%v second=%v", first.Cached, second.Cached)
	}
	if p.callCount() != 1 {
		t.Errorf("calls = %d, want 1", p.callCount())
	}

	c.Invoke(context.Background(), domain.RoleReporter, "other prompt", in, nil, CallConfig{})
	if p.callCount() != 2 {
		t.Error("a different prompt must miss the cache")
	}
	if n := c.PurgeCache(); n != 2 {
		t.Errorf("purged %d entries, want 2", n)
	}
}

func TestInvoke_FailuresAreNotCached(t *testing.T) {
	p := &scriptedProvider{replies: []reply{{err: &llm.APIError{StatusCode: 400}}, {content: `{"summary":"ok"}`}}}
	c := newTestClient(t, p, WithCache(8, time.Minute))
	c.Invoke(context.Background(), domain.RoleReporter, "", domain.ReporterInput{}, nil, CallConfig{Retry: fastRetry(1)})
	out := c.Invoke(context.Background(), domain.RoleReporter, "", domain.ReporterInput{}, nil, CallConfig{Retry: fastRetry(1)})
	if !out.OK() || out.Cached {
		t.Fatalf("out = %+v", out)
	}
}

func TestCallConfigOverrides(t *testing.T) {
	p := &scriptedProvider{replies: []reply{{content: "好"}}}
	c := newTestClient(t, p, WithProfiles(map[string]Profile{ProfileCreative: {MaxTokens: 900}}))
	c.Invoke(context.Background(), domain.RolePraiser, "", domain.PraiserInput{}, nil, CallConfig{
		Temperature:  llm.Temp(0.3),
		Model:        "other-model",
		SystemPrompt: "custom",
	})
	req := p.reqs[0]
	if *req.Temperature != 0.3 || req.MaxTokens != 900 || req.Model != "other-model" || req.SystemPrompt != "custom" {
		t.Errorf("req = %+v", req)
	}
}
