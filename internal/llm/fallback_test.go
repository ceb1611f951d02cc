package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type stubProvider struct {
	name  string
	resp  *Response
	err   error
	calls int
}

func (s *stubProvider) SendMessage(ctx context.Context, req *Request) (*Response, error) {
	s.calls++
	return s.resp, s.err
}

func (s *stubProvider) Name() string { return s.name }

func TestFallbackProvider_UsesNextOnFailure(t *testing.T) {
	primary := &stubProvider{name: "openai", err: &APIError{StatusCode: 503}}
	secondary := &stubProvider{name: "gemini", resp: &Response{Content: "ok"}}

	f := NewFallbackProvider([]Provider{primary, secondary}, nil)
	resp, err := f.SendMessage(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q", resp.Content)
	}
	if f.Name() != "openai+fallback" {
		t.Errorf("name = %q", f.Name())
	}
}

func TestFallbackProvider_AllFail(t *testing.T) {
	last := &APIError{StatusCode: 500, Body: "boom"}
	f := NewFallbackProvider([]Provider{
		&stubProvider{name: "a", err: errors.New("first")},
		&stubProvider{name: "b", err: last},
	}, nil)
	_, err := f.SendMessage(context.Background(), &Request{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr != last {
		t.Fatalf("err = %v, want wrapped last error", err)
	}
}

func TestFallbackProvider_StopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	primary := &stubProvider{name: "a", err: context.Canceled}
	secondary := &stubProvider{name: "b", resp: &Response{}}

	f := NewFallbackProvider([]Provider{primary, secondary}, nil)
	if _, err := f.SendMessage(ctx, &Request{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if secondary.calls != 0 {
		t.Errorf("secondary called %d times after cancellation", secondary.calls)
	}
}

func TestFallbackProvider_ErrorNamesEveryProvider(t *testing.T) {
	f := NewFallbackProvider([]Provider{
		&stubProvider{name: "dashscope", err: &APIError{StatusCode: 429}},
		&stubProvider{name: "gemini", err: errors.New("dial tcp: refused")},
	}, nil)
	_, err := f.SendMessage(context.Background(), &Request{})
	if err == nil {
		t.Fatal("want error")
	}
	for _, name := range []string{"dashscope", "gemini", "all 2 providers failed"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q does not mention %q", err, name)
		}
	}
	if !IsTransient(err) {
		t.Error("a 429 anywhere in the chain should keep the error transient")
	}
}
