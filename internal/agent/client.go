// Package agent invokes the five grading roles against an LLM provider and
// decodes their replies into typed payloads.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/amibaren/essaygrader/internal/domain"
	"github.com/amibaren/essaygrader/internal/llm"
)

// Client is the Agent Client. It is safe for concurrent use.
type Client struct {
	provider llm.Provider
	model    string
	profiles map[string]Profile
	limiter  *rate.Limiter // nil = unpaced
	breaker  *breaker      // nil = disabled
	cache    *resultCache  // nil = disabled
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time

	cacheSize int
	cacheTTL  time.Duration
	cacheOn   bool
}

// Option configures a Client.
type Option func(*Client)

// WithModel records the provider's model for cache keys and logs.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithProfiles overrides individual builtin profiles.
func WithProfiles(profiles map[string]Profile) Option {
	return func(c *Client) {
		for name, p := range profiles {
			base := c.profiles[name]
			if p.Temperature > 0 {
				base.Temperature = p.Temperature
			}
			if p.MaxTokens > 0 {
				base.MaxTokens = p.MaxTokens
			}
			if p.Timeout > 0 {
				base.Timeout = p.Timeout
			}
			c.profiles[name] = base
		}
	}
}

// WithRateLimit paces outbound calls. rps <= 0 disables pacing.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithBreaker enables the per-role circuit breaker.
func WithBreaker(threshold int, reset time.Duration) Option {
	return func(c *Client) { c.breaker = newBreaker(threshold, reset, c.clock) }
}

// WithCache enables the result cache.
func WithCache(entries int, ttl time.Duration) Option {
	return func(c *Client) {
		c.cacheOn, c.cacheSize, c.cacheTTL = true, entries, ttl
	}
}

// WithTracer records one span per invocation.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) {
		if t != nil {
			c.tracer = t
		}
	}
}

// withClock replaces time.Now in tests.
func withClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a Client over provider.
func NewClient(provider llm.Provider, logger *slog.Logger, opts ...Option) (*Client, error) {
	if provider == nil {
		return nil, &domain.ConfigurationError{Field: "llm", Reason: "provider is required"}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Client{
		provider: provider,
		profiles: DefaultProfiles(),
		tracer:   noop.NewTracerProvider().Tracer("agent"),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cacheOn {
		cache, err := newResultCache(c.cacheSize, c.cacheTTL, c.clock)
		if err != nil {
			return nil, fmt.Errorf("creating result cache: %w", err)
		}
		c.cache = cache
	}
	return c, nil
}

func (c *Client) clock() time.Time { return c.now() }

// Invoke runs one role against the LLM and returns its typed output. It
// never returns a Go error: failures are reported through the output's
// Status, Cause and Err.
//
// prompt is the task instruction for this call; examples are rendered as
// few-shot guidance. Transient failures are retried according to
// cfg.Retry, each attempt bounded by the role's profile timeout.
func (c *Client) Invoke(ctx context.Context, role domain.AgentRole, prompt string, input domain.AgentInput, examples []domain.Example, cfg CallConfig) domain.AgentOutput {
	start := c.now()
	out := domain.AgentOutput{Role: role, Status: domain.StatusFailed}
	finish := func() domain.AgentOutput {
		out.Duration = c.now().Sub(start)
		return out
	}

	if err := checkInput(role, input); err != nil {
		out.Cause, out.Err = domain.CauseValidation, err
		return finish()
	}

	ctx, span := c.tracer.Start(ctx, "agent.invoke", trace.WithAttributes(
		attribute.String("agent.role", string(role)),
	))
	defer span.End()

	profile := cfg.resolved(c.profiles[ProfileName(role)])
	system := cfg.SystemPrompt
	if system == "" {
		system = SystemPrompt(role)
	}
	user, err := renderUserMessage(role, prompt, input, examples)
	if err != nil {
		out.Cause, out.Err = domain.CauseValidation, &domain.ValidationError{Role: role, TypeErrors: []string{err.Error()}}
		return finish()
	}

	model := cfg.Model
	if model == "" {
		model = c.model
	}
	key := cacheKey(role, model, system, user, profile)
	if !cfg.NoCache {
		if cached, ok := c.cache.get(key); ok {
			cached.Cached = true
			cached.Attempts = 0
			cached.Duration = c.now().Sub(start)
			span.SetAttributes(attribute.Bool("agent.cached", true))
			return cached
		}
	}

	if !c.breaker.allow(role) {
		out.Cause = domain.CauseTransport
		out.Err = &domain.TransportError{Service: "llm", Err: fmt.Errorf("%s: %w", role, ErrCircuitOpen)}
		span.SetStatus(codes.Error, ErrCircuitOpen.Error())
		return finish()
	}

	req := &llm.Request{
		SystemPrompt: system,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: user}},
		MaxTokens:    profile.MaxTokens,
		Temperature:  llm.Temp(profile.Temperature),
		JSONMode:     role == domain.RoleDesigner || role == domain.RoleAnalyst,
		Model:        cfg.Model,
	}

	policy := cfg.Retry
	policy.AttemptTimeout = profile.Timeout
	resp, attempts, err := llm.Retry(ctx, policy, func(actx context.Context) (*llm.Response, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(actx); err != nil {
				return nil, err
			}
		}
		return c.provider.SendMessage(actx, req)
	}, func(attempt int, err error, wait time.Duration) {
		c.logger.WarnContext(ctx, "agent call failed, retrying",
			slog.String("role", string(role)),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	})
	out.Attempts = attempts

	if err != nil {
		out.Cause = domain.CauseOf(err)
		out.Err = llm.AsTransportError("llm", err)
		if out.Cause.Transient() {
			c.breaker.failure(role)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, string(out.Cause))
		c.logger.ErrorContext(ctx, "agent call failed",
			slog.String("role", string(role)),
			slog.String("cause", string(out.Cause)),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)
		return finish()
	}
	c.breaker.success(role)

	payload, err := decodePayload(role, resp.Content)
	if err != nil {
		out.Cause, out.Err = domain.CauseValidation, err
		span.SetStatus(codes.Error, "undecodable reply")
		c.logger.WarnContext(ctx, "agent reply not decodable",
			slog.String("role", string(role)),
			slog.String("error", err.Error()),
		)
		return finish()
	}

	out.Payload, out.Status, out.Cause = payload, domain.StatusSuccess, domain.CauseNone
	span.SetAttributes(
		attribute.Int("agent.attempts", attempts),
		attribute.Int("llm.output_tokens", resp.Usage.OutputTokens),
	)
	c.logger.DebugContext(ctx, "agent call completed",
		slog.String("role", string(role)),
		slog.Int("attempts", attempts),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
	)
	out = finish()
	if !cfg.NoCache {
		c.cache.add(key, out)
	}
	return out
}

// PurgeCache drops every cached result.
func (c *Client) PurgeCache() int {
	n := c.cache.len()
	c.cache.purge()
	return n
}

// BreakerOpen reports whether role is currently failing fast.
func (c *Client) BreakerOpen(role domain.AgentRole) bool {
	return c.breaker.open(role)
}

func checkInput(role domain.AgentRole, input domain.AgentInput) error {
	if !role.Valid() {
		return &domain.ValidationError{Role: role, TypeErrors: []string{fmt.Sprintf("unknown role %q", role)}}
	}
	if input == nil {
		return &domain.ValidationError{Role: role, MissingFields: []string{"input"}}
	}
	if input.Role() != role {
		return &domain.ValidationError{Role: role, TypeErrors: []string{
			fmt.Sprintf("input %T belongs to role %s", input, input.Role()),
		}}
	}
	return nil
}

// IsCircuitOpen reports whether err came from an open breaker.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}
