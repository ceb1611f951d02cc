package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/amibaren/essaygrader/internal/llm"
)

var _ llm.Provider = (*InstrumentedProvider)(nil)

// InstrumentedProvider wraps an llm.Provider with metrics, tracing and
// anomaly detection. service distinguishes the agents' model from the
// extraction model in every label.
type InstrumentedProvider struct {
	inner   llm.Provider
	service string
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedProvider wraps inner. Any of metrics, ts and anomaly may be nil.
func NewInstrumentedProvider(inner llm.Provider, service string, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedProvider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedProvider{
		inner:   inner,
		service: service,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	provider := p.inner.Name()

	var span trace.Span
	if p.tracer != nil {
		ctx, span = p.tracer.Start(ctx, "llm.send_message", trace.WithAttributes(
			attribute.String("llm.service", p.service),
			attribute.String("llm.provider", provider),
			attribute.Bool("llm.json_mode", req.JSONMode),
		))
		defer span.End()
	}

	start := time.Now()
	resp, err := p.inner.SendMessage(ctx, req)
	elapsed := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if span != nil {
		span.SetAttributes(
			attribute.String("llm.model", resp.Model),
			attribute.Int("llm.tokens.input", resp.Usage.InputTokens),
			attribute.Int("llm.tokens.output", resp.Usage.OutputTokens),
		)
	}

	if p.metrics != nil {
		p.metrics.LLMRequestsTotal.WithLabelValues(p.service, provider, status).Inc()
		p.metrics.LLMRequestDuration.WithLabelValues(p.service, provider).Observe(elapsed.Seconds())
		if resp != nil {
			p.metrics.LLMTokensUsed.WithLabelValues(p.service, provider, "input").Add(float64(resp.Usage.InputTokens))
			p.metrics.LLMTokensUsed.WithLabelValues(p.service, provider, "output").Add(float64(resp.Usage.OutputTokens))
		}
	}

	if p.anomaly != nil {
		op := "llm_" + p.service
		if err != nil {
			p.anomaly.RecordError(op)
		} else {
			p.anomaly.RecordSuccess(op)
			p.anomaly.RecordLatency(op, elapsed)
		}
	}
	return resp, err
}
