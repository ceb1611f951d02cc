// Package extraction locates schema dimensions in an essay through an
// LLM-backed extraction service and normalizes the located spans.
package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/amibaren/essaygrader/internal/domain"
	"github.com/amibaren/essaygrader/internal/llm"
)

var errNoDimensions = errors.New("schema has no dimensions")

// Config tunes one extraction. Zero fields take the extractor's defaults.
type Config struct {
	ChunkChars  int           // Longest chunk in runes. Default: 2000
	Overlap     int           // Runes shared by neighbouring chunks. Default: 200
	Passes      int           // Extraction passes per chunk. Default: 2
	Workers     int           // Chunks processed concurrently. Default: 4
	Timeout     time.Duration // Per service call. Default: 120s
	Temperature float64
	MaxTokens   int // Default: 4096
	Model       string
	Retry       llm.RetryPolicy
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		ChunkChars: 2000,
		Overlap:    200,
		Passes:     2,
		Workers:    4,
		Timeout:    120 * time.Second,
		MaxTokens:  4096,
		Retry:      llm.DefaultRetryPolicy(),
	}
}

func (c Config) over(base Config) Config {
	if c.ChunkChars > 0 {
		base.ChunkChars = c.ChunkChars
	}
	if c.Overlap > 0 {
		base.Overlap = c.Overlap
	}
	if c.Passes > 0 {
		base.Passes = c.Passes
	}
	if c.Workers > 0 {
		base.Workers = c.Workers
	}
	if c.Timeout > 0 {
		base.Timeout = c.Timeout
	}
	if c.Temperature > 0 {
		base.Temperature = c.Temperature
	}
	if c.MaxTokens > 0 {
		base.MaxTokens = c.MaxTokens
	}
	if c.Model != "" {
		base.Model = c.Model
	}
	if c.Retry.MaxAttempts > 0 {
		base.Retry = c.Retry
	}
	return base
}

// Extractor is the Extraction Adapter. It is safe for concurrent use.
type Extractor struct {
	provider llm.Provider
	defaults Config
	limiter  *rate.Limiter
	tracer   trace.Tracer
	logger   *slog.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithDefaults replaces the default Config.
func WithDefaults(cfg Config) Option {
	return func(e *Extractor) { e.defaults = cfg.over(DefaultConfig()) }
}

// WithRateLimit paces calls to the extraction service.
func WithRateLimit(rps float64, burst int) Option {
	return func(e *Extractor) {
		if rps <= 0 {
			e.limiter = nil
			return
		}
		e.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
}

// WithTracer records a span per extraction.
func WithTracer(t trace.Tracer) Option {
	return func(e *Extractor) {
		if t != nil {
			e.tracer = t
		}
	}
}

// NewExtractor creates an Extractor backed by provider.
func NewExtractor(provider llm.Provider, logger *slog.Logger, opts ...Option) (*Extractor, error) {
	if provider == nil {
		return nil, &domain.ConfigurationError{Field: "extraction", Reason: "provider is required"}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := &Extractor{
		provider: provider,
		defaults: DefaultConfig(),
		tracer:   noop.NewTracerProvider().Tracer("extraction"),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Extract finds the schema's dimensions in text. examples override the
// schema's own few-shot examples when non-empty. The returned items carry
// rune offsets into text, are ordered by start and contain no overlapping
// duplicates of one dimension. Any failure is an *domain.ExtractionError.
func (e *Extractor) Extract(ctx context.Context, text string, schema *domain.Schema, examples []domain.Example, cfg Config) ([]domain.ExtractionItem, error) {
	if schema == nil || len(schema.Dimensions) == 0 {
		return nil, &domain.ExtractionError{Cause: errNoDimensions}
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	cfg = cfg.over(e.defaults)
	if len(examples) == 0 {
		examples = schema.Examples
	}

	chunks := splitChunks(text, cfg.ChunkChars, cfg.Overlap)
	ctx, span := e.tracer.Start(ctx, "extraction.extract", trace.WithAttributes(
		attribute.Int("extraction.chunks", len(chunks)),
		attribute.Int("extraction.passes", cfg.Passes),
	))
	defer span.End()

	var (
		mu    sync.Mutex
		items []domain.ExtractionItem
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for _, c := range chunks {
		for pass := 1; pass <= cfg.Passes; pass++ {
			g.Go(func() error {
				found, err := e.extractChunk(gctx, c, pass, schema, examples, cfg)
				if err != nil {
					return err
				}
				mu.Lock()
				items = append(items, found...)
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, &domain.ExtractionError{Cause: err}
	}

	merged := Merge(items)
	for i := range merged {
		merged[i].Category = CategoryOf(schema, merged[i].Dimension)
	}
	e.logger.DebugContext(ctx, "extraction completed",
		slog.Int("chunks", len(chunks)),
		slog.Int("raw_items", len(items)),
		slog.Int("items", len(merged)),
	)
	return merged, nil
}

// extractChunk runs one pass over one chunk and returns items re-offset to
// the full text.
func (e *Extractor) extractChunk(ctx context.Context, c chunk, pass int, schema *domain.Schema, examples []domain.Example, cfg Config) ([]domain.ExtractionItem, error) {
	prompt, err := renderPrompt(c.text(), schema, examples)
	if err != nil {
		return nil, err
	}
	req := &llm.Request{
		SystemPrompt: extractionSystemPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		MaxTokens:    cfg.MaxTokens,
		Temperature:  llm.Temp(cfg.Temperature),
		JSONMode:     true,
		Model:        cfg.Model,
	}

	policy := cfg.Retry
	policy.AttemptTimeout = cfg.Timeout
	resp, _, err := llm.Retry(ctx, policy, func(actx context.Context) (*llm.Response, error) {
		if e.limiter != nil {
			if err := e.limiter.Wait(actx); err != nil {
				return nil, err
			}
		}
		return e.provider.SendMessage(actx, req)
	}, func(attempt int, err error, wait time.Duration) {
		e.logger.WarnContext(ctx, "extraction call failed, retrying",
			slog.Int("chunk", c.index),
			slog.Int("pass", pass),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	})
	if err != nil {
		return nil, llm.AsTransportError("extraction", err)
	}

	raws, err := parseExtractions(resp.Content)
	if err != nil {
		return nil, err
	}

	al := &aligner{runes: c.runes}
	items := make([]domain.ExtractionItem, 0, len(raws))
	for _, r := range raws {
		if _, known := schema.Dimension(r.Class); !known {
			e.logger.DebugContext(ctx, "dropping extraction outside the schema",
				slog.Int("chunk", c.index),
				slog.String("class", r.Class),
				slog.String("text", r.Text),
			)
			continue
		}
		start, end, ok := al.locate(r.Text)
		if !ok {
			e.logger.DebugContext(ctx, "dropping unaligned extraction",
				slog.Int("chunk", c.index),
				slog.String("class", r.Class),
				slog.String("text", r.Text),
			)
			continue
		}
		items = append(items, domain.ExtractionItem{
			Dimension:  r.Class,
			Start:      c.start + start,
			End:        c.start + end,
			Text:       string(c.runes[start:end]),
			Attributes: r.Attributes,
			Confidence: 1,
		})
	}
	return items, nil
}

// wireExtraction is one entry of a langextract-style reply. Attribute values
// are coerced to strings since models mix scalars and lists.
type wireExtraction struct {
	Class      string         `json:"extraction_class"`
	Text       string         `json:"extraction_text"`
	Attributes map[string]any `json:"attributes"`
}

type rawExtraction struct {
	Class      string
	Text       string
	Attributes map[string]string
}

func parseExtractions(reply string) ([]rawExtraction, error) {
	obj, ok := llm.JSONObject(reply)
	if !ok {
		return nil, errors.New("reply contains no JSON object")
	}
	var wire struct {
		Extractions []wireExtraction `json:"extractions"`
	}
	if err := json.Unmarshal([]byte(obj), &wire); err != nil {
		return nil, fmt.Errorf("decoding reply: %w", err)
	}
	out := make([]rawExtraction, 0, len(wire.Extractions))
	for _, w := range wire.Extractions {
		if w.Class == "" || w.Text == "" {
			continue
		}
		r := rawExtraction{Class: w.Class, Text: w.Text}
		if len(w.Attributes) > 0 {
			r.Attributes = make(map[string]string, len(w.Attributes))
			for k, v := range w.Attributes {
				if s, ok := v.(string); ok {
					r.Attributes[k] = s
					continue
				}
				b, _ := json.Marshal(v)
				r.Attributes[k] = string(b)
			}
		}
		out = append(out, r)
	}
	return out, nil
}

const extractionSystemPrompt = `你是一个结构化信息抽取服务。请严格按照给定的抽取类别，从文本中找出对应的原文片段。
要求：
1. extraction_text 必须是原文中连续出现的片段，不得改写
2. 按照片段在原文中出现的先后顺序输出
3. 只输出 JSON：{"extractions":[{"extraction_class":"...","extraction_text":"...","attributes":{}}]}`

func renderPrompt(text string, schema *domain.Schema, examples []domain.Example) (string, error) {
	var b strings.Builder
	if schema.Prompt != "" {
		b.WriteString(schema.Prompt)
		b.WriteString("\n\n")
	}
	b.WriteString("## 抽取类别\n")
	for _, d := range schema.Dimensions {
		fmt.Fprintf(&b, "- %s", d.Name)
		if d.Description != "" {
			fmt.Fprintf(&b, "：%s", d.Description)
		}
		b.WriteByte('\n')
	}
	if len(examples) > 0 {
		b.WriteString("\n## 示例\n")
		for _, ex := range examples {
			out, err := json.Marshal(map[string]any{"extractions": ex.Extractions})
			if err != nil {
				return "", fmt.Errorf("encoding example: %w", err)
			}
			fmt.Fprintf(&b, "文本：%s\n输出：%s\n", ex.Text, out)
		}
	}
	b.WriteString("\n## 文本\n")
	b.WriteString(text)
	return b.String(), nil
}
