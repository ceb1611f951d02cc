package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// FallbackProvider chains providers: a request goes to the next one in the
// list whenever the previous one fails, until one answers or ctx ends.
type FallbackProvider struct {
	chain  []Provider
	logger *slog.Logger
}

// NewFallbackProvider panics on an empty chain.
func NewFallbackProvider(chain []Provider, logger *slog.Logger) *FallbackProvider {
	if len(chain) == 0 {
		panic("llm: fallback chain is empty")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &FallbackProvider{chain: chain, logger: logger}
}

// SendMessage returns the first successful response. When every provider
// fails, the error joins all of them so errors.As still finds an APIError
// from any link.
func (f *FallbackProvider) SendMessage(ctx context.Context, req *Request) (*Response, error) {
	failures := make([]error, 0, len(f.chain))
	for i, p := range f.chain {
		resp, err := p.SendMessage(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.InfoContext(ctx, "served by fallback provider",
					slog.String("provider", p.Name()),
					slog.Int("position", i),
				)
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		failures = append(failures, fmt.Errorf("%s: %w", p.Name(), err))
		if i+1 < len(f.chain) {
			f.logger.WarnContext(ctx, "provider failed, falling back",
				slog.String("provider", p.Name()),
				slog.String("next", f.chain[i+1].Name()),
				slog.Any("error", err),
			)
		}
	}
	return nil, fmt.Errorf("all %d providers failed: %w", len(f.chain), errors.Join(failures...))
}

// Name is the primary provider's name with a "+fallback" suffix.
func (f *FallbackProvider) Name() string {
	return f.chain[0].Name() + "+fallback"
}
