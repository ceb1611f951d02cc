package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/amibaren/essaygrader/internal/domain"
)

// RetryPolicy bounds the retries of transient failures.
type RetryPolicy struct {
	MaxAttempts     int           // Total attempts including the first. Default: 3
	InitialInterval time.Duration // Default: 500ms
	MaxInterval     time.Duration // Default: 8s
	Multiplier      float64       // Default: 2
	AttemptTimeout  time.Duration // Deadline of a single attempt. 0 = none.
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     8 * time.Second,
		Multiplier:      2,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	return p
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0.2
	return b
}

// Retry runs op until it succeeds, fails with a non-transient error, or the
// policy is exhausted. Each attempt runs under its own deadline when the
// policy sets one; an attempt that overruns it fails with domain.ErrTimeout.
// Cancellation of ctx stops retrying immediately. The attempt count is
// returned alongside the result.
func Retry[T any](ctx context.Context, p RetryPolicy, op func(ctx context.Context) (T, error), notify func(attempt int, err error, wait time.Duration)) (T, int, error) {
	p = p.withDefaults()
	attempts := 0

	operation := func() (T, error) {
		attempts++
		actx, cancel := ctx, context.CancelFunc(func() {})
		if p.AttemptTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		}
		v, err := op(actx)
		cancel()
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return v, backoff.Permanent(err)
		}
		if actx.Err() == context.DeadlineExceeded && !errors.Is(err, domain.ErrTimeout) {
			err = fmt.Errorf("%w after %s: %w", domain.ErrTimeout, p.AttemptTimeout, err)
		}
		if !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	v, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if notify != nil {
				notify(attempts, err, wait)
			}
		}),
	)
	return v, attempts, err
}

// IsTransient reports whether err is worth another attempt: timeouts,
// network failures, rate limiting and server errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, domain.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var transport *domain.TransportError
	if errors.As(err, &transport) {
		return transport.Temporary()
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// AsTransportError converts a provider failure into the domain taxonomy.
// Timeouts and cancellations are returned unchanged.
func AsTransportError(service string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var transport *domain.TransportError
	if errors.As(err, &transport) {
		return err
	}
	status := 0
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
	}
	return &domain.TransportError{Service: service, StatusCode: status, Err: err}
}
