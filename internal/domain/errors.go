package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrTimeout marks an external call that did not answer within its deadline.
var ErrTimeout = errors.New("timeout")

// ErrSchemaNotFound is returned by schema stores on a key miss.
var ErrSchemaNotFound = errors.New("schema not found")

// ErrReportNotFound is returned by report repositories on an id miss.
var ErrReportNotFound = errors.New("report not found")

// ConfigurationError is a missing or invalid setting. Fatal at startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// TransportError is a failed exchange with an external service.
// StatusCode is zero when no HTTP response was received.
type TransportError struct {
	Service    string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Service, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports whether the failure is worth retrying: connection
// failures, rate limiting and server errors.
func (e *TransportError) Temporary() bool {
	return e.StatusCode == 0 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= 500
}

// ValidationError is a structural mismatch between a stage output and the
// shape the next stage expects. An empty Role marks a rejected request.
type ValidationError struct {
	Role          AgentRole
	MissingFields []string
	TypeErrors    []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.MissingFields) > 0 {
		parts = append(parts, "missing "+strings.Join(e.MissingFields, ", "))
	}
	if len(e.TypeErrors) > 0 {
		parts = append(parts, strings.Join(e.TypeErrors, "; "))
	}
	subject := "request"
	if e.Role != "" {
		subject = string(e.Role) + " output"
	}
	return fmt.Sprintf("invalid %s: %s", subject, strings.Join(parts, "; "))
}

// ExtractionError is an upstream failure of the extraction service.
type ExtractionError struct {
	Cause error
}

func (e *ExtractionError) Error() string { return "extraction: " + e.Cause.Error() }

func (e *ExtractionError) Unwrap() error { return e.Cause }

// WorkflowError is the only error a grading run surfaces to callers.
type WorkflowError struct {
	Stage Stage
	Cause error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("workflow failed at %s: %v", e.Stage, e.Cause)
}

func (e *WorkflowError) Unwrap() error { return e.Cause }

// Kind classifies the root cause of e.
func (e *WorkflowError) Kind() Cause { return CauseOf(e.Cause) }

// CauseOf classifies an error chain. Timeouts win over the wrapper that
// carried them, so an extraction that timed out is reported as a timeout.
func CauseOf(err error) Cause {
	if err == nil {
		return CauseNone
	}
	var (
		transport *TransportError
		invalid   *ValidationError
		config    *ConfigurationError
		extract   *ExtractionError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return CauseCanceled
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CauseTimeout
	case errors.As(err, &transport):
		return CauseTransport
	case errors.As(err, &invalid):
		return CauseValidation
	case errors.As(err, &config):
		return CauseConfiguration
	case errors.As(err, &extract):
		return CauseExtraction
	}
	return CauseTransport
}
