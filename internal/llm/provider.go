// Package llm defines the provider-agnostic interface for chat-completion backends.
package llm

import (
	"context"
	"fmt"
	"net/http"
)

// Provider is the abstraction over any LLM backend (OpenAI-compatible, Anthropic, Gemini).
type Provider interface {
	// SendMessage sends a conversation to the LLM and returns its response.
	SendMessage(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier (e.g. "openai").
	Name() string
}

// Request represents a full conversation sent to the LLM.
type Request struct {
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	Temperature  *float64 // nil = provider default
	JSONMode     bool     // Ask for a JSON object where the API supports it.
	Model        string   // Overrides the client's model when set.
}

// ModelOr returns the per-request model, or def when none was set.
func (r *Request) ModelOr(def string) string {
	if r.Model != "" {
		return r.Model
	}
	return def
}

// Temp is a helper for building Request.Temperature.
func Temp(t float64) *float64 { return &t }

// Message is a single turn in the conversation.
type Message struct {
	Role    Role
	Content string
}

// Role identifies who sent a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Response is what the LLM returns.
type Response struct {
	Content    string
	Model      string
	Usage      Usage
	StopReason string // "end_turn", "max_tokens"
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// APIError is a non-200 answer from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= 500
}
