// Package protocol defines the WebSocket messages exchanged between grading
// clients and the gateway. Every message is JSON wrapped in an Envelope.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/amibaren/essaygrader/internal/domain"
)

// Subprotocol is negotiated on the WebSocket handshake.
const Subprotocol = "essaygrader-v1"

// MessageType identifies the kind of message.
type MessageType string

const (
	// Client → gateway
	MsgGradeSubmit MessageType = "grade.submit"
	MsgRunCancel   MessageType = "run.cancel"

	// Gateway → client
	MsgRunAccepted  MessageType = "run.accepted"
	MsgRunProgress  MessageType = "run.progress"
	MsgRunCompleted MessageType = "run.completed"
	MsgRunFailed    MessageType = "run.failed"
	MsgPing         MessageType = "gateway.ping"

	// Bidirectional
	MsgError MessageType = "error"
)

// Envelope is the top-level wrapper of every message.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`                   // Message id; replies echo it in ReplyTo.
	ReplyTo   string          `json:"reply_to,omitempty"`   // Id of the client message this answers.
	RunID     string          `json:"run_id,omitempty"`     // Set on every run.* message.
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh id and the current time.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// GradeSubmit asks the gateway to grade an essay.
type GradeSubmit struct {
	EssayID  string `json:"essay_id,omitempty"`
	Text     string `json:"text"`
	Grade    string `json:"grade"`
	Type     string `json:"type"`
	SchemaID string `json:"schema_id,omitempty"`
	Focus    string `json:"focus,omitempty"`
}

// Request converts the payload into a grading request. Grade and type are
// passed through unchecked; the workflow validates them.
func (g GradeSubmit) Request() domain.GradingRequest {
	return domain.GradingRequest{
		ID:       g.EssayID,
		Text:     g.Text,
		Grade:    domain.GradeLevel(g.Grade),
		Type:     domain.EssayType(g.Type),
		SchemaID: g.SchemaID,
		Focus:    g.Focus,
	}
}

// SubmitFor builds the payload for req.
func SubmitFor(req domain.GradingRequest) GradeSubmit {
	return GradeSubmit{
		EssayID:  req.ID,
		Text:     req.Text,
		Grade:    string(req.Grade),
		Type:     string(req.Type),
		SchemaID: req.SchemaID,
		Focus:    req.Focus,
	}
}

// RunAccepted confirms a submission.
type RunAccepted struct {
	RunID      string `json:"run_id"`
	EssayID    string `json:"essay_id"`
	Complexity string `json:"complexity"`
}

// RunProgress reports a stage transition.
type RunProgress struct {
	Stage    domain.Stage `json:"stage"`
	Progress int          `json:"progress"` // Percent.
}

// RunCompleted carries the finished report.
type RunCompleted struct {
	Report *domain.GradingReport `json:"report"`
}

// RunFailed reports a workflow failure.
type RunFailed struct {
	Stage domain.Stage `json:"stage"`
	Cause domain.Cause `json:"cause"`
	Error string       `json:"error"`
}

// ErrorPayload reports a protocol-level error, such as a rejected submission.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	CodeBadMessage   = "bad_message"
	CodeInvalid      = "invalid_request"
	CodeBusy         = "too_many_runs"
	CodeUnknownRun   = "unknown_run"
	CodeUnauthorized = "unauthorized"
)
