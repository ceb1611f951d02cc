package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AgentRole is the closed set of agents the workflow can invoke.
type AgentRole string

const (
	RoleDesigner AgentRole = "designer"
	RoleAnalyst  AgentRole = "analyst"
	RolePraiser  AgentRole = "praiser"
	RoleGuide    AgentRole = "guide"
	RoleReporter AgentRole = "reporter"
)

// AgentRoles lists every role in pipeline order.
var AgentRoles = []AgentRole{RoleDesigner, RoleAnalyst, RolePraiser, RoleGuide, RoleReporter}

// Valid reports whether r is a known role.
func (r AgentRole) Valid() bool {
	switch r {
	case RoleDesigner, RoleAnalyst, RolePraiser, RoleGuide, RoleReporter:
		return true
	}
	return false
}

// ParseAgentRole parses a role tag.
func ParseAgentRole(s string) (AgentRole, error) {
	r := AgentRole(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown agent role %q", s)
	}
	return r, nil
}

// AgentInput is the typed input of one role. The set of implementations is
// closed to this package.
type AgentInput interface {
	Role() AgentRole
	agentInput()
}

// Payload is the typed output of one role. The set of implementations is
// closed to this package.
type Payload interface {
	Role() AgentRole
	payload()
}

// DesignerInput asks for a new extraction schema.
type DesignerInput struct {
	Grade    GradeLevel `json:"grade"`
	Type     EssayType  `json:"type"`
	Focus    string     `json:"focus,omitempty"`
	Template *Schema    `json:"template,omitempty"` // Builtin template used as a starting point.
}

// AnalystInput carries the essay and the raw extraction to interpret.
type AnalystInput struct {
	Text       string           `json:"text"`
	Schema     *Schema          `json:"schema"`
	Items      []ExtractionItem `json:"items"`
	Statistics Statistics       `json:"statistics"`
	Focus      string           `json:"focus,omitempty"`
}

// PraiserInput is the validated analysis handed to the praise generator.
type PraiserInput struct {
	Text     string          `json:"text"`
	Grade    GradeLevel      `json:"grade"`
	Type     EssayType       `json:"type"`
	Analysis AnalysisPayload `json:"analysis"`
}

// GuideInput is the validated analysis handed to the guidance generator.
type GuideInput struct {
	Text     string          `json:"text"`
	Grade    GradeLevel      `json:"grade"`
	Type     EssayType       `json:"type"`
	Analysis AnalysisPayload `json:"analysis"`
}

// ReporterInput is everything the reporter needs to draft a summary.
// Praise and Guidance hold UnavailableMarker when a branch degraded.
type ReporterInput struct {
	Grade      GradeLevel       `json:"grade"`
	Type       EssayType        `json:"type"`
	SchemaName string           `json:"schema_name"`
	Items      []ExtractionItem `json:"items"`
	Statistics Statistics       `json:"statistics"`
	Commentary string           `json:"commentary"`
	Praise     string           `json:"praise"`
	Guidance   []string         `json:"guidance"`
}

func (DesignerInput) Role() AgentRole { return RoleDesigner }
func (AnalystInput) Role() AgentRole  { return RoleAnalyst }
func (PraiserInput) Role() AgentRole  { return RolePraiser }
func (GuideInput) Role() AgentRole    { return RoleGuide }
func (ReporterInput) Role() AgentRole { return RoleReporter }

// DecodeInput unmarshals data into the input type of role.
func DecodeInput(role AgentRole, data []byte) (AgentInput, error) {
	var (
		in  AgentInput
		err error
	)
	switch role {
	case RoleDesigner:
		var v DesignerInput
		err = json.Unmarshal(data, &v)
		in = v
	case RoleAnalyst:
		var v AnalystInput
		err = json.Unmarshal(data, &v)
		in = v
	case RolePraiser:
		var v PraiserInput
		err = json.Unmarshal(data, &v)
		in = v
	case RoleGuide:
		var v GuideInput
		err = json.Unmarshal(data, &v)
		in = v
	case RoleReporter:
		var v ReporterInput
		err = json.Unmarshal(data, &v)
		in = v
	default:
		return nil, fmt.Errorf("unknown agent role %q", role)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s input: %w", role, err)
	}
	return in, nil
}

func (DesignerInput) agentInput() {}
func (AnalystInput) agentInput()  {}
func (PraiserInput) agentInput()  {}
func (GuideInput) agentInput()    {}
func (ReporterInput) agentInput() {}

// SchemaPayload is the designer's output.
type SchemaPayload struct {
	Schema Schema `json:"schema"`
}

// AnalysisPayload is the analyst's output.
type AnalysisPayload struct {
	Items      []ExtractionItem `json:"items"`
	Commentary string           `json:"commentary"`
	Strengths  []string         `json:"strengths,omitempty"`
	Weaknesses []string         `json:"weaknesses,omitempty"`
}

// PraisePayload is the praiser's output.
type PraisePayload struct {
	Content    string   `json:"content"`
	Highlights []string `json:"highlights,omitempty"`
}

// GuidancePayload is the guide's output.
type GuidancePayload struct {
	Content   string   `json:"content,omitempty"`
	Questions []string `json:"questions"`
}

// ReportDraftPayload is the reporter's output.
type ReportDraftPayload struct {
	Summary   string   `json:"summary"`
	NextSteps []string `json:"next_steps,omitempty"`
}

func (SchemaPayload) Role() AgentRole      { return RoleDesigner }
func (AnalysisPayload) Role() AgentRole    { return RoleAnalyst }
func (PraisePayload) Role() AgentRole      { return RolePraiser }
func (GuidancePayload) Role() AgentRole    { return RoleGuide }
func (ReportDraftPayload) Role() AgentRole { return RoleReporter }

func (SchemaPayload) payload()      {}
func (AnalysisPayload) payload()    {}
func (PraisePayload) payload()      {}
func (GuidancePayload) payload()    {}
func (ReportDraftPayload) payload() {}

// Cause classifies why an invocation did not succeed.
type Cause string

const (
	CauseNone          Cause = ""
	CauseTimeout       Cause = "timeout"
	CauseTransport     Cause = "transport"
	CauseValidation    Cause = "validation"
	CauseExtraction    Cause = "extraction"
	CauseConfiguration Cause = "configuration"
	CauseCanceled      Cause = "canceled"
)

// Transient reports whether a retry may succeed.
func (c Cause) Transient() bool {
	return c == CauseTimeout || c == CauseTransport
}

// AgentOutput is the result of one Agent Client invocation.
type AgentOutput struct {
	Role     AgentRole     `json:"role"`
	Payload  Payload       `json:"payload,omitempty"`
	Status   Status        `json:"status"`
	Cause    Cause         `json:"cause,omitempty"`
	Err      error         `json:"-"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Cached   bool          `json:"cached,omitempty"`
}

// OK reports whether the output carries a usable payload.
func (o AgentOutput) OK() bool {
	return o.Status != StatusFailed && o.Payload != nil
}

// Failure returns the failure as an error, or nil for successful outputs.
func (o AgentOutput) Failure() error {
	if o.OK() {
		return nil
	}
	if o.Err != nil {
		return o.Err
	}
	return fmt.Errorf("%s agent failed (%s)", o.Role, o.Cause)
}
