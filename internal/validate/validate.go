// Package validate checks that a stage's output has the shape the next stage
// relies on. Checks are pure and never call out.
package validate

import (
	"fmt"
	"strings"

	"github.com/amibaren/essaygrader/internal/domain"
)

// Reference is the context an output is checked against.
type Reference struct {
	Schema     *domain.Schema // Required for analyst outputs.
	TextLength int            // Essay length in runes.
}

// Validate returns nil when out is usable for role, otherwise a
// *domain.ValidationError listing every problem found.
func Validate(role domain.AgentRole, out domain.AgentOutput, ref Reference) error {
	v := &domain.ValidationError{Role: role}
	switch {
	case !role.Valid():
		v.TypeErrors = append(v.TypeErrors, fmt.Sprintf("unknown role %q", role))
	case out.Status == domain.StatusFailed || out.Payload == nil:
		v.MissingFields = append(v.MissingFields, "payload")
	case out.Payload.Role() != role:
		v.TypeErrors = append(v.TypeErrors, fmt.Sprintf("payload %T belongs to %s", out.Payload, out.Payload.Role()))
	default:
		check(v, out.Payload, ref)
	}
	if len(v.MissingFields) == 0 && len(v.TypeErrors) == 0 {
		return nil
	}
	return v
}

func check(v *domain.ValidationError, payload domain.Payload, ref Reference) {
	switch p := payload.(type) {
	case domain.SchemaPayload:
		checkSchema(v, &p.Schema)
	case domain.AnalysisPayload:
		checkAnalysis(v, p, ref)
	case domain.PraisePayload:
		if strings.TrimSpace(p.Content) == "" {
			v.MissingFields = append(v.MissingFields, "content")
		}
	case domain.GuidancePayload:
		n := 0
		for _, q := range p.Questions {
			if strings.TrimSpace(q) != "" {
				n++
			}
		}
		if n == 0 {
			v.MissingFields = append(v.MissingFields, "questions")
		}
	case domain.ReportDraftPayload:
		if strings.TrimSpace(p.Summary) == "" {
			v.MissingFields = append(v.MissingFields, "summary")
		}
	default:
		v.TypeErrors = append(v.TypeErrors, fmt.Sprintf("unexpected payload %T", payload))
	}
}

// Schema checks a designed or stored schema on its own.
func Schema(s *domain.Schema) error {
	v := &domain.ValidationError{Role: domain.RoleDesigner}
	if s == nil {
		v.MissingFields = append(v.MissingFields, "schema")
		return v
	}
	checkSchema(v, s)
	if len(v.MissingFields) == 0 && len(v.TypeErrors) == 0 {
		return nil
	}
	return v
}

func checkSchema(v *domain.ValidationError, s *domain.Schema) {
	if strings.TrimSpace(s.Name) == "" {
		v.MissingFields = append(v.MissingFields, "name")
	}
	if !s.Grade.Valid() {
		v.TypeErrors = append(v.TypeErrors, fmt.Sprintf("grade: unknown value %q", s.Grade))
	}
	if !s.Type.Valid() {
		v.TypeErrors = append(v.TypeErrors, fmt.Sprintf("type: unknown value %q", s.Type))
	}
	if s.Version < 0 {
		v.TypeErrors = append(v.TypeErrors, fmt.Sprintf("version: %d is negative", s.Version))
	}
	if len(s.Dimensions) == 0 {
		v.MissingFields = append(v.MissingFields, "dimensions")
		return
	}
	seen := make(map[string]bool, len(s.Dimensions))
	for i, d := range s.Dimensions {
		name := strings.TrimSpace(d.Name)
		switch {
		case name == "":
			v.MissingFields = append(v.MissingFields, fmt.Sprintf("dimensions[%d].name", i))
		case seen[name]:
			v.TypeErrors = append(v.TypeErrors, fmt.Sprintf("dimensions[%d].name: duplicate %q", i, name))
		}
		seen[name] = true
		switch d.ValueType {
		case domain.ValueText, domain.ValueNumber, domain.ValueBoolean, domain.ValueList:
		default:
			v.TypeErrors = append(v.TypeErrors, fmt.Sprintf("dimensions[%d].value_type: unknown value %q", i, d.ValueType))
		}
	}
}

func checkAnalysis(v *domain.ValidationError, p domain.AnalysisPayload, ref Reference) {
	if strings.TrimSpace(p.Commentary) == "" {
		v.MissingFields = append(v.MissingFields, "commentary")
	}
	if len(p.Items) == 0 {
		v.MissingFields = append(v.MissingFields, "items")
		return
	}
	if ref.Schema == nil {
		v.MissingFields = append(v.MissingFields, "schema")
	}
	prev := 0
	for i, it := range p.Items {
		if it.Dimension == "" {
			v.MissingFields = append(v.MissingFields, fmt.Sprintf("items[%d].dimension", i))
		} else if ref.Schema != nil {
			if _, ok := ref.Schema.Dimension(it.Dimension); !ok {
				v.TypeErrors = append(v.TypeErrors, fmt.Sprintf("items[%d].dimension: %q is not in schema %s", i, it.Dimension, ref.Schema.Name))
			}
		}
		if it.Text == "" {
			v.MissingFields = append(v.MissingFields, fmt.Sprintf("items[%d].text", i))
		}
		if it.Start < 0 || it.Start > it.End || it.End > ref.TextLength {
			v.TypeErrors = append(v.TypeErrors, fmt.Sprintf("items[%d]: span [%d,%d) outside text of %d runes", i, it.Start, it.End, ref.TextLength))
		}
		if it.Start < prev {
			v.TypeErrors = append(v.TypeErrors, fmt.Sprintf("items[%d]: start %d precedes previous start %d", i, it.Start, prev))
		}
		prev = it.Start
		if it.Confidence < 0 || it.Confidence > 1 {
			v.TypeErrors = append(v.TypeErrors, fmt.Sprintf("items[%d].confidence: %v outside [0,1]", i, it.Confidence))
		}
	}
}
