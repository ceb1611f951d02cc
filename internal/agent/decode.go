package agent

import (
	"encoding/json"
	"strings"

	"github.com/amibaren/essaygrader/internal/domain"
	"github.com/amibaren/essaygrader/internal/llm"
)

// decodePayload turns a model reply into the payload of role.
// Praiser, guide and reporter accept free text when no object is found.
func decodePayload(role domain.AgentRole, reply string) (domain.Payload, error) {
	raw, found := llm.JSONObject(reply)

	switch role {
	case domain.RoleDesigner:
		if !found {
			return nil, decodeError(role, "reply contains no JSON object")
		}
		var wire struct {
			Schema *domain.Schema `json:"schema"`
		}
		if err := json.Unmarshal([]byte(raw), &wire); err != nil {
			return nil, decodeError(role, err.Error())
		}
		if wire.Schema == nil {
			// Some models answer with the schema itself.
			var bare domain.Schema
			if err := json.Unmarshal([]byte(raw), &bare); err != nil {
				return nil, decodeError(role, err.Error())
			}
			wire.Schema = &bare
		}
		return domain.SchemaPayload{Schema: *wire.Schema}, nil

	case domain.RoleAnalyst:
		if !found {
			return nil, decodeError(role, "reply contains no JSON object")
		}
		var p domain.AnalysisPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, decodeError(role, err.Error())
		}
		return p, nil

	case domain.RolePraiser:
		var p domain.PraisePayload
		if found && json.Unmarshal([]byte(raw), &p) == nil && p.Content != "" {
			return p, nil
		}
		return domain.PraisePayload{Content: strings.TrimSpace(reply)}, nil

	case domain.RoleGuide:
		var p domain.GuidancePayload
		if found && json.Unmarshal([]byte(raw), &p) == nil && (len(p.Questions) > 0 || p.Content != "") {
			return p, nil
		}
		text := strings.TrimSpace(reply)
		return domain.GuidancePayload{Content: text, Questions: questionLines(text)}, nil

	case domain.RoleReporter:
		var p domain.ReportDraftPayload
		if found && json.Unmarshal([]byte(raw), &p) == nil && p.Summary != "" {
			return p, nil
		}
		return domain.ReportDraftPayload{Summary: strings.TrimSpace(reply)}, nil
	}
	return nil, decodeError(role, "unknown role")
}

func decodeError(role domain.AgentRole, detail string) error {
	return &domain.ValidationError{Role: role, TypeErrors: []string{"undecodable reply: " + detail}}
}

// questionLines picks the lines of free text that read as questions.
func questionLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*0123456789.、) "))
		if strings.HasSuffix(line, "？") || strings.HasSuffix(line, "?") {
			out = append(out, line)
		}
	}
	return out
}
