package validate

import (
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/amibaren/essaygrader/internal/domain"
)

var testSchema = &domain.Schema{
	Name:  "narrative",
	Grade: domain.Grade3,
	Type:  domain.EssayNarrative,
	Dimensions: []domain.Dimension{
		{Name: "人物", ValueType: domain.ValueText},
		{Name: "地点", ValueType: domain.ValueText},
	},
}

func ok(p domain.Payload) domain.AgentOutput {
	return domain.AgentOutput{Role: p.Role(), Payload: p, Status: domain.StatusSuccess}
}

func TestValidate(t *testing.T) {
	ref := Reference{Schema: testSchema, TextLength: 8}
	goodItems := []domain.ExtractionItem{
		{Dimension: "人物", Start: 0, End: 2, Text: "小明", Confidence: 1},
		{Dimension: "地点", Start: 5, End: 7, Text: "公园"},
	}

	tests := []struct {
		name    string
		role    domain.AgentRole
		out     domain.AgentOutput
		missing []string
		typeErr string // substring of one type error
	}{
		{name: "valid schema", role: domain.RoleDesigner, out: ok(domain.SchemaPayload{Schema: *testSchema})},
		{
			name: "schema without dimensions", role: domain.RoleDesigner,
			out:     ok(domain.SchemaPayload{Schema: domain.Schema{Name: "x", Grade: domain.Grade1, Type: domain.EssayPractical}}),
			missing: []string{"dimensions"},
		},
		{
			name: "schema with duplicate dimension", role: domain.RoleDesigner,
			out: ok(domain.SchemaPayload{Schema: domain.Schema{Name: "x", Grade: domain.Grade1, Type: domain.EssayPractical,
				Dimensions: []domain.Dimension{{Name: "a", ValueType: "text"}, {Name: "a", ValueType: "text"}}}}),
			typeErr: "duplicate",
		},
		{
			name: "schema with bad value type", role: domain.RoleDesigner,
			out: ok(domain.SchemaPayload{Schema: domain.Schema{Name: "x", Grade: domain.Grade1, Type: domain.EssayPractical,
				Dimensions: []domain.Dimension{{Name: "a", ValueType: "date"}}}}),
			typeErr: "value_type",
		},
		{
			name: "schema with unknown grade", role: domain.RoleDesigner,
			out: ok(domain.SchemaPayload{Schema: domain.Schema{Name: "x", Grade: "grade_9", Type: domain.EssayPractical,
				Dimensions: []domain.Dimension{{Name: "a", ValueType: "text"}}}}),
			typeErr: "grade",
		},
		{name: "valid analysis", role: domain.RoleAnalyst, out: ok(domain.AnalysisPayload{Items: goodItems, Commentary: "好"})},
		{
			name: "analysis without commentary", role: domain.RoleAnalyst,
			out:     ok(domain.AnalysisPayload{Items: goodItems}),
			missing: []string{"commentary"},
		},
		{
			name: "analysis without items", role: domain.RoleAnalyst,
			out:     ok(domain.AnalysisPayload{Commentary: "好"}),
			missing: []string{"items"},
		},
		{
			name: "span past the end", role: domain.RoleAnalyst,
			out: ok(domain.AnalysisPayload{Commentary: "好", Items: []domain.ExtractionItem{
				{Dimension: "人物", Start: 6, End: 9, Text: "玩"},
			}}),
			typeErr: "outside text",
		},
		{
			name: "unordered items", role: domain.RoleAnalyst,
			out: ok(domain.AnalysisPayload{Commentary: "好", Items: []domain.ExtractionItem{goodItems[1], goodItems[0]}}),
			typeErr: "precedes",
		},
		{
			name: "dimension not in schema", role: domain.RoleAnalyst,
			out: ok(domain.AnalysisPayload{Commentary: "好", Items: []domain.ExtractionItem{
				{Dimension: "时间", Start: 2, End: 4, Text: "今天"},
			}}),
			typeErr: "not in schema",
		},
		{
			name: "confidence out of range", role: domain.RoleAnalyst,
			out: ok(domain.AnalysisPayload{Commentary: "好", Items: []domain.ExtractionItem{
				{Dimension: "人物", Start: 0, End: 2, Text: "小明", Confidence: 1.5},
			}}),
			typeErr: "confidence",
		},
		{
			name: "item without text", role: domain.RoleAnalyst,
			out: ok(domain.AnalysisPayload{Commentary: "好", Items: []domain.ExtractionItem{
				{Dimension: "人物", Start: 0, End: 2},
			}}),
			missing: []string{"items[0].text"},
		},
		{name: "valid praise", role: domain.RolePraiser, out: ok(domain.PraisePayload{Content: "写得真好"})},
		{name: "empty praise", role: domain.RolePraiser, out: ok(domain.PraisePayload{Content: "  "}), missing: []string{"content"}},
		{name: "valid guidance", role: domain.RoleGuide, out: ok(domain.GuidancePayload{Questions: []string{"还看到了什么？"}})},
		{name: "guidance without questions", role: domain.RoleGuide, out: ok(domain.GuidancePayload{Content: "多写写"}), missing: []string{"questions"}},
		{name: "valid summary", role: domain.RoleReporter, out: ok(domain.ReportDraftPayload{Summary: "总评"})},
		{name: "empty summary", role: domain.RoleReporter, out: ok(domain.ReportDraftPayload{}), missing: []string{"summary"}},
		{
			name: "failed output", role: domain.RolePraiser,
			out:     domain.AgentOutput{Role: domain.RolePraiser, Status: domain.StatusFailed, Cause: domain.CauseTimeout},
			missing: []string{"payload"},
		},
		{
			name: "payload of another role", role: domain.RoleGuide,
			out:     ok(domain.PraisePayload{Content: "好"}),
			typeErr: "belongs to praiser",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.role, tt.out, ref)
			if tt.missing == nil && tt.typeErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ve *domain.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if ve.Role != tt.role {
				t.Errorf("role = %s", ve.Role)
			}
			for _, f := range tt.missing {
				if !slices.Contains(ve.MissingFields, f) {
					t.Errorf("missing fields %v lack %q", ve.MissingFields, f)
				}
			}
			if tt.typeErr != "" && !slices.ContainsFunc(ve.TypeErrors, func(s string) bool { return strings.Contains(s, tt.typeErr) }) {
				t.Errorf("type errors %v lack %q", ve.TypeErrors, tt.typeErr)
			}
		})
	}
}

func TestSchema(t *testing.T) {
	if err := Schema(testSchema); err != nil {
		t.Errorf("valid schema: %v", err)
	}
	if err := Schema(nil); err == nil {
		t.Error("nil schema should fail")
	}
}
