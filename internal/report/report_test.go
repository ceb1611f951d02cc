package report

import (
	"strings"
	"testing"
	"time"

	"github.com/amibaren/essaygrader/internal/domain"
)

var schema = &domain.Schema{
	Name: "narrative", Grade: domain.Grade3, Type: domain.EssayNarrative, Version: 1,
	Dimensions: []domain.Dimension{{Name: "人物", Category: domain.CategoryContentStructure}},
}

func baseInput() Input {
	return Input{
		Request:    domain.GradingRequest{ID: "essay-1", Text: "小明今天去公园玩", Grade: domain.Grade3, Type: domain.EssayNarrative},
		Schema:     schema,
		Extraction: []domain.ExtractionItem{{Dimension: "人物", Start: 0, End: 2, Text: "小明"}},
		Stats:      domain.Statistics{Characters: 8, Paragraphs: 1, Sentences: 1, Complexity: "low"},
		Analysis:   &domain.AnalysisPayload{Commentary: "叙事完整"},
		Praise:     &domain.PraisePayload{Content: "开头点明了人物", Highlights: []string{"小明"}},
		Guidance:   &domain.GuidancePayload{Questions: []string{"公园里有什么？"}},
		Draft:      &domain.ReportDraftPayload{Summary: "继续加油"},
		Now:        func() time.Time { return time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC) },
	}
}

func TestSynthesize_Complete(t *testing.T) {
	r := Synthesize(baseInput())
	if r.Status != domain.StatusSuccess {
		t.Errorf("status = %s", r.Status)
	}
	if r.SchemaKey != "grade_3/narrative/v1" || r.EssayID != "essay-1" {
		t.Errorf("key=%s essay=%s", r.SchemaKey, r.EssayID)
	}
	if !r.Praise.Available || r.Praise.Content != "开头点明了人物" {
		t.Errorf("praise = %+v", r.Praise)
	}
	if len(r.Guidance.Items) != 1 || r.Summary.Content != "继续加油" {
		t.Errorf("guidance=%+v summary=%+v", r.Guidance, r.Summary)
	}
	if got := r.Categories[domain.CategoryContentStructure]; len(got) != 1 || got[0].Category != domain.CategoryContentStructure {
		t.Errorf("categories = %+v", r.Categories)
	}
	if r.Commentary != "叙事完整" || !r.CreatedAt.Equal(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("commentary=%q created=%v", r.Commentary, r.CreatedAt)
	}
}

func TestSynthesize_DoesNotAliasInput(t *testing.T) {
	in := baseInput()
	r := Synthesize(in)
	r.Extraction[0].Text = "changed"
	r.Schema.Name = "changed"
	if in.Extraction[0].Text != "小明" || schema.Name != "narrative" {
		t.Error("report shares memory with its input")
	}
}

func TestSynthesize_Degraded(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Input)
		check  func(*testing.T, *domain.GradingReport)
	}{
		{
			name:   "missing guidance",
			mutate: func(in *Input) { in.Guidance, in.GuidanceReason = nil, "timeout" },
			check: func(t *testing.T, r *domain.GradingReport) {
				if r.Guidance.Available || r.Guidance.Content != domain.UnavailableMarker || r.Guidance.Reason != "timeout" {
					t.Errorf("guidance = %+v", r.Guidance)
				}
				if !r.Praise.Available {
					t.Error("praise should be intact")
				}
			},
		},
		{
			name:   "missing draft",
			mutate: func(in *Input) { in.Draft = nil },
			check: func(t *testing.T, r *domain.GradingReport) {
				if r.Summary.Content != domain.UnavailableMarker || r.Summary.Reason == "" {
					t.Errorf("summary = %+v", r.Summary)
				}
			},
		},
		{
			name:   "partial passed in",
			mutate: func(in *Input) { in.Status = domain.StatusPartial },
			check:  func(*testing.T, *domain.GradingReport) {},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := baseInput()
			tt.mutate(&in)
			r := Synthesize(in)
			if r.Status != domain.StatusPartial {
				t.Errorf("status = %s, want partial", r.Status)
			}
			tt.check(t, r)
		})
	}
}

func TestMarkdown(t *testing.T) {
	in := baseInput()
	in.Praise = nil
	md := Markdown(Synthesize(in))
	for _, want := range []string{"# 作文批改报告", "grade_3/narrative/v1", "内容结构", "**人物**：小明", domain.UnavailableMarker, "公园里有什么？", "继续加油"} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown lacks %q:\n%s", want, md)
		}
	}
}
