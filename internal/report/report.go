// Package report assembles the grading report from validated stage outputs.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/amibaren/essaygrader/internal/domain"
	"github.com/amibaren/essaygrader/internal/extraction"
)

// Input carries everything the synthesizer needs. A nil Praise, Guidance or
// Draft means that branch degraded; the matching Reason explains why.
type Input struct {
	Request    domain.GradingRequest
	Schema     *domain.Schema
	Extraction []domain.ExtractionItem
	Stats      domain.Statistics
	Analysis   *domain.AnalysisPayload
	Praise     *domain.PraisePayload
	Guidance   *domain.GuidancePayload
	Draft      *domain.ReportDraftPayload
	Status     domain.Status

	PraiseReason   string
	GuidanceReason string
	DraftReason    string

	Now func() time.Time // Default: time.Now
}

// Synthesize builds the report. It never fails: a missing section becomes
// the unavailable marker and degrades the status to partial, and a partial
// status passed in is kept.
func Synthesize(in Input) *domain.GradingReport {
	now := time.Now
	if in.Now != nil {
		now = in.Now
	}
	status := in.Status
	if status == "" {
		status = domain.StatusSuccess
	}

	items := domain.CloneItems(in.Extraction)
	r := &domain.GradingReport{
		ID:         uuid.New(),
		EssayID:    in.Request.ID,
		Grade:      in.Request.Grade,
		Type:       in.Request.Type,
		Schema:     in.Schema.Clone(),
		Extraction: items,
		Categories: extraction.Categorize(in.Schema, items),
		Statistics: in.Stats,
		CreatedAt:  now().UTC(),
	}
	if in.Schema != nil {
		r.SchemaKey = in.Schema.Key().String()
	}
	if in.Analysis != nil {
		r.Commentary = in.Analysis.Commentary
	}

	if in.Praise != nil {
		r.Praise = domain.Section{Available: true, Content: in.Praise.Content, Items: in.Praise.Highlights}
	} else {
		r.Praise = domain.UnavailableSection(reason(in.PraiseReason))
		status = degrade(status)
	}
	if in.Guidance != nil {
		r.Guidance = domain.Section{Available: true, Content: in.Guidance.Content, Items: in.Guidance.Questions}
	} else {
		r.Guidance = domain.UnavailableSection(reason(in.GuidanceReason))
		status = degrade(status)
	}
	if in.Draft != nil {
		r.Summary = domain.Section{Available: true, Content: in.Draft.Summary, Items: in.Draft.NextSteps}
	} else {
		r.Summary = domain.UnavailableSection(reason(in.DraftReason))
		status = degrade(status)
	}
	r.Status = status
	return r
}

func degrade(s domain.Status) domain.Status {
	if s == domain.StatusSuccess {
		return domain.StatusPartial
	}
	return s
}

func reason(s string) string {
	if s == "" {
		return "not generated"
	}
	return s
}

var categoryTitles = map[string]string{
	domain.CategoryBasicNorms:       "基础规范",
	domain.CategoryContentStructure: "内容结构",
	domain.CategoryLanguage:         "语言亮点",
	domain.CategoryImprovement:      "改进建议",
}

// Markdown renders r as a plain document for terminals and files.
func Markdown(r *domain.GradingReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# 作文批改报告\n\n")
	fmt.Fprintf(&b, "- 年级：%s\n- 文体：%s\n- 状态：%s\n", r.Grade, r.Type, r.Status)
	if r.SchemaKey != "" {
		fmt.Fprintf(&b, "- 模板：%s\n", r.SchemaKey)
	}
	fmt.Fprintf(&b, "- 字数：%d，段落：%d，句子：%d，复杂度：%s\n\n",
		r.Statistics.Characters, r.Statistics.Paragraphs, r.Statistics.Sentences, r.Statistics.Complexity)

	if r.Commentary != "" {
		fmt.Fprintf(&b, "## 分析\n\n%s\n\n", r.Commentary)
	}
	for _, c := range domain.Categories {
		items := r.Categories[c]
		if len(items) == 0 {
			continue
		}
		fmt.Fprintf(&b, "### %s\n\n", categoryTitles[c])
		for _, it := range items {
			fmt.Fprintf(&b, "- **%s**：%s（%d-%d）\n", it.Dimension, it.Text, it.Start, it.End)
		}
		b.WriteByte('\n')
	}

	writeSection(&b, "亮点表扬", r.Praise)
	writeSection(&b, "启发引导", r.Guidance)
	writeSection(&b, "总结", r.Summary)
	return b.String()
}

func writeSection(b *strings.Builder, title string, s domain.Section) {
	fmt.Fprintf(b, "## %s\n\n", title)
	if !s.Available {
		fmt.Fprintf(b, "%s %s\n\n", domain.UnavailableMarker, s.Reason)
		return
	}
	if s.Content != "" {
		fmt.Fprintf(b, "%s\n\n", s.Content)
	}
	for _, it := range s.Items {
		fmt.Fprintf(b, "- %s\n", it)
	}
	if len(s.Items) > 0 {
		b.WriteByte('\n')
	}
}
