package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/amibaren/essaygrader/internal/agent"
	"github.com/amibaren/essaygrader/internal/domain"
	"github.com/amibaren/essaygrader/internal/extraction"
	"github.com/amibaren/essaygrader/internal/report"
	"github.com/amibaren/essaygrader/internal/schema"
	"github.com/amibaren/essaygrader/internal/validate"
)

// resolveSchema loads the requested schema, or has the designer generate
// one and registers it before analysis starts. A designed schema never
// replaces different content stored under the same key.
func (e *Engine) resolveSchema(ctx context.Context, r *run) error {
	if r.req.SchemaID != "" {
		s, err := e.lookupSchema(ctx, r.req.SchemaID)
		if err == nil {
			r.schema = s
			return nil
		}
		e.logger.InfoContext(ctx, "schema not resolved, designing a new one",
			slog.String("schema_id", r.req.SchemaID),
			slog.String("reason", err.Error()),
		)
	}

	tmpl := schema.TemplateFor(r.req.Type)
	tmpl.Grade, tmpl.Type = r.req.Grade, r.req.Type
	in := domain.DesignerInput{Grade: r.req.Grade, Type: r.req.Type, Focus: r.req.Focus, Template: tmpl}

	designed, err := invokeValidated(ctx, e, domain.RoleDesigner, designerPrompt(r.req), in, tmpl.Examples,
		validate.Reference{TextLength: r.runes},
		func(p domain.SchemaPayload) domain.SchemaPayload {
			// The key must match the request whatever the model answered.
			p.Schema.Grade, p.Schema.Type = r.req.Grade, r.req.Type
			if p.Schema.Version < 1 {
				p.Schema.Version = 1
			}
			if len(p.Schema.Examples) == 0 {
				p.Schema.Examples = tmpl.Examples
			}
			return p
		})
	if err != nil {
		return &domain.WorkflowError{Stage: domain.StageSchemaResolution, Cause: err}
	}

	s, err := schema.Register(ctx, e.schemas, &designed.Schema)
	if err != nil {
		return &domain.WorkflowError{Stage: domain.StageSchemaResolution, Cause: fmt.Errorf("storing schema %s: %w", designed.Schema.Key(), err)}
	}
	e.logger.InfoContext(ctx, "schema designed",
		slog.String("schema", s.Key().String()),
		slog.Int("dimensions", len(s.Dimensions)),
	)
	r.schema = s
	return nil
}

func (e *Engine) lookupSchema(ctx context.Context, id string) (*domain.Schema, error) {
	key, err := domain.ParseSchemaKey(id)
	if err != nil {
		return nil, err
	}
	return e.schemas.Get(ctx, key)
}

// analyze runs the extraction service, then the analyst over its findings.
func (e *Engine) analyze(ctx context.Context, r *run) error {
	items, err := e.extractor.Extract(ctx, r.req.Text, r.schema, r.schema.Examples, e.config.Extraction)
	if err != nil {
		var xe *domain.ExtractionError
		if !errors.As(err, &xe) {
			err = &domain.ExtractionError{Cause: err}
		}
		return &domain.WorkflowError{Stage: domain.StageAnalysis, Cause: err}
	}
	r.items = extraction.Merge(items)

	in := domain.AnalystInput{
		Text:       r.req.Text,
		Schema:     r.schema.Clone(),
		Items:      domain.CloneItems(r.items),
		Statistics: r.stats,
		Focus:      r.req.Focus,
	}
	textRunes := []rune(r.req.Text)
	analysis, err := invokeValidated(ctx, e, domain.RoleAnalyst, analystPrompt(r.schema, r.req.Focus), in, r.schema.Examples,
		validate.Reference{Schema: r.schema, TextLength: r.runes},
		func(p domain.AnalysisPayload) domain.AnalysisPayload {
			items := extraction.AlignItems(p.Items, textRunes)
			if len(items) == 0 {
				items = domain.CloneItems(r.items)
			}
			p.Items = extraction.Merge(items)
			for i := range p.Items {
				p.Items[i].Category = extraction.CategoryOf(r.schema, p.Items[i].Dimension)
			}
			return p
		})
	if err != nil {
		return &domain.WorkflowError{Stage: domain.StageAnalysis, Cause: err}
	}
	r.analysis = analysis
	return nil
}

// evaluate runs praiser and guide concurrently on the same analysis. A
// failing branch never cancels its sibling; only both failing fails the run.
func (e *Engine) evaluate(ctx context.Context, r *run) error {
	ref := validate.Reference{Schema: r.schema, TextLength: r.runes}

	var wg sync.WaitGroup
	wg.Go(func() {
		in := domain.PraiserInput{Text: r.req.Text, Grade: r.req.Grade, Type: r.req.Type, Analysis: cloneAnalysis(r.analysis)}
		p, err := invokeValidated[domain.PraisePayload](ctx, e, domain.RolePraiser, praiserPrompt(r.req.Grade), in, nil, ref, nil)
		r.praise = branchOf(p, err)
	})
	wg.Go(func() {
		in := domain.GuideInput{Text: r.req.Text, Grade: r.req.Grade, Type: r.req.Type, Analysis: cloneAnalysis(r.analysis)}
		g, err := invokeValidated[domain.GuidancePayload](ctx, e, domain.RoleGuide, guidePrompt(r.req.Grade), in, nil, ref, nil)
		r.guidance = branchOf(g, err)
	})
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return &domain.WorkflowError{Stage: domain.StageEvaluation, Cause: err}
	}
	if r.praise.err != nil && r.guidance.err != nil {
		return &domain.WorkflowError{Stage: domain.StageEvaluation, Cause: errors.Join(r.praise.err, r.guidance.err)}
	}
	for name, err := range map[string]error{"praise": r.praise.err, "guidance": r.guidance.err} {
		if err != nil {
			e.metrics.degraded(name)
			e.logger.WarnContext(ctx, "evaluation branch degraded",
				slog.String("section", name),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func branchOf[P any](p P, err error) branch[P] {
	if err != nil {
		return branch[P]{err: err}
	}
	return branch[P]{value: &p}
}

func cloneAnalysis(a domain.AnalysisPayload) domain.AnalysisPayload {
	a.Items = domain.CloneItems(a.Items)
	a.Strengths = append([]string(nil), a.Strengths...)
	a.Weaknesses = append([]string(nil), a.Weaknesses...)
	return a
}

// synthesize drafts the summary and assembles the report. A reporter
// failure degrades the summary instead of failing the run.
func (e *Engine) synthesize(ctx context.Context, r *run) error {
	in := domain.ReporterInput{
		Grade:      r.req.Grade,
		Type:       r.req.Type,
		SchemaName: r.schema.Name,
		Items:      domain.CloneItems(r.analysis.Items),
		Statistics: r.stats,
		Commentary: r.analysis.Commentary,
		Praise:     domain.UnavailableMarker,
		Guidance:   []string{domain.UnavailableMarker},
	}
	if r.praise.value != nil {
		in.Praise = r.praise.value.Content
	}
	if r.guidance.value != nil {
		in.Guidance = append([]string(nil), r.guidance.value.Questions...)
	}

	draft, err := invokeValidated[domain.ReportDraftPayload](ctx, e, domain.RoleReporter, reporterPrompt, in, nil,
		validate.Reference{Schema: r.schema, TextLength: r.runes}, nil)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &domain.WorkflowError{Stage: domain.StageSynthesis, Cause: ctxErr}
	}
	summary := branchOf(draft, err)
	if err != nil {
		e.metrics.degraded("summary")
		e.logger.WarnContext(ctx, "reporter degraded", slog.String("error", err.Error()))
	}

	status := domain.StatusSuccess
	if r.praise.err != nil || r.guidance.err != nil || summary.err != nil {
		status = domain.StatusPartial
	}
	analysis := cloneAnalysis(r.analysis)
	r.report = report.Synthesize(report.Input{
		Request:        r.req,
		Schema:         r.schema,
		Extraction:     analysis.Items,
		Stats:          r.stats,
		Analysis:       &analysis,
		Praise:         r.praise.value,
		Guidance:       r.guidance.value,
		Draft:          summary.value,
		Status:         status,
		PraiseReason:   r.praise.reason(),
		GuidanceReason: r.guidance.reason(),
		DraftReason:    summary.reason(),
		Now:            e.now,
	})

	if e.reports != nil {
		if err := e.reports.SaveReport(ctx, r.report); err != nil {
			e.logger.ErrorContext(ctx, "saving report",
				slog.String("report_id", r.report.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// invokeValidated calls role and validates the typed payload. An invalid
// or undecodable output gets exactly one corrective re-invocation listing
// what was wrong. normalize, when set, runs on every payload before
// validation. Transport failures are returned as they are: the agent client
// has already spent the retry budget on them.
func invokeValidated[P domain.Payload](ctx context.Context, e *Engine, role domain.AgentRole, prompt string, input domain.AgentInput, examples []domain.Example, ref validate.Reference, normalize func(P) P) (P, error) {
	var zero P
	cfg := agent.CallConfig{Retry: e.config.Retry}

	attempt := func(prompt string) (P, error) {
		out := e.agents.Invoke(ctx, role, prompt, input, examples, cfg)
		e.metrics.invocation(out)
		if !out.OK() {
			return zero, out.Failure()
		}
		p, ok := out.Payload.(P)
		if !ok {
			return zero, &domain.ValidationError{Role: role, TypeErrors: []string{fmt.Sprintf("unexpected payload %T", out.Payload)}}
		}
		if normalize != nil {
			p = normalize(p)
			out.Payload = p
		}
		if err := validate.Validate(role, out, ref); err != nil {
			return zero, err
		}
		return p, nil
	}

	p, err := attempt(prompt)
	var verr *domain.ValidationError
	if err == nil || !errors.As(err, &verr) || ctx.Err() != nil {
		return p, err
	}

	e.logger.InfoContext(ctx, "agent output rejected, requesting a repair",
		slog.String("role", string(role)),
		slog.String("error", verr.Error()),
	)
	cfg.NoCache = true
	p, err = attempt(repairPrompt(prompt, verr))
	e.metrics.repair(role, err == nil)
	return p, err
}
