package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/amibaren/essaygrader/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, nil)
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return s
}

func testSchema(version int, name string) *domain.Schema {
	return &domain.Schema{
		Name:    name,
		Grade:   domain.Grade3,
		Type:    domain.EssayNarrative,
		Version: version,
		Prompt:  "找出作文中的优美句子",
		Dimensions: []domain.Dimension{
			{Name: "优美句子", ValueType: domain.ValueText, Category: domain.CategoryLanguage},
		},
		Examples: []domain.Example{{
			Text:        "春天来了，花儿开了。",
			Extractions: []domain.ExampleExtraction{{Class: "优美句子", Text: "花儿开了"}},
		}},
		CreatedAt: time.Now().UTC(),
	}
}

func TestSchemaRepository_UpsertIsLastWriteWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	repo := s.Schemas()

	if err := repo.UpsertSchema(ctx, testSchema(1, "first")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := repo.UpsertSchema(ctx, testSchema(1, "second")); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if err := repo.UpsertSchema(ctx, testSchema(2, "newer")); err != nil {
		t.Fatalf("upsert v2: %v", err)
	}

	got, err := repo.GetSchema(ctx, domain.SchemaKey{Grade: domain.Grade3, Type: domain.EssayNarrative, Version: 1})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "second" {
		t.Errorf("name = %q, want second", got.Name)
	}
	if len(got.Examples) != 1 || got.Examples[0].Extractions[0].Text != "花儿开了" {
		t.Errorf("examples not round-tripped: %+v", got.Examples)
	}

	latest, err := repo.LatestSchema(ctx, domain.Grade3, domain.EssayNarrative)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Version != 2 {
		t.Errorf("latest version = %d, want 2", latest.Version)
	}

	all, err := repo.ListSchemas(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("listed %d schemas, want 2", len(all))
	}
}

func TestSchemaRepository_Miss(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Schemas().GetSchema(context.Background(), domain.SchemaKey{Grade: domain.Grade1, Type: domain.EssayPractical, Version: 1})
	if !errors.Is(err, domain.ErrSchemaNotFound) {
		t.Fatalf("err = %v, want ErrSchemaNotFound", err)
	}
}

func TestReportRepository(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	repo := s.Reports()

	old := &domain.GradingReport{
		ID:        uuid.New(),
		EssayID:   "essay-old",
		Grade:     domain.Grade3,
		Type:      domain.EssayNarrative,
		Status:    domain.StatusSuccess,
		CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
	}
	fresh := &domain.GradingReport{
		ID:        uuid.New(),
		EssayID:   "essay-new",
		Grade:     domain.Grade3,
		Type:      domain.EssayNarrative,
		SchemaKey: "grade_3/narrative/v1",
		Praise:    domain.Section{Available: true, Content: "写得真好"},
		Guidance:  domain.UnavailableSection("timeout"),
		Status:    domain.StatusPartial,
		CreatedAt: time.Now().UTC(),
	}
	for _, r := range []*domain.GradingReport{old, fresh} {
		if err := repo.SaveReport(ctx, r); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	got, err := repo.GetReport(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Praise.Content != "写得真好" || got.Guidance.Content != domain.UnavailableMarker {
		t.Errorf("sections not round-tripped: %+v %+v", got.Praise, got.Guidance)
	}

	list, err := repo.ListReports(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != fresh.ID {
		t.Fatalf("list = %+v, want newest first", list)
	}

	n, err := repo.DeleteReportsBefore(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
	if _, err := repo.GetReport(ctx, old.ID); !errors.Is(err, domain.ErrReportNotFound) {
		t.Errorf("err = %v, want ErrReportNotFound", err)
	}
}
