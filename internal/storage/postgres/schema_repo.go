package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/amibaren/essaygrader/internal/domain"
	"github.com/amibaren/essaygrader/internal/storage"
)

// SchemaRepository implements storage.SchemaRepository with GORM.
type SchemaRepository struct {
	db *gorm.DB
}

// NewSchemaRepository creates a SchemaRepository.
func NewSchemaRepository(db *gorm.DB) *SchemaRepository {
	return &SchemaRepository{db: db}
}

func (r *SchemaRepository) GetSchema(ctx context.Context, key domain.SchemaKey) (*domain.Schema, error) {
	var model SchemaModel
	err := r.db.WithContext(ctx).
		Where("grade = ? AND essay_type = ? AND version = ?", string(key.Grade), string(key.Type), key.Version).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%s: %w", key, domain.ErrSchemaNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting schema %s: %w", key, err)
	}
	return toSchemaDomain(&model)
}

func (r *SchemaRepository) LatestSchema(ctx context.Context, grade domain.GradeLevel, essayType domain.EssayType) (*domain.Schema, error) {
	var model SchemaModel
	err := r.db.WithContext(ctx).
		Where("grade = ? AND essay_type = ?", string(grade), string(essayType)).
		Order("version DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%s/%s: %w", grade, essayType, domain.ErrSchemaNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting latest schema %s/%s: %w", grade, essayType, err)
	}
	return toSchemaDomain(&model)
}

func (r *SchemaRepository) UpsertSchema(ctx context.Context, s *domain.Schema) error {
	model, err := toSchemaModel(s)
	if err != nil {
		return err
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "grade"},
				{Name: "essay_type"},
				{Name: "version"},
			},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "description", "prompt",
				"dimensions", "examples", "updated_at",
			}),
		}).
		Create(&model)
	if result.Error != nil {
		return fmt.Errorf("upserting schema %s: %w", s.Key(), result.Error)
	}
	return nil
}

func (r *SchemaRepository) ListSchemas(ctx context.Context) ([]domain.Schema, error) {
	var models []SchemaModel
	err := r.db.WithContext(ctx).
		Order("grade ASC, essay_type ASC, version ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing schemas: %w", err)
	}
	out := make([]domain.Schema, 0, len(models))
	for i := range models {
		s, err := toSchemaDomain(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}

func toSchemaModel(s *domain.Schema) (SchemaModel, error) {
	dims, err := json.Marshal(s.Dimensions)
	if err != nil {
		return SchemaModel{}, fmt.Errorf("encoding dimensions of %s: %w", s.Key(), err)
	}
	examples := []byte("[]")
	if len(s.Examples) > 0 {
		if examples, err = json.Marshal(s.Examples); err != nil {
			return SchemaModel{}, fmt.Errorf("encoding examples of %s: %w", s.Key(), err)
		}
	}
	return SchemaModel{
		ID:          uuid.New(),
		Grade:       string(s.Grade),
		EssayType:   string(s.Type),
		Version:     s.Version,
		Name:        s.Name,
		Description: s.Description,
		Prompt:      s.Prompt,
		Dimensions:  string(dims),
		Examples:    string(examples),
		CreatedAt:   s.CreatedAt,
	}, nil
}

func toSchemaDomain(m *SchemaModel) (*domain.Schema, error) {
	s := &domain.Schema{
		Name:        m.Name,
		Description: m.Description,
		Grade:       domain.GradeLevel(m.Grade),
		Type:        domain.EssayType(m.EssayType),
		Version:     m.Version,
		Prompt:      m.Prompt,
		CreatedAt:   m.CreatedAt,
	}
	if err := json.Unmarshal([]byte(m.Dimensions), &s.Dimensions); err != nil {
		return nil, fmt.Errorf("decoding dimensions of %s: %w", s.Key(), err)
	}
	if m.Examples != "" && m.Examples != "[]" {
		if err := json.Unmarshal([]byte(m.Examples), &s.Examples); err != nil {
			return nil, fmt.Errorf("decoding examples of %s: %w", s.Key(), err)
		}
	}
	return s, nil
}

var _ storage.SchemaRepository = (*SchemaRepository)(nil)
