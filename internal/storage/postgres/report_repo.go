package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/amibaren/essaygrader/internal/domain"
	"github.com/amibaren/essaygrader/internal/storage"
)

// ReportRepository implements storage.ReportRepository with GORM.
type ReportRepository struct {
	db *gorm.DB
}

// NewReportRepository creates a ReportRepository.
func NewReportRepository(db *gorm.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

func (r *ReportRepository) SaveReport(ctx context.Context, report *domain.GradingReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encoding report %s: %w", report.ID, err)
	}
	model := ReportModel{
		ID:        report.ID,
		EssayID:   report.EssayID,
		Grade:     string(report.Grade),
		EssayType: string(report.Type),
		SchemaKey: report.SchemaKey,
		Status:    string(report.Status),
		Body:      string(body),
		CreatedAt: report.CreatedAt,
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "body"}),
		}).
		Create(&model)
	if result.Error != nil {
		return fmt.Errorf("saving report %s: %w", report.ID, result.Error)
	}
	return nil
}

func (r *ReportRepository) GetReport(ctx context.Context, id uuid.UUID) (*domain.GradingReport, error) {
	var model ReportModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrReportNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting report %s: %w", id, err)
	}
	var report domain.GradingReport
	if err := json.Unmarshal([]byte(model.Body), &report); err != nil {
		return nil, fmt.Errorf("decoding report %s: %w", id, err)
	}
	return &report, nil
}

func (r *ReportRepository) ListReports(ctx context.Context, limit int) ([]domain.ReportSummary, error) {
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}
	var models []ReportModel
	err := r.db.WithContext(ctx).
		Select("id", "essay_id", "grade", "essay_type", "schema_key", "status", "created_at").
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}
	out := make([]domain.ReportSummary, len(models))
	for i, m := range models {
		out[i] = domain.ReportSummary{
			ID:        m.ID,
			EssayID:   m.EssayID,
			Grade:     domain.GradeLevel(m.Grade),
			Type:      domain.EssayType(m.EssayType),
			SchemaKey: m.SchemaKey,
			Status:    domain.Status(m.Status),
			CreatedAt: m.CreatedAt,
		}
	}
	return out, nil
}

func (r *ReportRepository) DeleteReportsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&ReportModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting reports before %s: %w", cutoff.Format(time.RFC3339), result.Error)
	}
	return result.RowsAffected, nil
}

var _ storage.ReportRepository = (*ReportRepository)(nil)
