package postgres

import (
	"time"

	"github.com/google/uuid"
)

// SchemaModel maps to the "grading_schemas" table.
type SchemaModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Grade       string    `gorm:"not null;uniqueIndex:idx_grading_schemas_key"`
	EssayType   string    `gorm:"not null;uniqueIndex:idx_grading_schemas_key"`
	Version     int       `gorm:"not null;uniqueIndex:idx_grading_schemas_key"`
	Name        string    `gorm:"not null"`
	Description string    `gorm:"type:text;not null;default:''"`
	Prompt      string    `gorm:"type:text;not null;default:''"`
	Dimensions  string    `gorm:"type:text;not null;default:'[]'"` // JSON-encoded []domain.Dimension.
	Examples    string    `gorm:"type:text;not null;default:'[]'"` // JSON-encoded []domain.Example.
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (SchemaModel) TableName() string { return "grading_schemas" }

// ReportModel maps to the "grading_reports" table. The full report is kept
// as a JSON document; the listing columns are denormalized next to it.
type ReportModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	EssayID   string    `gorm:"not null;index"`
	Grade     string    `gorm:"not null"`
	EssayType string    `gorm:"not null"`
	SchemaKey string    `gorm:"not null;default:''"`
	Status    string    `gorm:"not null;index"`
	Body      string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"index"`
}

func (ReportModel) TableName() string { return "grading_reports" }

// Models lists every table in migration order.
func Models() []any {
	return []any{&SchemaModel{}, &ReportModel{}}
}
