// Package storage defines the persistence interfaces shared by the SQLite
// and PostgreSQL backends. Domain types stay ORM-free; gorm models live in
// the postgres package and are reused by sqlite.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/amibaren/essaygrader/internal/domain"
)

// Store is the unified persistence handle.
type Store interface {
	Schemas() SchemaRepository
	Reports() ReportRepository

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// SchemaRepository persists grading schemas keyed by (grade, type, version).
type SchemaRepository interface {
	// GetSchema returns domain.ErrSchemaNotFound on a miss.
	GetSchema(ctx context.Context, key domain.SchemaKey) (*domain.Schema, error)
	// LatestSchema returns the highest version stored for grade and type.
	LatestSchema(ctx context.Context, grade domain.GradeLevel, essayType domain.EssayType) (*domain.Schema, error)
	// UpsertSchema inserts or replaces the schema stored under s.Key().
	UpsertSchema(ctx context.Context, s *domain.Schema) error
	ListSchemas(ctx context.Context) ([]domain.Schema, error)
}

// ReportRepository persists completed grading reports.
type ReportRepository interface {
	SaveReport(ctx context.Context, r *domain.GradingReport) error
	// GetReport returns domain.ErrReportNotFound on a miss.
	GetReport(ctx context.Context, id uuid.UUID) (*domain.GradingReport, error)
	// ListReports returns the newest reports first. limit <= 0 means 50.
	ListReports(ctx context.Context, limit int) ([]domain.ReportSummary, error)
	// DeleteReportsBefore removes reports created before cutoff.
	DeleteReportsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

// DriverMemory keeps schemas in process and does not persist reports.
const DriverMemory = "memory"

// DefaultListLimit bounds ListReports when the caller passes no limit.
const DefaultListLimit = 50
