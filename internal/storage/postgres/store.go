package postgres

import (
	"context"

	"github.com/amibaren/essaygrader/internal/storage"
)

// Store is storage.Store over a PostgreSQL DB. The repositories are
// stateless, so they are built once up front.
type Store struct {
	db      *DB
	schemas *SchemaRepository
	reports *ReportRepository
}

func NewStore(db *DB) *Store {
	return &Store{
		db:      db,
		schemas: NewSchemaRepository(db.GormDB()),
		reports: NewReportRepository(db.GormDB()),
	}
}

// Migrate does nothing; Open has already migrated.
func (s *Store) Migrate(context.Context) error { return nil }

func (s *Store) Ping(ctx context.Context) error { return s.db.Ping(ctx) }
func (s *Store) Close() error                  { return s.db.Close() }
func (s *Store) Driver() string                { return storage.DriverPostgres }

func (s *Store) Schemas() storage.SchemaRepository { return s.schemas }
func (s *Store) Reports() storage.ReportRepository { return s.reports }

var _ storage.Store = (*Store)(nil)
