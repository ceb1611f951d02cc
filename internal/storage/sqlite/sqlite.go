// Package sqlite is the single-file storage driver. It runs on the pure-Go
// modernc driver through glebarez/sqlite and reuses the GORM models and
// repositories of the postgres package.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/amibaren/essaygrader/internal/storage"
	pgstore "github.com/amibaren/essaygrader/internal/storage/postgres"
)

type Config struct {
	Path        string
	JournalMode string // "wal" when empty
}

// dsn enables foreign keys and waits up to 5s on a locked database.
func (c Config) dsn() string {
	mode := c.JournalMode
	if mode == "" {
		mode = "wal"
	}
	return fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", c.Path, mode)
}

// Store is storage.Store over one SQLite file.
type Store struct {
	db      *gorm.DB
	schemas *pgstore.SchemaRepository
	reports *pgstore.ReportRepository
}

// Open creates the parent directory if needed. Call Migrate before use.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite: path is required")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(cfg.dsn()), &gorm.Config{
		Logger:  pgstore.NewGormLogger(slogger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite open %s: %w", cfg.Path, err)
	}

	slogger.Info("sqlite store ready", slog.String("path", cfg.Path))
	return &Store{
		db:      db,
		schemas: pgstore.NewSchemaRepository(db),
		reports: pgstore.NewReportRepository(db),
	}, nil
}

func (s *Store) Migrate(context.Context) error   { return pgstore.AutoMigrate(s.db) }
func (s *Store) Ping(ctx context.Context) error { return pgstore.Ping(ctx, s.db) }
func (s *Store) Driver() string                 { return storage.DriverSQLite }

func (s *Store) Close() error {
	pool, err := s.db.DB()
	if err != nil {
		return err
	}
	return pool.Close()
}

func (s *Store) Schemas() storage.SchemaRepository { return s.schemas }
func (s *Store) Reports() storage.ReportRepository { return s.reports }

var _ storage.Store = (*Store)(nil)
