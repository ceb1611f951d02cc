// Package postgres implements PostgreSQL-backed storage using GORM.
// All GORM usage is confined to this package and to sqlite, which reuses
// the models and repositories defined here.
package postgres

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config is the connection string plus pool limits. Zero limits take
// the defaults applied in Open.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = 10 * time.Minute
	}
	return c
}

// DB is a migrated GORM handle on PostgreSQL.
type DB struct {
	gormDB *gorm.DB
}

// Open validates the DSN with pgx before dialing, sizes the pool and
// migrates the schema and report tables.
func Open(cfg Config, slogger *slog.Logger) (*DB, error) {
	if slogger == nil {
		slogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg = cfg.withDefaults()

	parsed, err := pgx.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      NewGormLogger(slogger),
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres connect %s/%s: %w", parsed.Host, parsed.Database, err)
	}
	pool, err := db.DB()
	if err != nil {
		return nil, err
	}
	pool.SetMaxOpenConns(cfg.MaxOpenConns)
	pool.SetMaxIdleConns(cfg.MaxIdleConns)
	pool.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	pool.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := AutoMigrate(db); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	slogger.Info("postgres store ready",
		slog.String("host", parsed.Host),
		slog.String("database", parsed.Database),
		slog.Int("max_open_conns", cfg.MaxOpenConns),
	)
	return &DB{gormDB: db}, nil
}

// GormDB exposes the handle to the repository constructors.
func (d *DB) GormDB() *gorm.DB { return d.gormDB }

func (d *DB) Ping(ctx context.Context) error { return Ping(ctx, d.gormDB) }

func (d *DB) Close() error {
	pool, err := d.gormDB.DB()
	if err != nil {
		return err
	}
	return pool.Close()
}

// Ping reports whether db answers. The sqlite store uses it too.
func Ping(ctx context.Context, db *gorm.DB) error {
	pool, err := db.DB()
	if err != nil {
		return err
	}
	return pool.PingContext(ctx)
}

// AutoMigrate creates or alters the schema and report tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

// NewGormLogger sends GORM's warnings and queries slower than 200ms to slog.
func NewGormLogger(slogger *slog.Logger) logger.Interface {
	return logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

type slogAdapter struct{ logger *slog.Logger }

func (a slogAdapter) Printf(format string, args ...any) {
	a.logger.Warn(fmt.Sprintf(format, args...), slog.String("component", "gorm"))
}
