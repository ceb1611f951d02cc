// Package schema resolves grading schemas: builtin templates, an in-process
// store, and a repository-backed store with an LRU read cache.
package schema

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/amibaren/essaygrader/internal/domain"
	"github.com/amibaren/essaygrader/internal/storage"
)

// Store is the schema store shared across grading runs. Put is a
// last-write-wins upsert keyed by (grade, type, version). Returned schemas
// are copies.
type Store interface {
	Get(ctx context.Context, key domain.SchemaKey) (*domain.Schema, error)
	Put(ctx context.Context, s *domain.Schema) error
	List(ctx context.Context) ([]domain.Schema, error)
}

const defaultCacheSize = 128

// MemoryStore keeps schemas in process. Used by the memory storage driver
// and by tests.
type MemoryStore struct {
	mu      sync.RWMutex
	schemas map[domain.SchemaKey]*domain.Schema
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{schemas: make(map[domain.SchemaKey]*domain.Schema)}
}

func (m *MemoryStore) Get(_ context.Context, key domain.SchemaKey) (*domain.Schema, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schemas[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, domain.ErrSchemaNotFound)
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Put(_ context.Context, s *domain.Schema) error {
	if err := checkKey(s); err != nil {
		return err
	}
	c := s.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.schemas[c.Key()] = c
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]domain.Schema, error) {
	m.mu.RLock()
	out := make([]domain.Schema, 0, len(m.schemas))
	for _, s := range m.schemas {
		out = append(out, *s.Clone())
	}
	m.mu.RUnlock()
	sortSchemas(out)
	return out, nil
}

// RepositoryStore persists schemas through a storage.SchemaRepository and
// serves repeated reads from an LRU cache.
type RepositoryStore struct {
	repo   storage.SchemaRepository
	cache  *lru.Cache[domain.SchemaKey, *domain.Schema]
	logger *slog.Logger

	// Writers hold mu exclusively across the upsert and the cache update;
	// cache fills on a miss hold it shared so a fill never overwrites a
	// newer write.
	mu sync.RWMutex
}

// NewRepositoryStore wraps repo. cacheSize <= 0 selects the default.
func NewRepositoryStore(repo storage.SchemaRepository, cacheSize int, logger *slog.Logger) (*RepositoryStore, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cache, err := lru.New[domain.SchemaKey, *domain.Schema](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating schema cache: %w", err)
	}
	return &RepositoryStore{repo: repo, cache: cache, logger: logger}, nil
}

func (r *RepositoryStore) Get(ctx context.Context, key domain.SchemaKey) (*domain.Schema, error) {
	if s, ok := r.cache.Get(key); ok {
		return s.Clone(), nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	s, err := r.repo.GetSchema(ctx, key)
	if err != nil {
		return nil, err
	}
	r.cache.Add(key, s)
	return s.Clone(), nil
}

func (r *RepositoryStore) Put(ctx context.Context, s *domain.Schema) error {
	if err := checkKey(s); err != nil {
		return err
	}
	c := s.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.repo.UpsertSchema(ctx, c); err != nil {
		return err
	}
	r.cache.Add(c.Key(), c)
	r.logger.DebugContext(ctx, "schema stored", slog.String("key", c.Key().String()))
	return nil
}

func (r *RepositoryStore) List(ctx context.Context) ([]domain.Schema, error) {
	out, err := r.repo.ListSchemas(ctx)
	if err != nil {
		return nil, err
	}
	sortSchemas(out)
	return out, nil
}

// Purge drops every cached entry.
func (r *RepositoryStore) Purge() {
	r.cache.Purge()
}

func checkKey(s *domain.Schema) error {
	if s == nil {
		return fmt.Errorf("schema is nil")
	}
	if !s.Grade.Valid() || !s.Type.Valid() || s.Version < 1 {
		return fmt.Errorf("schema key %s is not storable", s.Key())
	}
	return nil
}

func sortSchemas(s []domain.Schema) {
	slices.SortFunc(s, func(a, b domain.Schema) int {
		if c := strings.Compare(string(a.Grade), string(b.Grade)); c != 0 {
			return c
		}
		if c := strings.Compare(string(a.Type), string(b.Type)); c != 0 {
			return c
		}
		return a.Version - b.Version
	})
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RepositoryStore)(nil)
)
