package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/amibaren/essaygrader/internal/agent"
	"github.com/amibaren/essaygrader/internal/config"
	"github.com/amibaren/essaygrader/internal/domain"
	"github.com/amibaren/essaygrader/internal/extraction"
	"github.com/amibaren/essaygrader/internal/llm"
	"github.com/amibaren/essaygrader/internal/llm/anthropic"
	"github.com/amibaren/essaygrader/internal/llm/gemini"
	"github.com/amibaren/essaygrader/internal/llm/openai"
	"github.com/amibaren/essaygrader/internal/observability"
	"github.com/amibaren/essaygrader/internal/schema"
	"github.com/amibaren/essaygrader/internal/storage"
	pgstore "github.com/amibaren/essaygrader/internal/storage/postgres"
	sqlitestore "github.com/amibaren/essaygrader/internal/storage/sqlite"
	"github.com/amibaren/essaygrader/internal/workflow"
)

// schemaCacheSize bounds the read-through cache in front of the schema table.
const schemaCacheSize = 128

// SharedComponents holds the subsystems every command needs. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Obs    *observability.Observability
	Store  storage.Store // nil with the memory driver.

	Schemas   schema.Store
	Agents    *agent.Client
	Extractor *extraction.Extractor
	Engine    *workflow.Engine

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// Reports returns the report repository, or nil when reports are not persisted.
func (sc *SharedComponents) Reports() storage.ReportRepository {
	if sc.Store == nil {
		return nil
	}
	return sc.Store.Reports()
}

// newLogger builds the JSON logger on stderr. stdout stays free for
// command output and the MCP stdio transport.
func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, &domain.ConfigurationError{Field: "log-level", Reason: err.Error()}
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

// loadConfig resolves the config path from the flag, ESSAYGRADER_CONFIG or
// the default location, in that order. Without any file the configuration
// comes from the environment alone.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = goutils.Env("ESSAYGRADER_CONFIG", "")
	}
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath()); err == nil {
			path = config.DefaultConfigPath()
		}
	}
	return config.Load(path)
}

// setup loads config and builds the shared components for a command.
func setup() (*SharedComponents, error) {
	logger, err := newLogger(logLevel)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return initShared(cfg, logger)
}

// initShared performs the initialization common to every command.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (_ *SharedComponents, err error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}
	defer func() {
		if err != nil {
			sc.Cleanup()
		}
	}()

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
		slog.Bool("anomaly", obs.Anomaly != nil),
	)

	// Storage.
	store, err := initStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	if store != nil {
		sc.Store = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})
		if err := store.Migrate(context.Background()); err != nil {
			return nil, fmt.Errorf("migrating %s store: %w", store.Driver(), err)
		}
		schemas, err := schema.NewRepositoryStore(store.Schemas(), schemaCacheSize, logger)
		if err != nil {
			return nil, err
		}
		sc.Schemas = schemas
	} else {
		sc.Schemas = schema.NewMemoryStore()
	}
	logger.Debug("storage initialized", slog.String("driver", cfg.StorageDriverName()))

	// Agent client over the general LLM service.
	agentProvider, err := newLLMProvider(cfg.LLM.ProviderConfig, cfg.LLM.Fallback, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing llm service: %w", err)
	}
	agents, err := agent.NewClient(
		observability.NewInstrumentedProvider(agentProvider, "agents", obs.Metrics, obs.Tracer, obs.Anomaly),
		logger,
		agentOptions(cfg, obs)...,
	)
	if err != nil {
		return nil, err
	}
	sc.Agents = agents

	// Extractor over the independently configured extraction service.
	extractProvider, err := buildProvider(cfg.Extraction.ProviderConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing extraction service: %w", err)
	}
	extractor, err := extraction.NewExtractor(
		observability.NewInstrumentedProvider(extractProvider, "extraction", obs.Metrics, obs.Tracer, obs.Anomaly),
		logger,
		extraction.WithDefaults(extractionConfig(cfg)),
		extraction.WithRateLimit(cfg.Extraction.RequestsPerSecond, cfg.Extraction.Burst),
		extraction.WithTracer(obs.TracerOrNoop()),
	)
	if err != nil {
		return nil, err
	}
	sc.Extractor = extractor

	// Workflow engine.
	engine, err := workflow.NewEngine(sc.Schemas, agents, extractor, logger,
		workflow.WithConfig(workflowConfig(cfg)),
		workflow.WithReports(&reportSink{repo: sc.Reports(), metrics: obs.Metrics, anomaly: obs.Anomaly}),
		workflow.WithMetrics(workflow.NewWorkflowMetrics(obs.Registry())),
		workflow.WithTracer(obs.TracerOrNoop()),
	)
	if err != nil {
		return nil, err
	}
	sc.Engine = engine
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := engine.Shutdown(shutdownCtx); err != nil {
			logger.Error("stopping grading runs", slog.String("error", err.Error()))
		}
	})

	registerHealthChecks(sc)

	logger.Debug("grading engine initialized",
		slog.String("llm_provider", agentProvider.Name()),
		slog.String("llm_model", cfg.LLM.Model),
		slog.String("extraction_provider", extractProvider.Name()),
		slog.String("extraction_model", cfg.Extraction.Model),
	)
	return sc, nil
}

// initStore opens the configured storage backend. The memory driver returns
// a nil store.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	case storage.DriverMemory:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	dbPath := cfg.DatabasePath()
	journalMode := "wal"

	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		if cfg.Storage.SQLite.Path != "" {
			dbPath = cfg.Storage.SQLite.Path
		}
		if cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        dbPath,
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pg := cfg.Storage.Postgres
	pgDB, err := pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}

// newLLMProvider creates the primary provider and, when fallbacks are
// configured, chains them behind it.
func newLLMProvider(primaryCfg config.ProviderConfig, fallbacks []config.ProviderConfig, logger *slog.Logger) (llm.Provider, error) {
	primary, err := buildProvider(primaryCfg, logger)
	if err != nil {
		return nil, err
	}
	if len(fallbacks) == 0 {
		return primary, nil
	}

	providers := []llm.Provider{primary}
	for _, fbCfg := range fallbacks {
		fb, err := buildProvider(fbCfg, logger)
		if err != nil {
			logger.Warn("skipping fallback provider",
				slog.String("provider", fbCfg.ProviderName()),
				slog.String("error", err.Error()),
			)
			continue
		}
		providers = append(providers, fb)
	}
	if len(providers) == 1 {
		return primary, nil
	}
	return llm.NewFallbackProvider(providers, logger), nil
}

// buildProvider creates a single provider client.
func buildProvider(p config.ProviderConfig, logger *slog.Logger) (llm.Provider, error) {
	switch name := p.ProviderName(); name {
	case "openai":
		var opts []openai.Option
		if p.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(p.BaseURL))
		}
		return openai.NewClient(p.APIKey, p.Model, logger, opts...), nil
	case "anthropic":
		var opts []anthropic.Option
		if p.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(p.BaseURL))
		}
		return anthropic.NewClient(p.APIKey, p.Model, logger, opts...), nil
	case "gemini":
		var opts []gemini.Option
		if p.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(p.BaseURL))
		}
		return gemini.NewClient(p.APIKey, p.Model, logger, opts...), nil
	case "ollama":
		baseURL := p.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return openai.NewClient(p.APIKey, p.Model, logger,
			openai.WithBaseURL(baseURL),
			openai.WithName("ollama"),
		), nil
	default:
		return nil, &domain.ConfigurationError{Field: "provider", Reason: fmt.Sprintf("unknown provider %q", name)}
	}
}

// agentOptions translates the LLM service config into agent client options.
func agentOptions(cfg *config.Config, obs *observability.Observability) []agent.Option {
	opts := []agent.Option{
		agent.WithModel(cfg.LLM.Model),
		agent.WithRateLimit(cfg.LLM.RequestsPerSecond, cfg.LLM.Burst),
		agent.WithTracer(obs.TracerOrNoop()),
	}
	if len(cfg.LLM.Profiles) > 0 {
		profiles := make(map[string]agent.Profile, len(cfg.LLM.Profiles))
		for name, p := range cfg.LLM.Profiles {
			profiles[name] = agent.Profile{
				Temperature: p.Temperature,
				MaxTokens:   p.MaxTokens,
				Timeout:     time.Duration(p.TimeoutSeconds) * time.Second,
			}
		}
		opts = append(opts, agent.WithProfiles(profiles))
	}
	if !cfg.LLM.Breaker.Disabled {
		opts = append(opts, agent.WithBreaker(cfg.LLM.Breaker.Threshold(), cfg.LLM.Breaker.ResetAfter()))
	}
	if cfg.LLM.Cache != nil && cfg.LLM.Cache.Enabled {
		opts = append(opts, agent.WithCache(cfg.LLM.Cache.Entries(), cfg.LLM.Cache.TTL()))
	}
	return opts
}

func retryPolicy(r config.RetryConfig) llm.RetryPolicy {
	return llm.RetryPolicy{
		MaxAttempts:     r.Attempts(),
		InitialInterval: r.InitialInterval(),
		MaxInterval:     r.MaxInterval(),
		Multiplier:      r.BackoffMultiplier(),
	}
}

func extractionConfig(cfg *config.Config) extraction.Config {
	x := &cfg.Extraction
	return extraction.Config{
		ChunkChars:  x.ChunkChars(),
		Overlap:     x.Overlap(),
		Passes:      x.PassCount(),
		Workers:     x.Workers(),
		Timeout:     x.Timeout(),
		Temperature: x.Temperature,
		Model:       x.Model,
		Retry:       retryPolicy(x.Retry),
	}
}

func workflowConfig(cfg *config.Config) workflow.Config {
	w := &cfg.Workflow
	return workflow.Config{
		RunTimeout:        w.RunTimeout(),
		MaxEssayChars:     w.EssayLimit(),
		HistorySize:       w.History(),
		MaxConcurrentRuns: w.ConcurrentRuns(),
		Retry:             retryPolicy(cfg.LLM.Retry),
		Extraction:        extractionConfig(cfg),
	}
}

// registerHealthChecks adds the readiness checks enabled in config.
func registerHealthChecks(sc *SharedComponents) {
	obsCfg := sc.Config.Observability
	if obsCfg == nil || obsCfg.Health == nil {
		return
	}
	if obsCfg.Health.IncludeDB && sc.Store != nil {
		sc.Obs.Health.AddCheck("database", sc.Store.Ping)
	}
	if obsCfg.Health.IncludeLLM {
		agents := sc.Agents
		sc.Obs.Health.AddCheck("llm", func(_ context.Context) error {
			var open []error
			for _, role := range domain.AgentRoles {
				if agents.BreakerOpen(role) {
					open = append(open, fmt.Errorf("circuit open for %s", role))
				}
			}
			return errors.Join(open...)
		})
	}
}

// reportSink persists finished reports and feeds the report counters.
type reportSink struct {
	repo    storage.ReportRepository // nil = reports are not persisted.
	metrics *observability.MetricsCollector
	anomaly *observability.AnomalyDetector
}

func (s *reportSink) SaveReport(ctx context.Context, r *domain.GradingReport) error {
	if s.metrics != nil {
		s.metrics.ReportsTotal.WithLabelValues(string(r.Status)).Inc()
	}
	s.anomaly.RecordReport(r.Status)
	if s.repo == nil {
		return nil
	}
	return s.repo.SaveReport(ctx, r)
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
