// Package config handles loading and validating essaygrader configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/amibaren/essaygrader/internal/domain"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration.
type Config struct {
	DataDir       string                  `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Default: ~/.essaygrader. Override: ESSAYGRADER_DATA_DIR.
	Storage       *StorageConfig          `json:"storage,omitempty" yaml:"storage,omitempty"`   // nil = SQLite under DataDir
	LLM           LLMServiceConfig        `json:"llm" yaml:"llm"`
	Extraction    ExtractionServiceConfig `json:"extraction" yaml:"extraction"`
	Workflow      WorkflowConfig          `json:"workflow" yaml:"workflow"`
	Gateways      GatewaysConfig          `json:"gateways" yaml:"gateways"`
	Observability *ObservabilityConfig    `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Maintenance   *MaintenanceConfig      `json:"maintenance,omitempty" yaml:"maintenance,omitempty"`     // nil = no scheduled sweeps
}

// StorageConfig configures the persistence backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"` // "sqlite" (default), "postgres" or "memory".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/essaygrader.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ProviderConfig identifies one chat-completion endpoint.
type ProviderConfig struct {
	Provider string `json:"provider" yaml:"provider"` // "openai" (default), "anthropic", "gemini", "ollama".
	APIKey   string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL  string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model    string `json:"model" yaml:"model"`
}

// ProviderName returns the provider, defaulting to "openai".
func (p ProviderConfig) ProviderName() string {
	if p.Provider != "" {
		return p.Provider
	}
	return "openai"
}

// RetryConfig bounds exponential backoff for transient failures.
type RetryConfig struct {
	MaxAttempts       int     `json:"max_attempts" yaml:"max_attempts"`               // Default: 3
	InitialIntervalMS int     `json:"initial_interval_ms" yaml:"initial_interval_ms"` // Default: 500
	MaxIntervalMS     int     `json:"max_interval_ms" yaml:"max_interval_ms"`         // Default: 8000
	Multiplier        float64 `json:"multiplier" yaml:"multiplier"`                   // Default: 2.0
}

// Attempts returns the total attempt budget, defaulting to 3.
func (r RetryConfig) Attempts() int {
	if r.MaxAttempts > 0 {
		return r.MaxAttempts
	}
	return 3
}

// InitialInterval returns the first backoff delay, defaulting to 500ms.
func (r RetryConfig) InitialInterval() time.Duration {
	if r.InitialIntervalMS > 0 {
		return time.Duration(r.InitialIntervalMS) * time.Millisecond
	}
	return 500 * time.Millisecond
}

// MaxInterval returns the backoff ceiling, defaulting to 8s.
func (r RetryConfig) MaxInterval() time.Duration {
	if r.MaxIntervalMS > 0 {
		return time.Duration(r.MaxIntervalMS) * time.Millisecond
	}
	return 8 * time.Second
}

// BackoffMultiplier returns the growth factor, defaulting to 2.
func (r RetryConfig) BackoffMultiplier() float64 {
	if r.Multiplier >= 1 {
		return r.Multiplier
	}
	return 2
}

// ProfileConfig overrides one of the builtin generation profiles
// ("default", "analysis", "creative").
type ProfileConfig struct {
	Temperature    float64 `json:"temperature" yaml:"temperature"`
	MaxTokens      int     `json:"max_tokens" yaml:"max_tokens"`
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// BreakerConfig configures the per-role circuit breaker.
type BreakerConfig struct {
	Disabled         bool `json:"disabled" yaml:"disabled"`
	FailureThreshold int  `json:"failure_threshold" yaml:"failure_threshold"` // Default: 5
	ResetSeconds     int  `json:"reset_seconds" yaml:"reset_seconds"`         // Default: 30
}

// Threshold returns the consecutive failure count that opens the breaker.
func (b BreakerConfig) Threshold() int {
	if b.FailureThreshold > 0 {
		return b.FailureThreshold
	}
	return 5
}

// ResetAfter returns how long an open breaker waits before a trial call.
func (b BreakerConfig) ResetAfter() time.Duration {
	if b.ResetSeconds > 0 {
		return time.Duration(b.ResetSeconds) * time.Second
	}
	return 30 * time.Second
}

// CacheConfig configures the agent result cache.
type CacheConfig struct {
	Enabled    bool `json:"enabled" yaml:"enabled"`
	Size       int  `json:"size" yaml:"size"`               // Default: 256 entries.
	TTLSeconds int  `json:"ttl_seconds" yaml:"ttl_seconds"` // Default: 3600.
}

// Entries returns the cache capacity.
func (c *CacheConfig) Entries() int {
	if c != nil && c.Size > 0 {
		return c.Size
	}
	return 256
}

// TTL returns the cache entry lifetime.
func (c *CacheConfig) TTL() time.Duration {
	if c != nil && c.TTLSeconds > 0 {
		return time.Duration(c.TTLSeconds) * time.Second
	}
	return time.Hour
}

// LLMServiceConfig configures the general LLM service used by the five agents.
// Env overrides: LLM_PROVIDER, DEFAULT_LLM_API_KEY, DEFAULT_LLM_BASE_URL, DEFAULT_LLM_MODEL_NAME.
type LLMServiceConfig struct {
	ProviderConfig    `json:",inline" yaml:",inline"`
	Fallback          []ProviderConfig         `json:"fallback,omitempty" yaml:"fallback,omitempty"` // Tried in order when the primary fails.
	RequestsPerSecond float64                  `json:"requests_per_second" yaml:"requests_per_second"` // 0 = unlimited.
	Burst             int                      `json:"burst" yaml:"burst"`                             // Default: 1
	Retry             RetryConfig              `json:"retry" yaml:"retry"`
	Breaker           BreakerConfig            `json:"breaker" yaml:"breaker"`
	Cache             *CacheConfig             `json:"cache,omitempty" yaml:"cache,omitempty"` // nil = no result cache
	Profiles          map[string]ProfileConfig `json:"profiles,omitempty" yaml:"profiles,omitempty"`
}

// ExtractionServiceConfig configures the structured-extraction service. It is
// resolved independently of the LLM service; empty credentials fall back to
// the LLM service's.
// Env overrides: LANGEXTRACT_PROVIDER, LANGEXTRACT_API_KEY, LANGEXTRACT_BASE_URL, LANGEXTRACT_MODEL_ID.
type ExtractionServiceConfig struct {
	ProviderConfig    `json:",inline" yaml:",inline"`
	TimeoutSeconds    int         `json:"timeout_seconds" yaml:"timeout_seconds"` // Per chunk call. Default: 120
	MaxChunkChars     int         `json:"max_chunk_chars" yaml:"max_chunk_chars"` // Default: 2000
	ChunkOverlap      int         `json:"chunk_overlap" yaml:"chunk_overlap"`     // Default: 200
	Passes            int         `json:"passes" yaml:"passes"`                   // Default: 2
	MaxWorkers        int         `json:"max_workers" yaml:"max_workers"`         // Default: 4
	Temperature       float64     `json:"temperature" yaml:"temperature"`
	RequestsPerSecond float64     `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int         `json:"burst" yaml:"burst"`
	Retry             RetryConfig `json:"retry" yaml:"retry"`
}

// Timeout returns the per-call timeout.
func (e *ExtractionServiceConfig) Timeout() time.Duration {
	if e.TimeoutSeconds > 0 {
		return time.Duration(e.TimeoutSeconds) * time.Second
	}
	return 120 * time.Second
}

// ChunkChars returns the chunking threshold in runes.
func (e *ExtractionServiceConfig) ChunkChars() int {
	if e.MaxChunkChars > 0 {
		return e.MaxChunkChars
	}
	return 2000
}

// Overlap returns the chunk overlap in runes.
func (e *ExtractionServiceConfig) Overlap() int {
	if e.ChunkOverlap > 0 {
		return e.ChunkOverlap
	}
	return 200
}

// PassCount returns the number of extraction passes per chunk.
func (e *ExtractionServiceConfig) PassCount() int {
	if e.Passes > 0 {
		return e.Passes
	}
	return 2
}

// Workers returns the chunk concurrency limit.
func (e *ExtractionServiceConfig) Workers() int {
	if e.MaxWorkers > 0 {
		return e.MaxWorkers
	}
	return 4
}

// WorkflowConfig configures the grading orchestrator.
type WorkflowConfig struct {
	RunTimeoutSeconds int `json:"run_timeout_seconds" yaml:"run_timeout_seconds"` // Default: 900
	MaxEssayChars     int `json:"max_essay_chars" yaml:"max_essay_chars"`         // Default: 10000
	HistorySize       int `json:"history_size" yaml:"history_size"`               // Default: 100
	MaxConcurrentRuns int `json:"max_concurrent_runs" yaml:"max_concurrent_runs"` // Default: 8
}

// RunTimeout returns the deadline of a whole run.
func (w *WorkflowConfig) RunTimeout() time.Duration {
	if w.RunTimeoutSeconds > 0 {
		return time.Duration(w.RunTimeoutSeconds) * time.Second
	}
	return 15 * time.Minute
}

// EssayLimit returns the longest accepted essay in runes.
func (w *WorkflowConfig) EssayLimit() int {
	if w.MaxEssayChars > 0 {
		return w.MaxEssayChars
	}
	return 10000
}

// History returns how many finished runs are kept in memory.
func (w *WorkflowConfig) History() int {
	if w.HistorySize > 0 {
		return w.HistorySize
	}
	return 100
}

// ConcurrentRuns returns the cap on asynchronously submitted runs.
func (w *WorkflowConfig) ConcurrentRuns() int {
	if w.MaxConcurrentRuns > 0 {
		return w.MaxConcurrentRuns
	}
	return 8
}

// GatewaysConfig groups the network front ends.
type GatewaysConfig struct {
	HTTP      *HTTPGatewayConfig      `json:"http,omitempty" yaml:"http,omitempty"`
	WebSocket *WebSocketGatewayConfig `json:"websocket,omitempty" yaml:"websocket,omitempty"`
}

// HTTPGatewayConfig configures the HTTP API gateway.
type HTTPGatewayConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080"
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeyUserMapping   map[string]string `json:"api_key_user_mapping" yaml:"api_key_user_mapping"` // API key → client ID. Empty = no auth.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
	SSE                 bool              `json:"sse" yaml:"sse"` // Enable the streaming grade endpoint.
}

// Addr returns the listen address.
func (h *HTTPGatewayConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// WebSocketGatewayConfig configures progress streaming over WebSocket.
type WebSocketGatewayConfig struct {
	Enabled                  bool   `json:"enabled" yaml:"enabled"`
	Path                     string `json:"path" yaml:"path"`                                             // Default: "/v1/ws/grade".
	Token                    string `json:"token" yaml:"token"`                                           // Optional shared token.
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds"` // Default: 30.
}

// WSPath returns the WebSocket path.
func (w *WebSocketGatewayConfig) WSPath() string {
	if w != nil && w.Path != "" {
		return w.Path
	}
	return "/v1/ws/grade"
}

// WSHeartbeatInterval returns the ping interval.
func (w *WebSocketGatewayConfig) WSHeartbeatInterval() time.Duration {
	if w != nil && w.HeartbeatIntervalSeconds > 0 {
		return time.Duration(w.HeartbeatIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// RateLimitConfig configures per-client request throttling.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "essaygrader"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`
}

// HealthConfig configures dependency checks for readiness probes.
type HealthConfig struct {
	IncludeDB  bool `json:"include_db" yaml:"include_db"`
	IncludeLLM bool `json:"include_llm" yaml:"include_llm"` // Fails readiness while an agent breaker is open.
}

// AnomalyConfig configures threshold-based anomaly detection on model calls.
type AnomalyConfig struct {
	Enabled             bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold  float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"`   // e.g. 0.5 = 50% errors
	LatencySpikeFactor  float64 `json:"latency_spike_factor" yaml:"latency_spike_factor"`   // e.g. 3.0 = 3x normal
	DegradationRateWarn float64 `json:"degradation_rate_warn" yaml:"degradation_rate_warn"` // Share of partial reports.
	WindowSeconds       int     `json:"window_seconds" yaml:"window_seconds"`               // Sliding window. Default: 300
}

// MaintenanceConfig schedules background sweeps.
type MaintenanceConfig struct {
	Enabled            bool   `json:"enabled" yaml:"enabled"`
	Schedule           string `json:"schedule" yaml:"schedule"`                         // 5-field cron. Default: "0 3 * * *"
	ReportRetentionDay int    `json:"report_retention_days" yaml:"report_retention_days"` // 0 = keep forever
	PurgeCache         bool   `json:"purge_cache" yaml:"purge_cache"`
}

// CronSchedule returns the sweep schedule.
func (m *MaintenanceConfig) CronSchedule() string {
	if m != nil && m.Schedule != "" {
		return m.Schedule
	}
	return "0 3 * * *"
}

// DefaultConfigPath returns the default config file path (~/.essaygrader/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/essaygrader.yaml"
	}
	return filepath.Join(home, ".essaygrader", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// An empty path builds the configuration from environment variables alone.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}
		switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
			}
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv overlays environment variables and resolves service fallbacks.
func (c *Config) applyEnv() {
	setString(&c.LLM.Provider, "LLM_PROVIDER")
	setString(&c.LLM.APIKey, "DEFAULT_LLM_API_KEY")
	setString(&c.LLM.BaseURL, "DEFAULT_LLM_BASE_URL")
	setString(&c.LLM.Model, "DEFAULT_LLM_MODEL_NAME")

	setString(&c.Extraction.Provider, "LANGEXTRACT_PROVIDER")
	setString(&c.Extraction.APIKey, "LANGEXTRACT_API_KEY")
	setString(&c.Extraction.BaseURL, "LANGEXTRACT_BASE_URL")
	setString(&c.Extraction.Model, "LANGEXTRACT_MODEL_ID")

	// The extraction service reuses the LLM credentials unless it has its own.
	if c.Extraction.APIKey == "" {
		c.Extraction.APIKey = c.LLM.APIKey
		if c.Extraction.BaseURL == "" && c.Extraction.Provider == "" {
			c.Extraction.BaseURL = c.LLM.BaseURL
			c.Extraction.Provider = c.LLM.Provider
		}
	}
	if c.Extraction.Model == "" {
		c.Extraction.Model = "gemini-2.5-flash"
	}

	setString(&c.DataDir, "ESSAYGRADER_DATA_DIR")
	if driver := os.Getenv("ESSAYGRADER_STORAGE_DRIVER"); driver != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		c.Storage.Driver = driver
	}
	if dsn := os.Getenv("ESSAYGRADER_POSTGRES_DSN"); dsn != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = dsn
	}
	if v := os.Getenv("ESSAYGRADER_RUN_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workflow.RunTimeoutSeconds = n
		}
	}

	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".essaygrader")
		}
	}
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		return "data"
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "essaygrader.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

func (c *Config) validate() error {
	if err := validateProvider("llm", c.LLM.ProviderConfig); err != nil {
		return err
	}
	for i, fb := range c.LLM.Fallback {
		if err := validateProvider(fmt.Sprintf("llm.fallback[%d]", i), fb); err != nil {
			return err
		}
	}
	if err := validateProvider("extraction", c.Extraction.ProviderConfig); err != nil {
		return err
	}
	if c.Extraction.Overlap() >= c.Extraction.ChunkChars() {
		return &domain.ConfigurationError{Field: "extraction.chunk_overlap", Reason: "must be smaller than max_chunk_chars"}
	}
	if c.LLM.RequestsPerSecond < 0 || c.Extraction.RequestsPerSecond < 0 {
		return &domain.ConfigurationError{Field: "requests_per_second", Reason: "must not be negative"}
	}
	for name := range c.LLM.Profiles {
		switch name {
		case "default", "analysis", "creative":
		default:
			return &domain.ConfigurationError{Field: "llm.profiles." + name, Reason: "unknown profile (use default, analysis or creative)"}
		}
	}
	switch c.StorageDriverName() {
	case "sqlite", "memory":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return &domain.ConfigurationError{Field: "storage.postgres.dsn", Reason: "required for the postgres driver (set ESSAYGRADER_POSTGRES_DSN)"}
		}
	default:
		return &domain.ConfigurationError{Field: "storage.driver", Reason: fmt.Sprintf("%q is not supported (use sqlite, postgres or memory)", c.Storage.Driver)}
	}
	return nil
}

// validateProvider checks that a service endpoint has the required fields.
func validateProvider(field string, p ProviderConfig) error {
	switch p.ProviderName() {
	case "openai", "anthropic", "gemini":
		if p.APIKey == "" {
			return &domain.ConfigurationError{Field: field + ".api_key", Reason: "required"}
		}
	case "ollama":
	default:
		return &domain.ConfigurationError{Field: field + ".provider", Reason: fmt.Sprintf("%q is not supported (use openai, anthropic, gemini, or ollama)", p.Provider)}
	}
	if p.Model == "" {
		return &domain.ConfigurationError{Field: field + ".model", Reason: "required"}
	}
	return nil
}
