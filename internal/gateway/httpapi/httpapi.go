// Package httpapi exposes the grading workflow over HTTP.
//
// Security:
//   - API key authentication on /v1 (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-client rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/amibaren/essaygrader/internal/agent"
	"github.com/amibaren/essaygrader/internal/domain"
	"github.com/amibaren/essaygrader/internal/gateway"
	"github.com/amibaren/essaygrader/internal/observability"
	"github.com/amibaren/essaygrader/internal/ratelimit"
	"github.com/amibaren/essaygrader/internal/schema"
	"github.com/amibaren/essaygrader/internal/storage"
	"github.com/amibaren/essaygrader/internal/workflow"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// anonymousClient is the client id used when no API keys are configured.
const anonymousClient = "anonymous"

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string            // e.g., ":8080"
	EnableDocs     bool              // Serve OpenAPI docs.
	EnableSSE      bool              // Mount POST /v1/grade/stream.
	APIKeys        map[string]string // API key → client id. Empty = no auth.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Served on MetricsPath when set.
	MetricsPath     string                          // Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Backs /readyz.
	Metrics         *observability.MetricsCollector // HTTP request metrics.
	Tracer          trace.Tracer                    // HTTP request spans.
}

// Grader runs the grading workflow. *workflow.Engine implements it.
type Grader interface {
	Run(ctx context.Context, req domain.GradingRequest) (*domain.GradingReport, error)
	Stream(ctx context.Context, req domain.GradingRequest, fn workflow.Observer) (*domain.GradingReport, error)
	Submit(ctx context.Context, req domain.GradingRequest) (*workflow.Run, error)
	Get(id uuid.UUID) (*workflow.Run, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	List(limit int) []workflow.Run
}

// Invoker calls a single agent role. *agent.Client implements it.
type Invoker interface {
	Invoke(ctx context.Context, role domain.AgentRole, prompt string, input domain.AgentInput, examples []domain.Example, cfg agent.CallConfig) domain.AgentOutput
}

var (
	_ Grader          = (*workflow.Engine)(nil)
	_ Invoker         = (*agent.Client)(nil)
	_ gateway.Gateway = (*Gateway)(nil)
)

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	grader  Grader
	schemas schema.Store
	reports storage.ReportRepository // nil = report endpoints disabled.
	invoker Invoker                  // nil = agent invoke endpoint disabled.
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	// Extra handlers mounted next to the API routes (e.g., WebSocket grading).
	extraRoutes []extraRoute

	mountOnce sync.Once
	okapi     *okapi.Okapi
	group     *okapi.Group
}

type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, grader Grader, schemas schema.Store, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:  cfg,
		grader:  grader,
		schemas: schemas,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// WithReports enables the stored report endpoints.
func (g *Gateway) WithReports(repo storage.ReportRepository) *Gateway {
	g.reports = repo
	return g
}

// WithInvoker enables POST /v1/agents/{role}/invoke.
func (g *Gateway) WithInvoker(inv Invoker) *Gateway {
	g.invoker = inv
	return g
}

// WithHandler mounts an additional GET handler at pattern.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// WithOpenAPIDocs serves the generated OpenAPI documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Essay Grader",
			Version: "v1",
		},
	)
	return g
}

// Handler returns the gateway's routes as an http.Handler.
func (g *Gateway) Handler() http.Handler {
	g.mountOnce.Do(g.mount)
	return g.okapi
}

func (g *Gateway) mount() {
	g.okapi.UseMiddleware(g.limitBody)

	// Authenticated /v1 group. Metrics wrap authentication so rejected
	// requests are counted too.
	var mws []okapi.Middleware
	if g.config.Metrics != nil || g.config.Tracer != nil {
		mws = append(mws, observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}
	mws = append(mws, g.authenticate)
	g.group = g.okapi.Group("/v1", mws...)

	// Grading.
	g.group.Post("/grade", g.handleGrade,
		okapi.DocSummary("Grade an essay and wait for the report"),
		okapi.DocTags("Grading"),
		okapi.DocRequestBody(GradeRequest{}),
		okapi.DocResponse(domain.GradingReport{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, RunErrorBody{}),
	)
	if g.config.EnableSSE {
		g.group.Post("/grade/stream", g.handleGradeStream,
			okapi.DocSummary("Grade an essay, streaming stage progress via SSE"),
			okapi.DocTags("Grading"),
			okapi.DocRequestBody(GradeRequest{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		)
	}

	// Asynchronous runs.
	g.group.Post("/runs", g.handleRunSubmit,
		okapi.DocSummary("Submit an essay for background grading"),
		okapi.DocTags("Runs"),
		okapi.DocRequestBody(GradeRequest{}),
		okapi.DocResponse(http.StatusAccepted, RunResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/runs", g.handleRunList,
		okapi.DocSummary("List recent runs"),
		okapi.DocTags("Runs"),
		okapi.DocResponse([]RunResponse{}),
	)
	g.group.Get("/runs/{id}", g.handleRunGet,
		okapi.DocSummary("Get run status and, once finished, its report"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("id", "string", "Run ID (UUID)"),
		okapi.DocResponse(RunResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/runs/{id}", g.handleRunCancel,
		okapi.DocSummary("Cancel a running run"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("id", "string", "Run ID (UUID)"),
		okapi.DocResponse(RunResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Single agent calls.
	if g.invoker != nil {
		g.group.Post("/agents/{role}/invoke", g.handleAgentInvoke,
			okapi.DocSummary("Invoke one agent role directly"),
			okapi.DocTags("Agents"),
			okapi.DocPathParam("role", "string", "designer, analyst, praiser, guide or reporter"),
			okapi.DocRequestBody(InvokeRequest{}),
			okapi.DocResponse(InvokeResponse{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
	}

	// Schemas.
	g.group.Get("/schemas", g.handleSchemaList,
		okapi.DocSummary("List stored extraction schemas"),
		okapi.DocTags("Schemas"),
		okapi.DocResponse([]SchemaSummary{}),
	)
	g.group.Get("/schemas/{grade}/{type}/{version}", g.handleSchemaGet,
		okapi.DocSummary("Get an extraction schema by key"),
		okapi.DocTags("Schemas"),
		okapi.DocPathParam("grade", "string", "Grade level, e.g. grade_3"),
		okapi.DocPathParam("type", "string", "Essay type, e.g. narrative"),
		okapi.DocPathParam("version", "string", "Version, e.g. v1"),
		okapi.DocResponse(domain.Schema{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Reports.
	if g.reports != nil {
		g.group.Get("/reports", g.handleReportList,
			okapi.DocSummary("List stored reports, newest first"),
			okapi.DocTags("Reports"),
			okapi.DocResponse([]domain.ReportSummary{}),
		)
		g.group.Get("/reports/{id}", g.handleReportGet,
			okapi.DocSummary("Get a stored report"),
			okapi.DocTags("Reports"),
			okapi.DocPathParam("id", "string", "Report ID (UUID)"),
			okapi.DocResponse(domain.GradingReport{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	// Extra handlers (e.g., WebSocket grading).
	for _, er := range g.extraRoutes {
		h := er.handler
		if g.config.Metrics != nil || g.config.Tracer != nil {
			h = observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, h)
		}
		g.okapi.HandleStd("GET", er.pattern, h.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.mountOnce.Do(g.mount)

	addr := g.config.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	g.server = &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Synchronous grading and SSE streams outlive a short write timeout.
		WriteTimeout: 20 * time.Minute,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", addr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Health ---

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate resolves the API key to a client id and applies the
// client's rate limit.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		clientID := anonymousClient
		if len(g.config.APIKeys) > 0 {
			authHeader := c.Header("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				return c.AbortUnauthorized("missing or invalid Authorization header")
			}
			apiKey := strings.TrimPrefix(authHeader, "Bearer ")

			clientID = ""
			for key, id := range g.config.APIKeys {
				if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
					clientID = id
				}
			}
			if clientID == "" {
				return c.AbortUnauthorized("invalid API key")
			}
		}

		if err := g.limiter.Allow(clientID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
		c.Set("clientID", clientID)
		return next(c)
	}
}

// limitBody caps request bodies at the configured size.
func (g *Gateway) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, g.config.MaxRequestSize)
		}
		next.ServeHTTP(w, r)
	})
}
