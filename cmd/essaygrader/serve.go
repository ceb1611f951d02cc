package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/amibaren/essaygrader/internal/config"
	"github.com/amibaren/essaygrader/internal/gateway"
	"github.com/amibaren/essaygrader/internal/gateway/httpapi"
	"github.com/amibaren/essaygrader/internal/gateway/ws"
	"github.com/amibaren/essaygrader/internal/maintenance"
	"github.com/amibaren/essaygrader/internal/ratelimit"
	"github.com/amibaren/essaygrader/internal/schema"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket grading gateways",
	RunE:  runServe,
}

func init() {
	// Registered on both root and serve so that `essaygrader --port` works too.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&servePort, "port", "", "override the HTTP listen address (e.g. :8080)")
	}
}

// runServe starts the configured gateways and the maintenance sweeper, and
// blocks until a signal arrives or a gateway fails.
func runServe(_ *cobra.Command, _ []string) error {
	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPGatewayConfig{Enabled: true}
		}
		cfg.Gateways.HTTP.ListenAddr = servePort
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Scheduled maintenance.
	if cfg.Maintenance != nil && cfg.Maintenance.Enabled {
		sweeper, err := buildSweeper(sc)
		if err != nil {
			return err
		}
		stopSweeper := sweeper.Start(ctx)
		defer stopSweeper()
		logger.Info("maintenance scheduled",
			slog.String("schedule", cfg.Maintenance.CronSchedule()),
			slog.Any("tasks", sweeper.Tasks()),
		)
	}

	gateways := buildGateways(sc)
	if len(gateways) == 0 {
		return errors.New("no gateways enabled in config")
	}
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	return nil
}

// buildSweeper registers the maintenance tasks enabled in config.
func buildSweeper(sc *SharedComponents) (*maintenance.Sweeper, error) {
	mc := sc.Config.Maintenance
	var metrics *maintenance.Metrics
	if reg := sc.Obs.Registry(); reg != nil {
		metrics = maintenance.NewMetrics(reg)
	}
	sweeper, err := maintenance.New(mc.CronSchedule(), metrics, sc.Logger)
	if err != nil {
		return nil, err
	}
	if repo := sc.Reports(); repo != nil && mc.ReportRetentionDay > 0 {
		sweeper.RetainReports(repo, mc.ReportRetentionDay)
	}
	if mc.PurgeCache {
		sweeper.PurgeCache(sc.Agents)
		// Other replicas may have upserted schemas into the shared database.
		if rs, ok := sc.Schemas.(*schema.RepositoryStore); ok {
			sweeper.Add(maintenance.Task{Name: "schema_cache_purge", Run: func(context.Context) error {
				rs.Purge()
				return nil
			}})
		}
	}
	return sweeper, nil
}

// buildGateways creates the enabled network gateways. The WebSocket endpoint
// rides on the HTTP gateway when both are enabled.
func buildGateways(sc *SharedComponents) []gateway.Gateway {
	cfg := sc.Config
	var gateways []gateway.Gateway

	var wsServer *ws.Server
	if cfg.Gateways.WebSocket != nil && cfg.Gateways.WebSocket.Enabled {
		var opts []ws.Option
		if sc.Obs.Metrics != nil {
			opts = append(opts, ws.WithConnectionGauge(sc.Obs.Metrics.WSConnections))
		}
		wsServer = ws.NewServer(sc.Engine, cfg.Gateways.WebSocket, sc.Logger, opts...)
	}

	httpCfg := cfg.Gateways.HTTP
	if httpCfg != nil && httpCfg.Enabled {
		apiCfg := httpapi.Config{
			ListenAddr:     httpCfg.Addr(),
			EnableDocs:     httpCfg.EnableDocs,
			EnableSSE:      httpCfg.SSE,
			APIKeys:        httpCfg.APIKeyUserMapping,
			MaxRequestSize: httpCfg.MaxRequestSizeBytes,
			HealthChecker:  sc.Obs.Health,
			Tracer:         sc.Obs.TracerOrNoop(),
		}
		if obsCfg := cfg.Observability; obsCfg != nil && obsCfg.Metrics != nil && sc.Obs.Metrics != nil {
			apiCfg.MetricsRegistry = sc.Obs.Registry()
			apiCfg.MetricsPath = obsCfg.Metrics.Path
			apiCfg.Metrics = sc.Obs.Metrics
		}

		var limiter *ratelimit.Limiter
		if rl := httpCfg.RateLimit; rl.RequestsPerMinute > 0 {
			limiter = ratelimit.NewLimiter(ratelimit.Config{
				RequestsPerMinute: rl.RequestsPerMinute,
				BurstSize:         rl.BurstSize,
			})
		}

		gw := httpapi.NewGateway(apiCfg, sc.Engine, sc.Schemas, limiter, sc.Logger).
			WithInvoker(sc.Agents)
		if repo := sc.Reports(); repo != nil {
			gw.WithReports(repo)
		}
		if wsServer != nil {
			gw.WithHandler(cfg.Gateways.WebSocket.WSPath(), wsServer.Handler())
		}
		gateways = append(gateways, gw)
		sc.Logger.Info("http gateway enabled",
			slog.String("addr", httpCfg.Addr()),
			slog.Bool("sse", httpCfg.SSE),
			slog.Bool("websocket", wsServer != nil),
		)
	} else if wsServer != nil {
		addr := httpCfg.Addr()
		gateways = append(gateways, newStandaloneWSGateway(wsServer, addr, cfg.Gateways.WebSocket.WSPath(), sc.Logger))
		sc.Logger.Info("standalone websocket gateway enabled", slog.String("addr", addr))
	}
	return gateways
}

// standaloneWSGateway serves the WebSocket endpoint on its own listener
// when the HTTP gateway is disabled.
type standaloneWSGateway struct {
	wsServer   *ws.Server
	addr       string
	path       string
	logger     *slog.Logger
	httpServer *http.Server
}

func newStandaloneWSGateway(wsServer *ws.Server, addr, path string, logger *slog.Logger) *standaloneWSGateway {
	return &standaloneWSGateway{
		wsServer: wsServer,
		addr:     addr,
		path:     path,
		logger:   logger,
	}
}

func (g *standaloneWSGateway) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(g.path, g.wsServer.Handler())

	g.httpServer = &http.Server{
		Addr:              g.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("standalone websocket gateway starting", slog.String("addr", g.addr))
	if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket gateway: %w", err)
	}
	return nil
}

func (g *standaloneWSGateway) Stop(ctx context.Context) error {
	if g.httpServer != nil {
		return g.httpServer.Shutdown(ctx)
	}
	return nil
}
