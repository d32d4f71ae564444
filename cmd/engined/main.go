// Package main is the entry point for the adaptflow workflow engine server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/accessworks/adaptflow/internal/config"
	"github.com/accessworks/adaptflow/internal/definition"
	"github.com/accessworks/adaptflow/internal/engine"
	"github.com/accessworks/adaptflow/internal/hook"
	"github.com/accessworks/adaptflow/internal/observability"
	"github.com/accessworks/adaptflow/internal/roles"
	"github.com/accessworks/adaptflow/internal/runner"
	"github.com/accessworks/adaptflow/internal/scheduler"
	"github.com/accessworks/adaptflow/internal/transport"
	"github.com/accessworks/adaptflow/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "adaptflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	var metrics *observability.Metrics
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.InitMetrics(prometheus.DefaultRegisterer)
	}

	// Load OpenAPI specs for integration hooks.
	hookIndex := hook.NewIndex()
	if err := hookIndex.Load(buildSpecSources(cfg.Services)); err != nil {
		logger.Error("service spec loading failed", zap.Error(err))
		return 1
	}
	hooks := hook.NewRegistry(hook.NewOpenAPIHook(hookIndex, cfg.Services))

	// Persistence.
	defStore, instStore, storeCloser, err := buildStores(ctx, cfg.Engine.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}

	timerStore, timerCloser, err := buildTimerStore(cfg.Engine.Timers, logger)
	if err != nil {
		logger.Error("timer store initialization failed", zap.Error(err))
		return 1
	}

	roleProvider, err := buildRoleProvider(cfg.Identity, logger)
	if err != nil {
		logger.Error("role provider initialization failed", zap.Error(err))
		return 1
	}

	// Compose the engine.
	defs := definition.NewService(defStore, logger)
	sched := scheduler.New(timerStore, scheduler.RealClock(), cfg.Engine.EscalationTick, logger)
	rnr := runner.New(defs, instStore, hooks, roleProvider, sched, cfg.Engine.AutoStepChainLimit, logger)
	eng := engine.New(cfg, defs, rnr, sched, metrics, logger)

	if err := eng.Start(ctx); err != nil {
		logger.Error("engine startup failed", zap.Error(err))
		return 1
	}

	// HTTP transport.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	readinessChecks := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return eng.Ready(context.Background()) },
	}
	if hc, ok := instStore.(observability.HealthChecker); ok {
		readinessChecks.InstanceStore = hc
	}
	if hc, ok := timerStore.(observability.HealthChecker); ok {
		readinessChecks.TimerStore = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Engine:       eng,
		Logger:       logger,
		Metrics:      metrics,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Readiness:    readinessChecks,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop the escalation scan loop.
	if err := eng.Stop(shutdownCtx); err != nil {
		logger.Error("engine shutdown error", zap.Error(err))
	}

	if storeCloser != nil {
		storeCloser()
	}
	if timerCloser != nil {
		timerCloser()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildSpecSources converts configured services into hook spec sources. A
// service without a spec file cannot back integration steps and is skipped.
func buildSpecSources(services map[string]config.ServiceConfig) []hook.SpecSource {
	sources := make([]hook.SpecSource, 0, len(services))
	for id, svc := range services {
		if svc.SpecFile == "" {
			continue
		}
		sources = append(sources, hook.SpecSource{
			ServiceID: id,
			BaseURL:   svc.BaseURL,
			SpecPath:  svc.SpecFile,
		})
	}
	return sources
}

// buildStores creates the definition and instance stores based on config.
// Both share one connection pool when backed by Postgres.
func buildStores(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (definition.Store, runner.InstanceStore, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory stores")
		return definition.NewMemoryStore(), runner.NewMemoryInstanceStore(), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("store: ping: %w", err)
		}

		return definition.NewPgStore(pool), runner.NewPgInstanceStore(pool), pool.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// buildTimerStore creates the escalation timer store based on config.
func buildTimerStore(cfg config.TimerConfig, logger *zap.Logger) (scheduler.TimerStore, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory timer store")
		return scheduler.NewMemoryTimerStore(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("timer store: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		return scheduler.NewRedisTimerStore(client), func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported timer store driver: %q", cfg.Driver)
	}
}

// buildRoleProvider creates the role provider. With a static policy file
// configured the file is consulted first and the verified token's own claims
// second; otherwise claims are the only source.
func buildRoleProvider(cfg config.IdentityConfig, logger *zap.Logger) (model.RoleProvider, error) {
	if cfg.RolePolicyFile == "" {
		return roles.ClaimsProvider{}, nil
	}

	static, err := roles.NewStaticPolicyProvider(cfg.RolePolicyFile)
	if err != nil {
		return nil, err
	}
	logger.Info("using static role policy", zap.String("file", cfg.RolePolicyFile))
	return roles.Chain{static, roles.ClaimsProvider{}}, nil
}
