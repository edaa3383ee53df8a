// Package main is the entry point for the maestro orchestration server.
// It wires storage, the message bus, the engine, and the HTTP surface
// together and runs until signalled.
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
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/tarebo/maestro/internal/bus"
	"github.com/tarebo/maestro/internal/capability"
	"github.com/tarebo/maestro/internal/config"
	"github.com/tarebo/maestro/internal/definition"
	"github.com/tarebo/maestro/internal/dispatch"
	"github.com/tarebo/maestro/internal/engine"
	"github.com/tarebo/maestro/internal/nodes"
	"github.com/tarebo/maestro/internal/observability"
	"github.com/tarebo/maestro/internal/schema"
	"github.com/tarebo/maestro/internal/store"
	"github.com/tarebo/maestro/internal/transport"
	"github.com/tarebo/maestro/internal/workers"
	"github.com/tarebo/maestro/model"
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
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.InitLogger(cfg.Logging.Level, cfg.Logging.Encoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Tracing, "maestro", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Load the workflow catalog, validate, build the registry.
	catalogs := []model.CatalogFile{definition.BuiltinCatalog()}
	if len(cfg.Workflows.Directories) > 0 {
		loaded, err := definition.NewLoader().LoadAll(cfg.Workflows.Directories)
		if err != nil {
			logger.Error("workflow definition loading failed", zap.Error(err))
			return 1
		}
		catalogs = append(catalogs, loaded...)
	}

	verrs := definition.NewValidator().Validate(catalogs)
	if len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("workflow definition invalid", zap.String("error", ve.Error()))
		}
		return 1
	}
	registry := definition.NewRegistry(catalogs...)

	// Step 5: Load the task payload schema index (optional).
	schemaIdx, err := buildSchemaIndex(cfg.Schemas, logger)
	if err != nil {
		logger.Error("schema index load failed", zap.Error(err))
		return 1
	}

	// Step 6: Build the capability resolver.
	capResolver, err := buildCapabilityResolver(cfg.Authorization)
	if err != nil {
		logger.Error("capability resolver initialization failed", zap.Error(err))
		return 1
	}

	// Step 7: Open request and workflow storage.
	requestStore, workflowStore, storeCloser, err := buildStores(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Error("storage initialization failed", zap.Error(err))
		return 1
	}

	// Step 8: Open the result dedup store (optional).
	dedupStore, dedupCloser, err := buildDedupStore(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Error("dedup store initialization failed", zap.Error(err))
		return 1
	}

	// Step 9: Connect the message bus.
	messageBus, err := buildBus(cfg.Bus, logger)
	if err != nil {
		logger.Error("bus connection failed", zap.Error(err))
		return 1
	}

	// Step 10: Build the worker registry, dispatcher, and engine. The
	// dispatcher needs the engine for results and the engine needs the
	// dispatcher for commands, so the result handler binds late.
	workerReg := workers.NewRegistry()

	sink := &resultSink{}
	dispatchOpts := []dispatch.Option{
		dispatch.WithLogger(logger),
		dispatch.WithObserver(observability.NewDispatchMetrics(metrics)),
		dispatch.WithQueueGroup(cfg.Bus.QueueGroup),
		dispatch.WithDedupTTL(cfg.Redis.DedupTTL),
	}
	if dedupStore != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithProcessedStore(dedupStore))
	}
	dispatcher, err := dispatch.NewDispatcher(messageBus, sink, workerReg, cfg.Engine.ResultPoolSize, dispatchOpts...)
	if err != nil {
		logger.Error("dispatcher initialization failed", zap.Error(err))
		return 1
	}

	engineOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithObserver(observability.NewEngineMetrics(metrics)),
	}
	if schemaIdx != nil {
		engineOpts = append(engineOpts, engine.WithSchemaIndex(schemaIdx))
	}
	eng := engine.NewEngine(registry, requestStore, workflowStore, workerReg, dispatcher,
		engine.Config{
			MaxRetries:      cfg.Engine.MaxRetries,
			BackoffInitial:  cfg.Engine.BackoffInitial,
			BackoffMax:      cfg.Engine.BackoffMax,
			DispatchTimeout: cfg.Engine.DispatchTimeout,
			LockStripes:     cfg.Engine.LockStripes,
		},
		engineOpts...,
	)
	sink.eng = eng

	if err := dispatcher.Start(ctx); err != nil {
		logger.Error("dispatcher start failed", zap.Error(err))
		return 1
	}

	// Step 11: Build the worker node manager (optional).
	nodesMgr, err := buildNodesManager(cfg.Nodes, logger)
	if err != nil {
		logger.Error("node manager initialization failed", zap.Error(err))
		return 1
	}

	// Step 12: Build the HTTP router.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL)

	ready := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return len(registry.AllWorkflowTypes()) > 0 },
	}
	if hc, ok := requestStore.(observability.HealthChecker); ok {
		ready.Storage = hc
	}
	if hc, ok := dedupStore.(observability.HealthChecker); ok {
		ready.DedupStore = hc
	}
	if hc, ok := messageBus.(observability.HealthChecker); ok {
		ready.Bus = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Engine:       eng,
		Workers:      workerReg,
		Definitions:  registry,
		Nodes:        nodesMgr,
		Capabilities: capResolver,
		Authenticate: transport.Authenticator(cfg.Identity, jwks),
		Metrics:      metrics,
		Ready:        ready,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 13: Start background maintenance sweeps.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go runMaintenance(bgCtx, eng, workerReg, metrics, cfg.Engine, logger)

	// Step 14: Start the HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("bus", cfg.Bus.Driver),
		zap.Bool("nodes", nodesMgr != nil),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
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

	// Stop sweeps, then stop consuming results before closing their sinks.
	bgCancel()
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Error("dispatcher shutdown error", zap.Error(err))
	}
	eng.Close()

	if err := messageBus.Close(shutdownCtx); err != nil {
		logger.Error("bus shutdown error", zap.Error(err))
	}
	if dedupCloser != nil {
		dedupCloser()
	}
	if storeCloser != nil {
		storeCloser()
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// resultSink defers binding the engine as the dispatcher's result handler.
// The engine and dispatcher reference each other, and the dispatcher does
// not consume until Start, so the late bind is safe.
type resultSink struct {
	eng *engine.Engine
}

func (s *resultSink) HandleResult(ctx context.Context, taskID string, resp model.Response) error {
	return s.eng.HandleResult(ctx, taskID, resp)
}

// buildSchemaIndex loads the payload schema document when one is configured.
func buildSchemaIndex(cfg config.SchemasConfig, logger *zap.Logger) (*schema.Index, error) {
	if cfg.Path == "" {
		return nil, nil
	}
	idx := schema.NewIndex()
	if err := idx.Load(cfg.Path); err != nil {
		return nil, err
	}
	logger.Info("payload schemas loaded",
		zap.String("path", cfg.Path),
		zap.Int("worker_types", len(idx.WorkerTypes())),
	)
	return idx, nil
}

// buildCapabilityResolver creates the policy evaluator and its cache.
func buildCapabilityResolver(cfg config.AuthorizationConfig) (*capability.Resolver, error) {
	evaluator, err := capability.NewStaticPolicyEvaluator(cfg.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("static policy: %w", err)
	}
	return capability.NewResolver(evaluator, cfg.CacheTTL), nil
}

// buildStores opens request and workflow storage based on config.
func buildStores(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (store.RequestStore, store.WorkflowStore, func(), error) {
	switch cfg.Driver {
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, nil, fmt.Errorf("storage: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("storage: parse DSN: %w", err)
		}
		if cfg.MaxConns > 0 {
			poolCfg.MaxConns = cfg.MaxConns
		}

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("storage: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("storage: ping: %w", err)
		}
		if err := store.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("storage: ensure schema: %w", err)
		}

		logger.Info("using postgres storage")
		return store.NewPgRequestStore(pool), store.NewPgWorkflowStore(pool), pool.Close, nil
	default:
		logger.Info("using in-memory storage")
		return store.NewMemoryRequestStore(), store.NewMemoryWorkflowStore(), nil, nil
	}
}

// buildDedupStore opens the Redis processed-result store when enabled.
func buildDedupStore(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (dispatch.ProcessedStore, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	addr := os.Getenv(cfg.AddrEnv)
	if addr == "" {
		return nil, nil, fmt.Errorf("dedup store: %s environment variable not set", cfg.AddrEnv)
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("dedup store: ping: %w", err)
	}

	logger.Info("using redis dedup store", zap.Int("db", cfg.DB))
	return dispatch.NewRedisProcessedStore(client), func() { client.Close() }, nil
}

// buildBus connects the message bus based on config.
func buildBus(cfg config.BusConfig, logger *zap.Logger) (bus.Bus, error) {
	switch cfg.Driver {
	case "nats":
		b, err := bus.NewNATSBus(bus.NATSOptions{
			URL:           os.Getenv(cfg.URLEnv),
			Name:          cfg.Name,
			ReconnectWait: cfg.ReconnectWait,
			MaxReconnects: cfg.MaxReconnects,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("connected to nats bus")
		return b, nil
	default:
		logger.Info("using in-memory bus; workers must run in process")
		return bus.NewMemoryBus(), nil
	}
}

// buildNodesManager builds the Kubernetes worker node manager when enabled.
func buildNodesManager(cfg config.NodesConfig, logger *zap.Logger) (*nodes.Manager, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var (
		restCfg *rest.Config
		err     error
	)
	if cfg.InCluster {
		restCfg, err = rest.InClusterConfig()
	} else {
		restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("nodes: kubernetes config: %w", err)
	}

	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("nodes: kubernetes client: %w", err)
	}

	logger.Info("node manager enabled", zap.String("namespace", cfg.Namespace))
	return nodes.NewManager(client, restCfg, cfg.Namespace, nodes.WithLogger(logger)), nil
}

// runMaintenance drives the periodic engine and registry sweeps until the
// context is cancelled.
func runMaintenance(ctx context.Context, eng *engine.Engine, reg *workers.Registry, metrics *observability.Metrics, cfg config.EngineConfig, logger *zap.Logger) {
	timeoutEvery := cfg.TimeoutSweepInterval
	if timeoutEvery <= 0 {
		timeoutEvery = 30 * time.Second
	}
	retryEvery := cfg.RetrySweepInterval
	if retryEvery <= 0 {
		retryEvery = 5 * time.Second
	}
	staleAfter := cfg.WorkerStaleAfter
	if staleAfter <= 0 {
		staleAfter = 90 * time.Second
	}

	timeoutTick := time.NewTicker(timeoutEvery)
	defer timeoutTick.Stop()
	retryTick := time.NewTicker(retryEvery)
	defer retryTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timeoutTick.C:
			now := time.Now().UTC()
			if n, err := eng.ProcessTimeouts(ctx, now); err != nil {
				logger.Error("timeout sweep failed", zap.Error(err))
			} else if n > 0 {
				logger.Info("timed out assignments failed", zap.Int("count", n))
			}
			if n := reg.MarkStale(now, staleAfter); n > 0 {
				logger.Info("stale workers marked unknown", zap.Int("count", n))
			}
			metrics.UpdateWorkerCensus(reg.List())
		case <-retryTick.C:
			if _, err := eng.ProcessRetries(ctx, time.Now().UTC()); err != nil {
				logger.Error("retry sweep failed", zap.Error(err))
			}
		}
	}
}
