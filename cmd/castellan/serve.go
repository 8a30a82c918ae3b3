package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/castellan/castellan/internal/approval"
	"github.com/castellan/castellan/internal/classifier"
	"github.com/castellan/castellan/internal/config"
	"github.com/castellan/castellan/internal/events"
	"github.com/castellan/castellan/internal/gateway/httpapi"
	"github.com/castellan/castellan/internal/llm/anthropic"
	"github.com/castellan/castellan/internal/observability"
	"github.com/castellan/castellan/internal/orchestrator"
	"github.com/castellan/castellan/internal/ratelimit"
	"github.com/castellan/castellan/internal/requestlog"
	"github.com/castellan/castellan/internal/runtime"
	"github.com/castellan/castellan/internal/storage"
	pgstore "github.com/castellan/castellan/internal/storage/postgres"
	sqlitestore "github.com/castellan/castellan/internal/storage/sqlite"
	"github.com/castellan/castellan/internal/supervisor"
	goutils "github.com/jkaninda/go-utils"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	serveConfigPath string
	serveAddr       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sandbox gateway (HTTP API, event stream, request log)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `castellan --config path` and `castellan serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", "", "path to config file")
		cmd.Flags().StringVar(&serveAddr, "addr", "", "override HTTP listen address (e.g. :8090)")
	}
}

// runServe wires every subsystem together and blocks until a signal.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(goutils.Env("CASTELLAN_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Gateway.ListenAddr = serveAddr
	}

	logger := initLogger(cfg.Log)
	logger.Info("starting castellan",
		slog.String("version", version),
		slog.String("data_dir", cfg.DataDir),
		slog.Int("servers", len(cfg.Servers)),
	)

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return fmt.Errorf("creating data directory %s: %w", cfg.DataDir, err)
	}

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	}()

	// Storage.
	store, err := initStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	}()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Event broadcaster feeding the WebSocket stream.
	broadcaster := events.NewBroadcaster(256, logger)

	// Container runtime and server supervisor.
	machine := runtime.NewMachine()
	engine := runtime.NewPodmanEngine(cfg.Runtime, logger)
	controller := runtime.NewController(engine, machine, broadcaster, cfg.Runtime, logger)
	connector := supervisor.NewPodmanConnector(cfg)
	sup := supervisor.New(cfg.Servers, connector, engine, broadcaster, cfg.Runtime.Parallelism(), logger)

	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("database", store.Ping)
		obs.Health.AddCheck("runtime", engine.Ping)
		obs.Health.AddCheck("sandbox", func(ctx context.Context) error {
			if s := machine.State(); s == runtime.Failed {
				return fmt.Errorf("sandbox is in state %s", s)
			}
			return nil
		})
	}

	// Tool risk classifier (optional).
	cls, err := initClassifier(ctx, cfg, store, logger)
	if err != nil {
		return err
	}

	// Approval gate.
	manager := approval.NewManager(cfg.Approval.Timeout(), logger)
	cancelCleanup := manager.StartCleanup(ctx, cfg.Approval.CleanupInterval())
	defer cancelCleanup()

	var auto *approval.AutoApprover
	if cfg.Approval.Auto != nil && cfg.Approval.Auto.Enabled {
		auto = approval.NewAutoApprover(*cfg.Approval.Auto, logger)
		logger.Debug("auto-approval enabled",
			slog.Int("required_approvals", cfg.Approval.Auto.RequiredApprovals),
		)
	}

	var classifications approval.Classifications = noClassifications{}
	if cls != nil {
		classifications = cls
	}
	gate := approval.NewGate(manager, classifications, auto, logger)

	// Request log pipeline.
	recorder := requestlog.NewRecorder(store.RequestLogs(), cfg.RequestLog.Buffer(), logger)
	recorder.Start()
	defer recorder.Close()

	janitor, err := requestlog.NewJanitor(store.RequestLogs(), cfg.RequestLog.Schedule(), cfg.RequestLog.Retention(), logger)
	if err != nil {
		return fmt.Errorf("initializing log janitor: %w", err)
	}
	cancelJanitor := janitor.Start(ctx)
	defer cancelJanitor()

	// Orchestrator and executor.
	registry := storage.ToolAnalysisSaver{Tools: store.Tools()}
	orch := orchestrator.New(controller, sup, machine, broadcaster, cls, registry, obs.MetricsOrNil(), tracerOf(obs), logger)
	executor := orchestrator.NewExecutor(orch, gate, recorder, logger)

	// Tear the sandbox down on exit so no containers outlive the process.
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		orch.Stop(stopCtx)
	}()

	// HTTP gateway.
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
		BurstSize:         cfg.Gateway.BurstSize,
	})
	gwCfg := httpapi.Config{
		ListenAddr:    cfg.Gateway.Addr(),
		EnableDocs:    cfg.Gateway.EnableDocs,
		APIKeys:       cfg.Gateway.APIKeys,
		RetentionDays: cfg.RequestLog.Retention(),
	}
	if obs != nil {
		if obs.Metrics != nil {
			gwCfg.MetricsRegistry = obs.Metrics.Registry
			gwCfg.Metrics = obs.Metrics
		}
		if obs.Tracer != nil {
			gwCfg.Tracer = obs.Tracer.Tracer()
		}
		gwCfg.HealthChecker = obs.Health
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			gwCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}
	gw := httpapi.NewGateway(gwCfg, orch, executor, manager, store.RequestLogs(), broadcaster, limiter, logger)

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}
	return nil
}

// initLogger builds the slog logger from config.
func initLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// initStore creates the appropriate storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.Storage.StorageDriver(); driver {
	case "sqlite":
		journalMode := "wal"
		if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
		return sqlitestore.Open(sqlitestore.Config{
			Path:        cfg.SQLitePath(),
			JournalMode: journalMode,
		}, logger)
	case "postgres":
		var dsn string
		pgCfg := pgstore.Config{}
		if cfg.Storage != nil && cfg.Storage.Postgres != nil {
			dsn = cfg.Storage.Postgres.DSN
			pgCfg.MaxOpenConns = cfg.Storage.Postgres.MaxOpenConns
			pgCfg.MaxIdleConns = cfg.Storage.Postgres.MaxIdleConns
			pgCfg.ConnMaxLifetime = time.Duration(cfg.Storage.Postgres.ConnMaxLifetimeS) * time.Second
		}
		if envDSN := os.Getenv("CASTELLAN_DB_DSN"); envDSN != "" {
			dsn = envDSN
		}
		if dsn == "" {
			return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or CASTELLAN_DB_DSN)")
		}
		pgCfg.DSN = dsn
		return pgstore.Open(pgCfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

// initClassifier builds the tool risk classifier and rehydrates its cache
// from previously analyzed tools. Returns nil when disabled.
func initClassifier(ctx context.Context, cfg *config.Config, store storage.Store, logger *slog.Logger) (*classifier.Classifier, error) {
	if !cfg.Classifier.Enabled {
		return nil, nil
	}
	if cfg.Classifier.ProviderName() != "anthropic" {
		return nil, fmt.Errorf("unknown classifier provider: %q", cfg.Classifier.ProviderName())
	}
	apiKey := cfg.Classifier.Key()
	if apiKey == "" {
		return nil, fmt.Errorf("classifier enabled but API key env %q is empty", cfg.Classifier.APIKeyEnv)
	}

	provider := anthropic.NewClient(apiKey, cfg.Classifier.ModelName(), logger)
	cls := classifier.New(provider, storage.ToolAnalysisSaver{Tools: store.Tools()}, cfg.Classifier, logger)

	// Seed the verdict cache so previously analyzed tools skip the LLM.
	records, err := store.Tools().List(ctx)
	if err != nil {
		logger.Warn("loading stored tool analyses", slog.String("error", err.Error()))
		return cls, nil
	}
	seeded := 0
	for _, rec := range records {
		if rec.AnalyzedAt == nil {
			continue
		}
		cls.Seed(rec.Fingerprint, classifier.Classification{
			IsRead:     rec.IsRead,
			IsWrite:    rec.IsWrite,
			Idempotent: rec.Idempotent,
			Reversible: rec.Reversible,
		})
		seeded++
	}
	logger.Debug("classifier initialized",
		slog.String("model", cfg.Classifier.ModelName()),
		slog.Int("seeded", seeded),
	)
	return cls, nil
}

// tracerOf returns the configured tracer, or a noop tracer when tracing
// is disabled.
func tracerOf(obs *observability.Observability) trace.Tracer {
	if ts := obs.TracerOrNil(); ts != nil {
		return ts.Tracer()
	}
	return noop.NewTracerProvider().Tracer("")
}

// noClassifications is the gate's view when the classifier is disabled:
// every tool is unclassified and therefore requires approval.
type noClassifications struct{}

func (noClassifications) Cached(string) (classifier.Classification, bool) {
	return classifier.Classification{}, false
}
