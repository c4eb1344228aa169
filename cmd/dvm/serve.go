package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iago/llm-dvm/internal/ai"
	"github.com/iago/llm-dvm/internal/cache"
	"github.com/iago/llm-dvm/internal/codec"
	"github.com/iago/llm-dvm/internal/config"
	"github.com/iago/llm-dvm/internal/engine"
	httpserver "github.com/iago/llm-dvm/internal/http"
	"github.com/iago/llm-dvm/internal/http/handlers"
	"github.com/iago/llm-dvm/internal/logging"
	"github.com/iago/llm-dvm/internal/metrics"
	"github.com/iago/llm-dvm/internal/payment"
	"github.com/iago/llm-dvm/internal/policy"
	"github.com/iago/llm-dvm/internal/queue"
	"github.com/iago/llm-dvm/internal/relay"
	"github.com/iago/llm-dvm/internal/repository"
	"github.com/iago/llm-dvm/internal/tracing"
)

var (
	serveAutostart bool
	servePort      string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin API and the job engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if cmd.Flags().Changed("autostart") {
			cfg.EngineAutostart = serveAutostart
		}
		if servePort != "" {
			cfg.Port = servePort
		}
		return serve(cfg)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveAutostart, "autostart", false, "start the engine at boot (default ENGINE_AUTOSTART)")
	serveCmd.Flags().StringVar(&servePort, "port", "", "admin API port (default PORT)")
}

func serve(cfg config.Config) error {
	logger, err := logging.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := tracing.New(ctx, tracing.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	})
	if err != nil {
		logger.Warnw("tracing exporter unavailable, spans stay local", "error", err)
		tracer = tracing.Noop()
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	collector := metrics.NewCollector()
	telemetry := &engine.Telemetry{Logger: logger, Metrics: collector, Tracer: tracer}

	store, storeCloser := setupStore(ctx, cfg, logger)
	defer storeCloser()

	intake, seen, intakeCloser := setupIntake(ctx, cfg, logger)
	defer intakeCloser()

	settings := config.NewViperSettings(cfg.SettingsFile, logger)
	go func() {
		if err := settings.Watch(ctx); err != nil {
			logger.Warnw("settings watcher stopped", "error", err)
		}
	}()

	relays := relay.NewPool(relay.Config{
		DialTimeout: config.Millis(cfg.RelayDialTimeoutMS),
		PublishRPS:  cfg.RelayPublishRPS,
		Observer:    collector,
		Logger:      logger,
	})
	defer relays.Close()

	payments := setupPayments(cfg, logger)

	orchestrator := engine.NewOrchestrator(engine.OrchestratorDeps{
		Settings:   settings,
		Relays:     relays,
		Generator:  setupGenerator(cfg, logger),
		Payments:   payments,
		Codec:      codec.NewNIP04(),
		Store:      store,
		Seen:       seen,
		Policy:     policy.NewPromptPolicy(cfg.PromptMaxChars, cfg.PromptBlocklist),
		Telemetry:  telemetry,
		Logger:     logger,
		JobTimeout: config.Millis(cfg.JobTimeoutMS),
	})

	var reconciler *engine.Reconciler
	if payments != nil {
		reconciler = engine.NewReconciler(engine.ReconcilerDeps{
			Settings:  settings,
			Store:     store,
			Payments:  payments,
			Telemetry: telemetry,
			Logger:    logger,
			PageSize:  cfg.ReconcilePageSize,
		})
	}

	controller := engine.NewController(engine.ControllerDeps{
		Settings:          settings,
		Relays:            relays,
		Queue:             intake,
		Orchestrator:      orchestrator,
		Reconciler:        reconciler,
		Telemetry:         telemetry,
		Logger:            logger,
		Concurrency:       cfg.WorkerConcurrency,
		ReconcileInterval: config.Millis(cfg.ReconcileIntervalMS),
		ShutdownGrace:     config.Millis(cfg.ShutdownGraceMS),
	})

	api := handlers.NewAPI(handlers.APIDeps{
		Engine:   controller,
		Jobs:     store,
		Settings: settings,
		Logger:   logger,
	})
	handler := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		Tracer:         tracer,
		Metrics:        collector,
		AuthToken:      cfg.AuthToken,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Infow("admin api listening", "port", cfg.Port)
		errChan <- server.ListenAndServe()
	}()

	if cfg.EngineAutostart {
		if err := controller.Start(ctx); err != nil {
			logger.Errorw("engine autostart failed", "error", err)
		}
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Infow("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("admin api: %w", err)
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), config.Millis(cfg.ShutdownGraceMS)+5*time.Second)
	defer cancel()
	if err := controller.Stop(stopCtx); err != nil {
		logger.Warnw("engine stop failed", "error", err)
	}
	if err := server.Shutdown(stopCtx); err != nil {
		logger.Warnw("graceful shutdown failed", "error", err)
	}
	return serveErr
}

func setupStore(
	ctx context.Context,
	cfg config.Config,
	logger *zap.SugaredLogger,
) (repository.JobRecordStore, func()) {
	if cfg.DatabaseURL != "" {
		if cfg.RunMigrations {
			if err := repository.RunMigrations(cfg.DatabaseURL); err != nil {
				logger.Errorw("postgres migrations failed", "error", err)
			}
		}
		pgStore, err := repository.NewPostgresJobRecordStore(ctx, cfg.DatabaseURL)
		if err == nil {
			logger.Infow("postgres job store initialized")
			return pgStore, pgStore.Close
		}
		logger.Errorw("failed to initialize postgres job store, falling back", "error", err)
	}

	if cfg.SQLitePath != "" {
		sqliteStore, err := repository.NewSQLiteJobRecordStore(cfg.SQLitePath)
		if err == nil {
			logger.Infow("sqlite job store initialized", "path", cfg.SQLitePath)
			return sqliteStore, func() { _ = sqliteStore.Close() }
		}
		logger.Errorw("failed to initialize sqlite job store, falling back", "error", err)
	}

	logger.Infow("no database configured, using in-memory job store")
	return repository.NewMemoryJobRecordStore(), func() {}
}

func setupIntake(
	ctx context.Context,
	cfg config.Config,
	logger *zap.SugaredLogger,
) (queue.Queue, cache.SeenStore, func()) {
	dedupeTTL := time.Duration(cfg.DedupeTTLSeconds) * time.Second
	local := func() (queue.Queue, cache.SeenStore, func()) {
		return queue.NewLocalQueue(cfg.QueueBufferSize, cfg.QueueMaxAttempts, logger),
			cache.NewMemorySeen(cache.Config{TTL: dedupeTTL}),
			func() {}
	}

	if cfg.RedisAddr == "" {
		logger.Infow("REDIS_ADDR not configured, using local intake queue")
		return local()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	streams, err := queue.NewStreamsQueue(ctx, queue.StreamsConfig{
		Client:      client,
		Stream:      cfg.RedisStream,
		DLQStream:   cfg.RedisDLQ,
		Group:       cfg.RedisGroup,
		Consumer:    cfg.RedisConsumer,
		MaxAttempts: cfg.QueueMaxAttempts,
		Logger:      logger,
	})
	if err != nil {
		_ = client.Close()
		logger.Errorw("failed to initialize redis streams queue, falling back to local", "error", err)
		return local()
	}

	logger.Infow("redis streams intake initialized", "stream", cfg.RedisStream)
	return streams, cache.NewRedisSeen(client, "", dedupeTTL), func() {
		_ = client.Close()
	}
}

func setupGenerator(cfg config.Config, logger *zap.SugaredLogger) ai.TextGenerator {
	timeout := config.Millis(cfg.InferenceTimeoutMS)
	switch cfg.InferenceBackend {
	case "openai":
		logger.Infow("inference backend selected", "backend", "openai", "base_url", cfg.OpenAIBaseURL)
		return ai.NewOpenAIClient(ai.OpenAIClientConfig{
			APIKey:     cfg.OpenAIAPIKey,
			BaseURL:    cfg.OpenAIBaseURL,
			Timeout:    timeout,
			MaxRetries: cfg.InferenceMaxRetries,
			AppName:    cfg.ServiceName,
		})
	default:
		logger.Infow("inference backend selected", "backend", "ollama", "base_url", cfg.OllamaBaseURL)
		return ai.NewOllamaClient(ai.OllamaClientConfig{
			BaseURL:    cfg.OllamaBaseURL,
			Timeout:    timeout,
			MaxRetries: cfg.InferenceMaxRetries,
		})
	}
}

func setupPayments(cfg config.Config, logger *zap.SugaredLogger) payment.Processor {
	if cfg.LNbitsURL == "" || cfg.LNbitsInvoiceKey == "" {
		logger.Warnw("LNBITS_URL or LNBITS_INVOICE_KEY missing, only free jobs can complete")
		return nil
	}
	return payment.NewLNbitsClient(payment.LNbitsClientConfig{
		BaseURL:    cfg.LNbitsURL,
		InvoiceKey: cfg.LNbitsInvoiceKey,
		Timeout:    config.Millis(cfg.LNbitsTimeoutMS),
		Logger:     logger,
	})
}
