package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/hls-worker/internal/bootstrap"
	"github.com/cuongbtq/hls-worker/internal/config"
	"github.com/cuongbtq/hls-worker/internal/health"
	"github.com/cuongbtq/hls-worker/internal/worker"
	"github.com/cuongbtq/hls-worker/internal/worker/executor"
	"github.com/cuongbtq/hls-worker/internal/worker/queue"
	"github.com/cuongbtq/hls-worker/internal/worker/storage"
	"github.com/cuongbtq/hls-worker/internal/worker/workspace"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	workerID := bootstrap.WorkerID(&cfg.Worker)
	logger := appLogger.With(slog.String("worker_id", workerID)).Logger

	logger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("queue", cfg.Queue.Backend),
		slog.String("isolation", cfg.Worker.Isolation),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reclaim scratch space left by a crashed process
	removed, err := workspace.Sweep(cfg.Pipeline.WorkspaceRoot, cfg.Pipeline.StaleWorkspaceAge)
	if err != nil {
		logger.Warn("Failed to sweep stale workspaces", slog.Any("error", err))
	}
	if len(removed) > 0 {
		logger.Info("Removed stale workspaces", slog.Int("count", len(removed)))
	}

	// Initialize Job Store
	dbClient, err := bootstrap.InitDatabase(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	jobStore := storage.NewStorage(dbClient.GetDB(), logger)
	checks := map[string]health.Check{
		"database": dbClient.HealthCheck,
	}

	// Initialize queue
	var source queue.Source
	switch cfg.Queue.Backend {
	case config.QueueBackendRedis:
		redisClient, err := bootstrap.InitRedis(ctx, &cfg.Redis, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize Redis: %w", err)
		}
		defer redisClient.Close()

		queueCfg := bootstrap.RedisQueueConfig(cfg)
		queueCfg.OnDeadLetter = bootstrap.FailDeadLettered(jobStore, logger)
		source = queue.NewRedisQueue(redisClient.GetClient(), queueCfg, logger)
		checks["redis"] = redisClient.HealthCheck
	default:
		rabbitClient, err := bootstrap.InitRabbitMQ(&cfg.RabbitMQ, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		prefetch := cfg.RabbitMQ.Consumer.PrefetchCount
		if prefetch <= 0 {
			prefetch = cfg.Worker.Concurrency
		}
		source = queue.NewRabbitSource(rabbitClient, workerID, prefetch, logger)
		checks["rabbitmq"] = func(context.Context) error {
			if !rabbitClient.IsConnected() {
				return errors.New("rabbitmq connection closed")
			}
			return nil
		}
	}

	// Initialize executor
	var exec executor.Executor
	switch cfg.Worker.Isolation {
	case config.IsolationDocker:
		dockerClient, err := executor.NewDockerClient()
		if err != nil {
			return err
		}
		defer dockerClient.Close()

		exec = executor.NewDocker(dockerClient, bootstrap.DockerConfig(cfg, workerID), logger)
		checks["docker"] = func(ctx context.Context) error {
			_, err := dockerClient.Ping(ctx)
			return err
		}
	default:
		artifacts, err := bootstrap.InitArtifactStore(ctx, &cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to initialize object store: %w", err)
		}
		exec = executor.NewInProcess(bootstrap.NewPipeline(cfg, workerID, jobStore, artifacts, logger))
	}

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:            logger,
		Source:            source,
		Executor:          exec,
		JobStore:          jobStore,
		WorkerID:          workerID,
		Concurrency:       cfg.Worker.Concurrency,
		JobTimeout:        cfg.Worker.JobTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		LeaseDuration:     cfg.Worker.LeaseDuration,
		ShutdownTimeout:   cfg.Worker.ShutdownTimeout,
	})

	// Start health server
	var healthServer *health.Server
	if cfg.Health.Enabled {
		healthServer = health.NewServer(cfg.Health.Port, workerInstance, checks, logger)
		go func() {
			if err := healthServer.Start(); err != nil {
				logger.Error("Health server error", slog.Any("error", err))
			}
		}()
	}

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- workerInstance.Start(ctx)
	}()

	logger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		logger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
		// Stop consuming; Start returns once in-flight jobs are drained or
		// the shutdown timeout cancels them.
		cancel()
		runErr = <-errChan
	case runErr = <-errChan:
		logger.Error("Worker error",
			slog.Any("error", runErr),
		)
	}

	if healthServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to stop health server", slog.Any("error", err))
		}
	}

	logger.Info("Worker service shutdown complete",
		slog.Int64("succeeded", workerInstance.Stats().Succeeded),
		slog.Int64("failed", workerInstance.Stats().Failed),
	)
	return runErr
}
