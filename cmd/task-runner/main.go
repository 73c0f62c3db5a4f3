// Command task-runner executes a single transcode job and exits. It is the
// entrypoint of the sandbox containers started by the worker service; the job
// identity and connection settings arrive through the environment.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/hls-worker/internal/bootstrap"
	"github.com/cuongbtq/hls-worker/internal/config"
	"github.com/cuongbtq/hls-worker/internal/worker/domain"
	"github.com/cuongbtq/hls-worker/internal/worker/executor"
	"github.com/cuongbtq/hls-worker/internal/worker/queue"
	"github.com/cuongbtq/hls-worker/internal/worker/storage"
	"github.com/joho/godotenv"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Load .env file if it exists
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadFromEnv(ctx)
	if err != nil {
		log.Println(err)
		return executor.ExitFail
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		log.Println(fmt.Errorf("failed to initialize logger: %w", err))
		return executor.ExitFail
	}
	defer appLogger.Close()

	if err := cfg.Validate(); err != nil {
		appLogger.Error("Invalid config", slog.Any("error", err))
		return executor.ExitFail
	}

	msg := domain.JobMessage{
		JobID:     os.Getenv(executor.EnvJobID),
		SourceKey: os.Getenv(executor.EnvSourceKey),
		OwnerID:   os.Getenv(executor.EnvOwnerID),
	}
	if err := queue.Validate(msg); err != nil {
		appLogger.Error("Invalid task environment", slog.Any("error", err))
		return executor.ExitFail
	}

	workerID := bootstrap.WorkerID(&cfg.Worker)
	logger := appLogger.With(
		slog.String("worker_id", workerID),
		slog.String("job_id", msg.JobID),
	).Logger

	dbClient, err := bootstrap.InitDatabase(ctx, &cfg.Database, logger)
	if err != nil {
		logger.Error("Failed to initialize database", slog.Any("error", err))
		return executor.ExitRetry
	}
	defer dbClient.Close()

	artifacts, err := bootstrap.InitArtifactStore(ctx, &cfg.Storage)
	if err != nil {
		logger.Error("Failed to initialize object store", slog.Any("error", err))
		return executor.ExitRetry
	}

	jobStore := storage.NewStorage(dbClient.GetDB(), logger)
	p := bootstrap.NewPipeline(cfg, workerID, jobStore, artifacts, logger)

	err = p.Run(ctx, msg)
	code := executor.ExitCode(err)

	switch {
	case err == nil:
		logger.Info("Task finished")
	case errors.Is(err, domain.ErrJobTerminal):
		logger.Info("Job already finished, nothing to do")
	default:
		logger.Error("Task failed",
			slog.Any("error", err),
			slog.Int("exit_code", code),
		)
	}

	return code
}
