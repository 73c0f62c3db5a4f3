// Command enqueue publishes a transcode job to the configured queue,
// optionally inserting the PENDING job row first. Useful for local runs and
// for replaying dead-lettered jobs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/cuongbtq/hls-worker/internal/bootstrap"
	"github.com/cuongbtq/hls-worker/internal/config"
	"github.com/cuongbtq/hls-worker/internal/worker/domain"
	"github.com/cuongbtq/hls-worker/internal/worker/queue"
	"github.com/cuongbtq/hls-worker/internal/worker/storage"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	_ = godotenv.Load()

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	jobID := flag.String("job-id", "", "Job id (generated when empty)")
	sourceKey := flag.String("source-key", "", "Object key of the uploaded source")
	ownerID := flag.String("owner-id", "", "Owner of the job")
	create := flag.Bool("create", false, "Insert the PENDING job row before publishing")
	flag.Parse()

	if *jobID == "" {
		*jobID = uuid.NewString()
	}

	msg := domain.JobMessage{JobID: *jobID, SourceKey: *sourceKey, OwnerID: *ownerID}
	if err := queue.Validate(msg); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()
	logger := appLogger.Logger

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if *create {
		dbClient, err := bootstrap.InitDatabase(ctx, &cfg.Database, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer dbClient.Close()

		jobStore := storage.NewStorage(dbClient.GetDB(), logger)
		if err := jobStore.CreateJob(ctx, &domain.Job{
			ID:           msg.JobID,
			OwnerID:      msg.OwnerID,
			SourceKey:    msg.SourceKey,
			OriginalName: path.Base(msg.SourceKey),
		}); err != nil {
			return err
		}
	}

	var publisher queue.Publisher
	switch cfg.Queue.Backend {
	case config.QueueBackendRedis:
		redisClient, err := bootstrap.InitRedis(ctx, &cfg.Redis, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize Redis: %w", err)
		}
		defer redisClient.Close()
		publisher = queue.NewRedisQueue(redisClient.GetClient(), bootstrap.RedisQueueConfig(cfg), logger)
	default:
		rabbitClient, err := bootstrap.InitRabbitMQ(&cfg.RabbitMQ, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()
		publisher = queue.NewRabbitPublisher(rabbitClient)
	}

	if err := publisher.Publish(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}

	logger.Info("Job enqueued",
		slog.String("job_id", msg.JobID),
		slog.String("source_key", msg.SourceKey),
		slog.String("queue", cfg.Queue.Backend),
	)
	return nil
}
