// Package bootstrap builds the service dependencies from configuration. It is
// shared by the worker service, the sandbox task runner and the enqueue tool.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cuongbtq/hls-worker/internal/config"
	"github.com/cuongbtq/hls-worker/internal/worker/artifact"
	"github.com/cuongbtq/hls-worker/internal/worker/domain"
	"github.com/cuongbtq/hls-worker/internal/worker/executor"
	"github.com/cuongbtq/hls-worker/internal/worker/media"
	"github.com/cuongbtq/hls-worker/internal/worker/pipeline"
	"github.com/cuongbtq/hls-worker/internal/worker/queue"
	"github.com/cuongbtq/hls-worker/internal/worker/storage"
	"github.com/cuongbtq/hls-worker/shared/database"
	"github.com/cuongbtq/hls-worker/shared/logger"
	"github.com/cuongbtq/hls-worker/shared/rabbitmq"
	"github.com/cuongbtq/hls-worker/shared/redis"
	"github.com/google/uuid"
)

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// DatabaseConfig maps the Job Store settings onto the database client config
func DatabaseConfig(cfg *config.DatabaseConfig) *database.Config {
	return &database.Config{
		Driver:          cfg.Driver,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}
}

// InitDatabase connects to the Job Store. A sqlite database gets its schema
// applied on open.
func InitDatabase(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*database.Client, error) {
	client, err := database.NewClient(DatabaseConfig(cfg), logger)
	if err != nil {
		return nil, err
	}

	if cfg.Driver == database.DriverSQLite {
		if err := storage.EnsureSQLiteSchema(ctx, client.GetDB()); err != nil {
			client.Close()
			return nil, err
		}
	}

	return client, nil
}

// InitArtifactStore creates the object store selected by cfg.Backend
func InitArtifactStore(ctx context.Context, cfg *config.StorageConfig) (artifact.Store, error) {
	switch cfg.Backend {
	case config.StorageBackendS3, "":
		return artifact.NewS3Store(ctx, artifact.S3Config{
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
		})
	case config.StorageBackendMinio:
		return artifact.NewMinioStore(artifact.MinioConfig{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKeyID,
			SecretKey: cfg.SecretAccessKey,
			UseSSL:    cfg.UseSSL,
			Region:    cfg.Region,
			Bucket:    cfg.Bucket,
		})
	default:
		return nil, fmt.Errorf("unsupported storage backend: %q", cfg.Backend)
	}
}

// RabbitMQConfig maps the broker settings onto the RabbitMQ client config
func RabbitMQConfig(cfg *config.RabbitMQConfig) *rabbitmq.Config {
	return &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		DeadLetterExchange: cfg.Queue.DeadLetterExchange,
		DeadLetterQueue:    cfg.Queue.DeadLetterQueue,
		ConsumerTimeout:    cfg.Consumer.Timeout,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}
}

// InitRabbitMQ initializes the RabbitMQ client
func InitRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(RabbitMQConfig(cfg), logger)
}

// InitRedis initializes the Redis client
func InitRedis(ctx context.Context, cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	return redis.NewClient(ctx, &redis.Config{
		Addr:          cfg.Addr,
		Password:      cfg.Password,
		DB:            cfg.DB,
		RetryAttempts: cfg.RetryAttempts,
		RetryInterval: cfg.RetryInterval,
	}, logger)
}

// RedisQueueConfig maps the queue settings onto the Redis queue config. The
// lease matches the worker lease so heartbeats keep it alive.
func RedisQueueConfig(cfg *config.Config) queue.RedisConfig {
	return queue.RedisConfig{
		KeyPrefix:     cfg.Queue.KeyPrefix,
		LeaseDuration: cfg.Worker.LeaseDuration,
		MaxAttempts:   cfg.Queue.MaxAttempts,
		PollTimeout:   cfg.Queue.PollTimeout,
		ReapInterval:  cfg.Queue.ReapInterval,
	}
}

// FailDeadLettered returns a hook that marks jobs FAILED when the Redis
// reaper dead-letters them after their last lease expired.
func FailDeadLettered(jobs storage.JobStore, logger *slog.Logger) func(ctx context.Context, jobID string) {
	return func(ctx context.Context, jobID string) {
		err := jobs.FailJob(ctx, jobID)
		if err != nil && !errors.Is(err, domain.ErrJobTerminal) && !errors.Is(err, domain.ErrJobNotFound) {
			logger.Error("Failed to fail dead-lettered job",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
			return
		}
		logger.Warn("Dead-lettered job marked failed", slog.String("job_id", jobID))
	}
}

// WorkerID returns the configured worker id or derives one from the host name
func WorkerID(cfg *config.WorkerConfig) string {
	if cfg.ID != "" {
		return cfg.ID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

// PipelineConfig maps the transcode settings onto the pipeline config
func PipelineConfig(cfg *config.Config, workerID string) pipeline.Config {
	return pipeline.Config{
		WorkerID:          workerID,
		WorkspaceRoot:     cfg.Pipeline.WorkspaceRoot,
		PublicBaseURL:     cfg.Storage.PublicBaseURL,
		ThumbnailWidth:    cfg.Transcoder.ThumbnailWidth,
		ThumbnailRequired: cfg.Pipeline.ThumbnailRequired,
		WaveformWidth:     cfg.Transcoder.WaveformWidth,
		WaveformHeight:    cfg.Transcoder.WaveformHeight,
		SegmentSeconds:    cfg.Transcoder.SegmentSeconds,
		ProgressInterval:  cfg.Pipeline.ProgressInterval,
		ProgressStep:      cfg.Pipeline.ProgressStep,
		FailAttempts:      cfg.Pipeline.FailAttempts,
		FailBackoff:       cfg.Pipeline.FailBackoff,
	}
}

// NewPipeline wires the pipeline to ffmpeg
func NewPipeline(cfg *config.Config, workerID string, jobs storage.JobStore, artifacts artifact.Store, logger *slog.Logger) *pipeline.Pipeline {
	transcoder := media.NewFFmpeg(media.Config{
		FFmpegPath:  cfg.Transcoder.FFmpegPath,
		FFprobePath: cfg.Transcoder.FFprobePath,
		Preset:      cfg.Transcoder.Preset,
		Logger:      logger,
	})
	return pipeline.New(PipelineConfig(cfg, workerID), jobs, artifacts, transcoder, logger)
}

// DockerConfig maps the sandbox settings onto the Docker executor config.
// Sandboxes receive the connection settings through cfg.SandboxEnv and claim
// jobs under the parent worker id.
func DockerConfig(cfg *config.Config, workerID string) executor.DockerConfig {
	return executor.DockerConfig{
		Image:       cfg.Docker.Image,
		Command:     cfg.Docker.Command,
		Network:     cfg.Docker.Network,
		AutoRemove:  cfg.Docker.AutoRemove,
		MemoryBytes: cfg.Docker.MemoryMB << 20,
		NanoCPUs:    int64(cfg.Docker.CPUs * 1e9),
		Env:         append(cfg.SandboxEnv(), "WORKER_ID="+workerID),
	}
}
