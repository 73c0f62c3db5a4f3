package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Queue backends
const (
	QueueBackendRabbitMQ = "rabbitmq"
	QueueBackendRedis    = "redis"
)

// Storage backends
const (
	StorageBackendS3    = "s3"
	StorageBackendMinio = "minio"
)

// Isolation modes
const (
	IsolationInProcess = "inprocess"
	IsolationDocker    = "docker"
)

// Config represents the complete application configuration.
// Values come from defaults, then the YAML file, then environment variables.
type Config struct {
	App        AppConfig        `yaml:"app" env:", prefix=APP_"`
	Logging    LoggingConfig    `yaml:"logging" env:", prefix=LOG_"`
	Database   DatabaseConfig   `yaml:"database" env:", prefix=DB_"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq" env:", prefix=RABBITMQ_"`
	Redis      RedisConfig      `yaml:"redis" env:", prefix=REDIS_"`
	Queue      QueueConfig      `yaml:"queue" env:", prefix=QUEUE_"`
	Storage    StorageConfig    `yaml:"storage" env:", prefix=STORAGE_"`
	Transcoder TranscoderConfig `yaml:"transcoder" env:", prefix=TRANSCODER_"`
	Pipeline   PipelineConfig   `yaml:"pipeline" env:", prefix=PIPELINE_"`
	Worker     WorkerConfig     `yaml:"worker" env:", prefix=WORKER_"`
	Docker     DockerConfig     `yaml:"docker" env:", prefix=DOCKER_"`
	Health     HealthConfig     `yaml:"health" env:", prefix=HEALTH_"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name" env:"NAME, overwrite"`
	Version     string `yaml:"version" env:"VERSION, overwrite"`
	Environment string `yaml:"environment" env:"ENVIRONMENT, overwrite"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level" env:"LEVEL, overwrite"`
	Format       string `yaml:"format" env:"FORMAT, overwrite"`
	Output       string `yaml:"output" env:"OUTPUT, overwrite"`
	EnableCaller bool   `yaml:"enable_caller" env:"ENABLE_CALLER, overwrite"`
}

// DatabaseConfig holds Job Store connection configuration
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" env:"DRIVER, overwrite"`
	Host            string        `yaml:"host" env:"HOST, overwrite"`
	Port            int           `yaml:"port" env:"PORT, overwrite"`
	User            string        `yaml:"user" env:"USER, overwrite"`
	Password        string        `yaml:"password" env:"PASSWORD, overwrite"`
	Database        string        `yaml:"database" env:"NAME, overwrite"`
	SSLMode         string        `yaml:"sslmode" env:"SSLMODE, overwrite"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS, overwrite"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS, overwrite"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME, overwrite"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME, overwrite"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string            `yaml:"host" env:"HOST, overwrite"`
	Port       int               `yaml:"port" env:"PORT, overwrite"`
	User       string            `yaml:"user" env:"USER, overwrite"`
	Password   string            `yaml:"password" env:"PASSWORD, overwrite"`
	VHost      string            `yaml:"vhost" env:"VHOST, overwrite"`
	Exchange   ExchangeConfig    `yaml:"exchange" env:", prefix=EXCHANGE_"`
	Queue      RabbitQueueConfig `yaml:"queue" env:", prefix=QUEUE_"`
	RoutingKey string            `yaml:"routing_key" env:"ROUTING_KEY, overwrite"`
	Connection ConnectionConfig  `yaml:"connection" env:", prefix=CONNECTION_"`
	Publish    PublishConfig     `yaml:"publish" env:", prefix=PUBLISH_"`
	Consumer   ConsumerConfig    `yaml:"consumer" env:", prefix=CONSUMER_"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name" env:"NAME, overwrite"`
	Type       string `yaml:"type" env:"TYPE, overwrite"`
	Durable    bool   `yaml:"durable" env:"DURABLE, overwrite"`
	AutoDelete bool   `yaml:"auto_delete" env:"AUTO_DELETE, overwrite"`
}

// RabbitQueueConfig holds RabbitMQ queue configuration
type RabbitQueueConfig struct {
	Name               string `yaml:"name" env:"NAME, overwrite"`
	Durable            bool   `yaml:"durable" env:"DURABLE, overwrite"`
	AutoDelete         bool   `yaml:"auto_delete" env:"AUTO_DELETE, overwrite"`
	Exclusive          bool   `yaml:"exclusive" env:"EXCLUSIVE, overwrite"`
	DeadLetterExchange string `yaml:"dead_letter_exchange" env:"DEAD_LETTER_EXCHANGE, overwrite"`
	DeadLetterQueue    string `yaml:"dead_letter_queue" env:"DEAD_LETTER_QUEUE, overwrite"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts" env:"RETRY_ATTEMPTS, overwrite"`
	RetryInterval     time.Duration `yaml:"retry_interval" env:"RETRY_INTERVAL, overwrite"`
	Heartbeat         time.Duration `yaml:"heartbeat" env:"HEARTBEAT, overwrite"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout" env:"TIMEOUT, overwrite"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts" env:"RETRY_ATTEMPTS, overwrite"`
	RetryInterval     time.Duration `yaml:"retry_interval" env:"RETRY_INTERVAL, overwrite"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" env:"BACKOFF_MULTIPLIER, overwrite"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int           `yaml:"prefetch_count" env:"PREFETCH_COUNT, overwrite"`
	Timeout       time.Duration `yaml:"timeout" env:"TIMEOUT, overwrite"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr          string        `yaml:"addr" env:"ADDR, overwrite"`
	Password      string        `yaml:"password" env:"PASSWORD, overwrite"`
	DB            int           `yaml:"db" env:"DB, overwrite"`
	RetryAttempts int           `yaml:"retry_attempts" env:"RETRY_ATTEMPTS, overwrite"`
	RetryInterval time.Duration `yaml:"retry_interval" env:"RETRY_INTERVAL, overwrite"`
}

// QueueConfig selects the job queue backend and its lease settings
type QueueConfig struct {
	Backend      string        `yaml:"backend" env:"BACKEND, overwrite"`
	KeyPrefix    string        `yaml:"key_prefix" env:"KEY_PREFIX, overwrite"`
	MaxAttempts  int           `yaml:"max_attempts" env:"MAX_ATTEMPTS, overwrite"`
	PollTimeout  time.Duration `yaml:"poll_timeout" env:"POLL_TIMEOUT, overwrite"`
	ReapInterval time.Duration `yaml:"reap_interval" env:"REAP_INTERVAL, overwrite"`
}

// StorageConfig holds object store configuration
type StorageConfig struct {
	Backend         string `yaml:"backend" env:"BACKEND, overwrite"`
	Bucket          string `yaml:"bucket" env:"BUCKET, overwrite"`
	Region          string `yaml:"region" env:"REGION, overwrite"`
	Endpoint        string `yaml:"endpoint" env:"ENDPOINT, overwrite"`
	AccessKeyID     string `yaml:"access_key_id" env:"ACCESS_KEY_ID, overwrite"`
	SecretAccessKey string `yaml:"secret_access_key" env:"SECRET_ACCESS_KEY, overwrite"`
	UseSSL          bool   `yaml:"use_ssl" env:"USE_SSL, overwrite"`
	PublicBaseURL   string `yaml:"public_base_url" env:"PUBLIC_BASE_URL, overwrite"`
}

// TranscoderConfig holds ffmpeg settings
type TranscoderConfig struct {
	FFmpegPath     string `yaml:"ffmpeg_path" env:"FFMPEG_PATH, overwrite"`
	FFprobePath    string `yaml:"ffprobe_path" env:"FFPROBE_PATH, overwrite"`
	Preset         string `yaml:"preset" env:"PRESET, overwrite"`
	SegmentSeconds int    `yaml:"segment_seconds" env:"SEGMENT_SECONDS, overwrite"`
	ThumbnailWidth int    `yaml:"thumbnail_width" env:"THUMBNAIL_WIDTH, overwrite"`
	WaveformWidth  int    `yaml:"waveform_width" env:"WAVEFORM_WIDTH, overwrite"`
	WaveformHeight int    `yaml:"waveform_height" env:"WAVEFORM_HEIGHT, overwrite"`
}

// PipelineConfig holds per-job pipeline settings
type PipelineConfig struct {
	WorkspaceRoot     string        `yaml:"workspace_root" env:"WORKSPACE_ROOT, overwrite"`
	StaleWorkspaceAge time.Duration `yaml:"stale_workspace_age" env:"STALE_WORKSPACE_AGE, overwrite"`
	ThumbnailRequired bool          `yaml:"thumbnail_required" env:"THUMBNAIL_REQUIRED, overwrite"`
	ProgressInterval  time.Duration `yaml:"progress_interval" env:"PROGRESS_INTERVAL, overwrite"`
	ProgressStep      int           `yaml:"progress_step" env:"PROGRESS_STEP, overwrite"`
	FailAttempts      int           `yaml:"fail_attempts" env:"FAIL_ATTEMPTS, overwrite"`
	FailBackoff       time.Duration `yaml:"fail_backoff" env:"FAIL_BACKOFF, overwrite"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID                string        `yaml:"id" env:"ID, overwrite"`
	Isolation         string        `yaml:"isolation" env:"ISOLATION, overwrite"`
	Concurrency       int           `yaml:"concurrency" env:"CONCURRENCY, overwrite"`
	JobTimeout        time.Duration `yaml:"job_timeout" env:"JOB_TIMEOUT, overwrite"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL, overwrite"`
	LeaseDuration     time.Duration `yaml:"lease_duration" env:"LEASE_DURATION, overwrite"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT, overwrite"`
}

// DockerConfig holds sandbox container settings
type DockerConfig struct {
	Image      string   `yaml:"image" env:"IMAGE, overwrite"`
	Command    []string `yaml:"command" env:"COMMAND, overwrite"`
	Network    string   `yaml:"network" env:"NETWORK, overwrite"`
	AutoRemove bool     `yaml:"auto_remove" env:"AUTO_REMOVE, overwrite"`
	MemoryMB   int64    `yaml:"memory_mb" env:"MEMORY_MB, overwrite"`
	CPUs       float64  `yaml:"cpus" env:"CPUS, overwrite"`
}

// HealthConfig holds the health server settings
type HealthConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED, overwrite"`
	Port    int  `yaml:"port" env:"PORT, overwrite"`
}

// Default returns the configuration used when a setting is not provided
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:        "hls-worker",
			Version:     "dev",
			Environment: "development",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			Port:            5432,
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		RabbitMQ: RabbitMQConfig{
			Port:       5672,
			VHost:      "/",
			Exchange:   ExchangeConfig{Name: "transcode", Type: "direct", Durable: true},
			Queue:      RabbitQueueConfig{Name: "transcode.jobs", Durable: true},
			RoutingKey: "transcode",
			Connection: ConnectionConfig{
				RetryAttempts: 5,
				RetryInterval: 2 * time.Second,
				Heartbeat:     10 * time.Second,
			},
			Publish: PublishConfig{
				RetryAttempts:     3,
				RetryInterval:     100 * time.Millisecond,
				BackoffMultiplier: 2,
			},
		},
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			RetryAttempts: 5,
			RetryInterval: 2 * time.Second,
		},
		Queue: QueueConfig{
			Backend:      QueueBackendRabbitMQ,
			KeyPrefix:    "hls:jobs",
			MaxAttempts:  3,
			PollTimeout:  5 * time.Second,
			ReapInterval: 30 * time.Second,
		},
		Storage: StorageConfig{
			Backend: StorageBackendS3,
			Region:  "auto",
			UseSSL:  true,
		},
		Transcoder: TranscoderConfig{
			FFmpegPath:     "ffmpeg",
			FFprobePath:    "ffprobe",
			Preset:         "veryfast",
			SegmentSeconds: 10,
			ThumbnailWidth: 640,
			WaveformWidth:  1280,
			WaveformHeight: 240,
		},
		Pipeline: PipelineConfig{
			WorkspaceRoot:     filepath.Join(os.TempDir(), "hls-worker"),
			StaleWorkspaceAge: 6 * time.Hour,
			ThumbnailRequired: true,
			ProgressInterval:  2 * time.Second,
			ProgressStep:      5,
			FailAttempts:      3,
			FailBackoff:       200 * time.Millisecond,
		},
		Worker: WorkerConfig{
			Isolation:         IsolationInProcess,
			Concurrency:       2,
			JobTimeout:        2 * time.Hour,
			HeartbeatInterval: 30 * time.Second,
			LeaseDuration:     2 * time.Minute,
			ShutdownTimeout:   30 * time.Second,
		},
		Docker: DockerConfig{
			Command:    []string{"/app/task-runner"},
			AutoRemove: true,
			MemoryMB:   2048,
			CPUs:       2,
		},
		Health: HealthConfig{
			Enabled: true,
			Port:    8081,
		},
	}
}

// Load reads the configuration file over the defaults and applies
// environment overrides
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := envconfig.Process(context.Background(), config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return config, nil
}

// LoadFromEnv builds the configuration from defaults and environment
// variables only
func LoadFromEnv(ctx context.Context) (*Config, error) {
	return loadFromLookuper(ctx, envconfig.OsLookuper())
}

func loadFromLookuper(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	config := Default()
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   config,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	return config, nil
}

func validatePort(name string, port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("invalid %s port: %d (must be between %d and %d)", name, port, MinPort, MaxPort)
	}
	return nil
}

// Validate checks the settings every worker process needs
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if err := validatePort("database", c.Database.Port); err != nil {
			return err
		}
	case "sqlite3":
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	switch c.Storage.Backend {
	case StorageBackendS3, StorageBackendMinio:
	default:
		return fmt.Errorf("unsupported storage backend: %q", c.Storage.Backend)
	}

	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage bucket is required")
	}

	if c.Storage.Backend == StorageBackendMinio && c.Storage.Endpoint == "" {
		return fmt.Errorf("storage endpoint is required for minio")
	}

	if c.Storage.PublicBaseURL == "" {
		return fmt.Errorf("storage public_base_url is required")
	}

	if c.Pipeline.WorkspaceRoot == "" {
		return fmt.Errorf("pipeline workspace_root is required")
	}

	return nil
}

// ValidateWorkerConfig checks the settings of the queue-consuming worker service
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	switch c.Queue.Backend {
	case QueueBackendRabbitMQ:
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}
		if err := validatePort("rabbitmq", c.RabbitMQ.Port); err != nil {
			return err
		}
		if c.RabbitMQ.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required")
		}
		if c.RabbitMQ.Queue.Name == "" {
			return fmt.Errorf("rabbitmq queue name is required")
		}
	case QueueBackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required")
		}
	default:
		return fmt.Errorf("unsupported queue backend: %q", c.Queue.Backend)
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.LeaseDuration <= c.Worker.HeartbeatInterval {
		return fmt.Errorf("worker lease_duration must be greater than heartbeat_interval")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	switch c.Worker.Isolation {
	case IsolationInProcess:
	case IsolationDocker:
		if c.Docker.Image == "" {
			return fmt.Errorf("docker image is required for docker isolation")
		}
	default:
		return fmt.Errorf("unsupported worker isolation: %q", c.Worker.Isolation)
	}

	if c.Health.Enabled {
		if err := validatePort("health", c.Health.Port); err != nil {
			return err
		}
	}

	return nil
}

// SandboxEnv renders the settings a sandboxed task runner needs as
// KEY=VALUE pairs that LoadFromEnv reads back.
func (c *Config) SandboxEnv() []string {
	pairs := [][2]string{
		{"APP_ENVIRONMENT", c.App.Environment},
		{"LOG_LEVEL", c.Logging.Level},
		{"LOG_FORMAT", c.Logging.Format},
		{"DB_DRIVER", c.Database.Driver},
		{"DB_HOST", c.Database.Host},
		{"DB_PORT", strconv.Itoa(c.Database.Port)},
		{"DB_USER", c.Database.User},
		{"DB_PASSWORD", c.Database.Password},
		{"DB_NAME", c.Database.Database},
		{"DB_SSLMODE", c.Database.SSLMode},
		{"STORAGE_BACKEND", c.Storage.Backend},
		{"STORAGE_BUCKET", c.Storage.Bucket},
		{"STORAGE_REGION", c.Storage.Region},
		{"STORAGE_ENDPOINT", c.Storage.Endpoint},
		{"STORAGE_ACCESS_KEY_ID", c.Storage.AccessKeyID},
		{"STORAGE_SECRET_ACCESS_KEY", c.Storage.SecretAccessKey},
		{"STORAGE_USE_SSL", strconv.FormatBool(c.Storage.UseSSL)},
		{"STORAGE_PUBLIC_BASE_URL", c.Storage.PublicBaseURL},
		{"TRANSCODER_PRESET", c.Transcoder.Preset},
		{"TRANSCODER_SEGMENT_SECONDS", strconv.Itoa(c.Transcoder.SegmentSeconds)},
		{"TRANSCODER_THUMBNAIL_WIDTH", strconv.Itoa(c.Transcoder.ThumbnailWidth)},
		{"PIPELINE_THUMBNAIL_REQUIRED", strconv.FormatBool(c.Pipeline.ThumbnailRequired)},
		{"PIPELINE_PROGRESS_INTERVAL", c.Pipeline.ProgressInterval.String()},
		{"PIPELINE_PROGRESS_STEP", strconv.Itoa(c.Pipeline.ProgressStep)},
	}

	env := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if strings.TrimSpace(p[1]) == "" {
			continue
		}
		env = append(env, p[0]+"="+p[1])
	}
	return env
}
