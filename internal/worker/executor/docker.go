package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/hls-worker/internal/worker/domain"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// ErrSandboxFailed is returned when the sandbox exits non-zero.
var ErrSandboxFailed = errors.New("sandbox exited with failure")

// ContainerAPI is the subset of the Docker Engine client the executor uses.
type ContainerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// DockerConfig configures sandbox containers
type DockerConfig struct {
	Image       string
	Command     []string
	Network     string
	AutoRemove  bool
	MemoryBytes int64
	NanoCPUs    int64
	// Env is passed through to every sandbox as KEY=VALUE entries.
	Env []string
}

// Docker runs each job in a fresh container whose entrypoint is the task
// runner. The exit code is the job outcome.
type Docker struct {
	api    ContainerAPI
	cfg    DockerConfig
	logger *slog.Logger
}

// NewDockerClient connects to the Docker daemon configured by the environment
func NewDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return cli, nil
}

// NewDocker creates a new Docker executor
func NewDocker(api ContainerAPI, cfg DockerConfig, logger *slog.Logger) *Docker {
	return &Docker{api: api, cfg: cfg, logger: logger}
}

func (d *Docker) containerConfig(msg domain.JobMessage) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image: d.cfg.Image,
		Cmd:   d.cfg.Command,
		Env:   BuildEnv(msg, d.cfg.Env),
		Labels: map[string]string{
			"hls-worker.job-id": msg.JobID,
		},
	}

	host := &container.HostConfig{
		AutoRemove: d.cfg.AutoRemove,
		Resources: container.Resources{
			Memory:   d.cfg.MemoryBytes,
			NanoCPUs: d.cfg.NanoCPUs,
		},
	}
	if d.cfg.Network != "" {
		host.NetworkMode = container.NetworkMode(d.cfg.Network)
	}

	return cfg, host
}

// Execute creates, starts and waits for the sandbox. The container is
// force-removed on every exit path.
func (d *Docker) Execute(ctx context.Context, msg domain.JobMessage) error {
	logger := d.logger.With(slog.String("job_id", msg.JobID))
	cfg, host := d.containerConfig(msg)

	created, err := d.api.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to create sandbox: %w", err))
	}
	defer d.remove(logger, created.ID)

	// Register the wait before starting so a fast exit is not missed.
	waitCh, errCh := d.api.ContainerWait(ctx, created.ID, container.WaitConditionNextExit)

	if err := d.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to start sandbox: %w", err))
	}

	logger.Info("Sandbox started",
		slog.String("container_id", created.ID),
		slog.String("image", d.cfg.Image),
	)

	select {
	case res := <-waitCh:
		if res.Error != nil {
			return fmt.Errorf("%w: %s", ErrSandboxFailed, res.Error.Message)
		}
		if res.StatusCode == ExitRetry {
			logger.Warn("Sandbox asked for a retry", slog.Int64("exit_code", res.StatusCode))
			return domain.NewRetryableError(fmt.Errorf("%w: exit code %d", ErrSandboxFailed, res.StatusCode))
		}
		if res.StatusCode != ExitOK {
			logger.Error("Sandbox failed", slog.Int64("exit_code", res.StatusCode))
			return fmt.Errorf("%w: exit code %d", ErrSandboxFailed, res.StatusCode)
		}
		logger.Info("Sandbox finished")
		return nil

	case err := <-errCh:
		if ctx.Err() != nil {
			return d.interrupted(logger, ctx.Err())
		}
		return fmt.Errorf("failed to wait for sandbox: %w", err)

	case <-ctx.Done():
		return d.interrupted(logger, ctx.Err())
	}
}

// interrupted maps a job context ending mid-run. A cancel (shutdown or lost
// lease) hands the job back to the queue; a deadline is the job timeout and
// fails it, matching the in-process pipeline.
func (d *Docker) interrupted(logger *slog.Logger, cause error) error {
	if errors.Is(cause, context.Canceled) {
		return domain.NewRetryableError(fmt.Errorf("sandbox interrupted: %w", cause))
	}
	logger.Error("Sandbox timed out", slog.String("error", cause.Error()))
	return fmt.Errorf("%w: timed out: %w", ErrSandboxFailed, cause)
}

func (d *Docker) remove(logger *slog.Logger, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := d.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		logger.Warn("Failed to remove sandbox",
			slog.String("container_id", id),
			slog.String("error", err.Error()),
		)
	}
}
