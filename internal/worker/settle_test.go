package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuongbtq/hls-worker/internal/worker/domain"
	"github.com/cuongbtq/hls-worker/internal/worker/executor"
	"github.com/cuongbtq/hls-worker/internal/worker/queue"
	"github.com/cuongbtq/hls-worker/internal/worker/storage"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hangingContainers is a Docker API whose containers never exit.
type hangingContainers struct{}

func (hangingContainers) ContainerCreate(context.Context, *container.Config, *container.HostConfig, *network.NetworkingConfig, *ocispec.Platform, string) (container.CreateResponse, error) {
	return container.CreateResponse{ID: "c1"}, nil
}

func (hangingContainers) ContainerStart(context.Context, string, container.StartOptions) error {
	return nil
}

func (hangingContainers) ContainerWait(ctx context.Context, _ string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	errCh := make(chan error, 1)
	go func() {
		<-ctx.Done()
		errCh <- ctx.Err()
	}()
	return make(chan container.WaitResponse), errCh
}

func (hangingContainers) ContainerRemove(context.Context, string, container.RemoveOptions) error {
	return nil
}

func claimedJob(t *testing.T, jobID string) *storage.MemoryStore {
	t.Helper()
	ctx := context.Background()
	jobs := storage.NewMemoryStore()
	require.NoError(t, jobs.CreateJob(ctx, &domain.Job{ID: jobID, OwnerID: "u1", SourceKey: "k/" + jobID}))
	_, err := jobs.ClaimJob(ctx, jobID, "worker-test")
	require.NoError(t, err)
	return jobs
}

func TestWorker_SandboxTimeoutFailsJob(t *testing.T) {
	jobs := claimedJob(t, "j1")

	source := &fakeSource{ch: make(chan queue.Delivery, 1)}
	w := newTestWorker(source, nil, jobs, func(c *Config) {
		c.Executor = executor.NewDocker(hangingContainers{}, executor.DockerConfig{Image: "hls-worker:latest"},
			slog.New(slog.NewTextHandler(io.Discard, nil)))
		c.JobTimeout = 100 * time.Millisecond
	})
	startWorker(t, w)

	d := newFakeDelivery("j1")
	source.ch <- d
	d.wait(t)

	_, nacked, requeued, _ := d.state()
	assert.True(t, nacked)
	assert.False(t, requeued)

	job, err := jobs.GetJobByID(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Eventually(t, func() bool { return w.Stats().Failed == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, w.Stats().Requeued)
}

func TestWorker_SandboxCancelKeepsJobClaimable(t *testing.T) {
	jobs := claimedJob(t, "j1")
	started := make(chan struct{})

	source := &fakeSource{ch: make(chan queue.Delivery, 1)}
	docker := executor.NewDocker(hangingContainers{}, executor.DockerConfig{Image: "hls-worker:latest"},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	w := newTestWorker(source, func(ctx context.Context, msg domain.JobMessage) error {
		close(started)
		return docker.Execute(ctx, msg)
	}, jobs, func(c *Config) { c.ShutdownTimeout = 20 * time.Millisecond })
	r := startWorker(t, w)

	d := newFakeDelivery("j1")
	source.ch <- d
	<-started

	require.NoError(t, r.stop(t))
	_, nacked, requeued, _ := d.state()
	assert.True(t, nacked)
	assert.True(t, requeued)

	job, err := jobs.GetJobByID(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, job.Status)
}

func TestWorker_ExhaustedRetriesFailJob(t *testing.T) {
	ctx := context.Background()
	jobs := claimedJob(t, "j1")

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := queue.NewRedisQueue(rdb, queue.RedisConfig{
		KeyPrefix:     "test",
		LeaseDuration: time.Minute,
		MaxAttempts:   1,
		PollTimeout:   time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, q.Publish(ctx, domain.JobMessage{JobID: "j1", SourceKey: "k/j1", OwnerID: "u1"}))

	w := newTestWorker(q, func(context.Context, domain.JobMessage) error {
		return domain.NewRetryableError(errors.New("object store unavailable"))
	}, jobs, nil)
	startWorker(t, w)

	assert.Eventually(t, func() bool {
		job, err := jobs.GetJobByID(ctx, "j1")
		return err == nil && job.Status == domain.JobStatusFailed
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), w.Stats().Failed)
	assert.Zero(t, w.Stats().Requeued)

	dead, err := mr.List("test:dead")
	require.NoError(t, err)
	assert.Len(t, dead, 1)
	if mr.Exists("test:pending") {
		pending, err := mr.List("test:pending")
		require.NoError(t, err)
		assert.Empty(t, pending)
	}
}
