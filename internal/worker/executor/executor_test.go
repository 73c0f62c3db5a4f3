package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/hls-worker/internal/worker/domain"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMessage = domain.JobMessage{JobID: "j1", SourceKey: "uploads/u1/a.mp4", OwnerID: "u1"}

type runnerFunc func(ctx context.Context, msg domain.JobMessage) error

func (f runnerFunc) Run(ctx context.Context, msg domain.JobMessage) error { return f(ctx, msg) }

func TestInProcess_Execute(t *testing.T) {
	var got domain.JobMessage
	boom := errors.New("boom")
	e := NewInProcess(runnerFunc(func(_ context.Context, msg domain.JobMessage) error {
		got = msg
		return boom
	}))

	assert.ErrorIs(t, e.Execute(context.Background(), testMessage), boom)
	assert.Equal(t, testMessage, got)
}

func TestBuildEnv(t *testing.T) {
	env := BuildEnv(testMessage, []string{"DB_HOST=postgres", "S3_BUCKET=videos"})
	assert.Equal(t, []string{
		"JOB_ID=j1",
		"SOURCE_KEY=uploads/u1/a.mp4",
		"OWNER_ID=u1",
		"DB_HOST=postgres",
		"S3_BUCKET=videos",
	}, env)
}

type fakeContainerAPI struct {
	mu sync.Mutex

	createErr error
	startErr  error
	exitCode  int64
	// block keeps ContainerWait pending until the context ends.
	block bool

	config  *container.Config
	host    *container.HostConfig
	order   []string
	removed []string
}

func (f *fakeContainerAPI) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, op)
}

func (f *fakeContainerAPI) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.record("create")
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.config = config
	f.host = hostConfig
	return container.CreateResponse{ID: "c1"}, nil
}

func (f *fakeContainerAPI) ContainerStart(context.Context, string, container.StartOptions) error {
	f.record("start")
	return f.startErr
}

func (f *fakeContainerAPI) ContainerWait(ctx context.Context, _ string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	f.record("wait:" + string(condition))
	waitCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	if f.block {
		go func() {
			<-ctx.Done()
			errCh <- ctx.Err()
		}()
		return waitCh, errCh
	}
	waitCh <- container.WaitResponse{StatusCode: f.exitCode}
	return waitCh, errCh
}

func (f *fakeContainerAPI) ContainerRemove(_ context.Context, id string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if options.Force {
		f.removed = append(f.removed, id)
	}
	return nil
}

func newTestDocker(api ContainerAPI) *Docker {
	return NewDocker(api, DockerConfig{
		Image:       "hls-worker:latest",
		Command:     []string{"/app/task-runner"},
		Network:     "transcode",
		AutoRemove:  true,
		MemoryBytes: 2 << 30,
		NanoCPUs:    2_000_000_000,
		Env:         []string{"DB_HOST=postgres"},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDocker_Execute_Success(t *testing.T) {
	api := &fakeContainerAPI{}
	require.NoError(t, newTestDocker(api).Execute(context.Background(), testMessage))

	assert.Equal(t, []string{"create", "wait:next-exit", "start"}, api.order)
	require.NotNil(t, api.config)
	assert.Equal(t, "hls-worker:latest", api.config.Image)
	assert.Equal(t, []string{"/app/task-runner"}, []string(api.config.Cmd))
	assert.Contains(t, api.config.Env, "JOB_ID=j1")
	assert.Contains(t, api.config.Env, "DB_HOST=postgres")
	assert.True(t, api.host.AutoRemove)
	assert.Equal(t, container.NetworkMode("transcode"), api.host.NetworkMode)
	assert.Equal(t, int64(2<<30), api.host.Memory)
	assert.Equal(t, int64(2_000_000_000), api.host.NanoCPUs)
	assert.Equal(t, []string{"c1"}, api.removed)
}

func TestDocker_Execute_Failures(t *testing.T) {
	tests := []struct {
		name          string
		api           *fakeContainerAPI
		wantSandbox   bool
		wantRetryable bool
		wantRemoved   bool
	}{
		{
			name:        "non-zero exit",
			api:         &fakeContainerAPI{exitCode: 1},
			wantSandbox: true,
			wantRemoved: true,
		},
		{
			name:          "retry exit code",
			api:           &fakeContainerAPI{exitCode: ExitRetry},
			wantSandbox:   true,
			wantRetryable: true,
			wantRemoved:   true,
		},
		{
			name:          "create error",
			api:           &fakeContainerAPI{createErr: errors.New("no such image")},
			wantRetryable: true,
		},
		{
			name:          "start error",
			api:           &fakeContainerAPI{startErr: errors.New("oci runtime error")},
			wantRetryable: true,
			wantRemoved:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newTestDocker(tt.api).Execute(context.Background(), testMessage)
			require.Error(t, err)

			assert.Equal(t, tt.wantSandbox, errors.Is(err, ErrSandboxFailed))
			var retryable *domain.RetryableError
			assert.Equal(t, tt.wantRetryable, errors.As(err, &retryable))
			if tt.wantRemoved {
				assert.Equal(t, []string{"c1"}, tt.api.removed)
			} else {
				assert.Empty(t, tt.api.removed)
			}
		})
	}
}

func TestDocker_Execute_Interrupted(t *testing.T) {
	tests := []struct {
		name          string
		ctx           func() (context.Context, context.CancelFunc)
		wantRetryable bool
		wantSandbox   bool
	}{
		{
			name: "canceled requeues",
			ctx: func() (context.Context, context.CancelFunc) {
				ctx, cancel := context.WithCancel(context.Background())
				time.AfterFunc(50*time.Millisecond, cancel)
				return ctx, cancel
			},
			wantRetryable: true,
		},
		{
			name: "deadline fails",
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.Background(), 50*time.Millisecond)
			},
			wantSandbox: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeContainerAPI{block: true}
			ctx, cancel := tt.ctx()
			defer cancel()

			err := newTestDocker(api).Execute(ctx, testMessage)
			require.Error(t, err)

			var retryable *domain.RetryableError
			assert.Equal(t, tt.wantRetryable, errors.As(err, &retryable))
			assert.Equal(t, tt.wantSandbox, errors.Is(err, ErrSandboxFailed))
			assert.Equal(t, []string{"c1"}, api.removed)
		})
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "success", err: nil, want: ExitOK},
		{name: "terminal job", err: fmt.Errorf("claim: %w", domain.ErrJobTerminal), want: ExitOK},
		{name: "retryable", err: domain.NewRetryableError(errors.New("timeout")), want: ExitRetry},
		{name: "stage failure", err: fmt.Errorf("%w: boom", domain.ErrEncode), want: ExitFail},
		{name: "job not found", err: domain.ErrJobNotFound, want: ExitFail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}
