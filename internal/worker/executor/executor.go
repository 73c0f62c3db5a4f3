// Package executor decides where a job runs: inside the worker process or in
// a single-use sandbox container.
package executor

import (
	"context"
	"errors"

	"github.com/cuongbtq/hls-worker/internal/worker/domain"
)

// Executor runs one job to completion.
type Executor interface {
	Execute(ctx context.Context, msg domain.JobMessage) error
}

// Runner is the pipeline entry point.
type Runner interface {
	Run(ctx context.Context, msg domain.JobMessage) error
}

// InProcess runs the pipeline in the worker process.
type InProcess struct {
	runner Runner
}

// NewInProcess creates a new InProcess executor
func NewInProcess(runner Runner) *InProcess {
	return &InProcess{runner: runner}
}

func (e *InProcess) Execute(ctx context.Context, msg domain.JobMessage) error {
	return e.runner.Run(ctx, msg)
}

// Task environment variables read by the sandbox entrypoint.
const (
	EnvJobID     = "JOB_ID"
	EnvSourceKey = "SOURCE_KEY"
	EnvOwnerID   = "OWNER_ID"
)

// BuildEnv returns the sandbox environment: the job identity followed by the
// connection settings in passthrough ("KEY=VALUE").
func BuildEnv(msg domain.JobMessage, passthrough []string) []string {
	env := make([]string, 0, len(passthrough)+3)
	env = append(env,
		EnvJobID+"="+msg.JobID,
		EnvSourceKey+"="+msg.SourceKey,
		EnvOwnerID+"="+msg.OwnerID,
	)
	return append(env, passthrough...)
}

// Task runner exit codes. ExitRetry follows sysexits EX_TEMPFAIL.
const (
	ExitOK    = 0
	ExitFail  = 1
	ExitRetry = 75
)

// ExitCode maps a pipeline result onto the task runner exit code.
func ExitCode(err error) int {
	var retryable *domain.RetryableError
	switch {
	case err == nil, errors.Is(err, domain.ErrJobTerminal):
		return ExitOK
	case errors.As(err, &retryable):
		return ExitRetry
	default:
		return ExitFail
	}
}
