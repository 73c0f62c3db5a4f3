package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/hls-worker/internal/worker/storage"
)

// progressReporter throttles progress writes. Encode ticks are written only
// when they advance by at least step points and interval has elapsed since
// the last write; milestones skip the throttle. Values never go down.
type progressReporter struct {
	mu       sync.Mutex
	jobs     storage.JobStore
	jobID    string
	step     int
	interval time.Duration
	last     int
	lastAt   time.Time
	now      func() time.Time
	logger   *slog.Logger
}

func newProgressReporter(jobs storage.JobStore, jobID string, start, step int, interval time.Duration, logger *slog.Logger) *progressReporter {
	return &progressReporter{
		jobs:     jobs,
		jobID:    jobID,
		step:     step,
		interval: interval,
		last:     start,
		now:      time.Now,
		logger:   logger,
	}
}

func (r *progressReporter) report(ctx context.Context, value int) {
	r.write(ctx, value, false)
}

func (r *progressReporter) milestone(ctx context.Context, value int) {
	r.write(ctx, value, true)
}

func (r *progressReporter) write(ctx context.Context, value int, force bool) {
	if value > 99 {
		value = 99
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if value <= r.last {
		return
	}
	now := r.now()
	if !force && (value-r.last < r.step || now.Sub(r.lastAt) < r.interval) {
		return
	}

	if err := r.jobs.UpdateProgress(ctx, r.jobID, value); err != nil {
		r.logger.Warn("Failed to update job progress",
			slog.Int("progress", value),
			slog.String("error", err.Error()),
		)
		return
	}
	r.last = value
	r.lastAt = now
}
