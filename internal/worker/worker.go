package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/hls-worker/internal/worker/executor"
	"github.com/cuongbtq/hls-worker/internal/worker/queue"
	"github.com/cuongbtq/hls-worker/internal/worker/storage"
	"github.com/google/uuid"
)

// ErrSourceClosed is returned by Start when the queue stops delivering
// before the worker was asked to stop.
var ErrSourceClosed = errors.New("delivery source closed")

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Source            queue.Source
	Executor          executor.Executor
	JobStore          storage.JobStore
	WorkerID          string
	Concurrency       int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	LeaseDuration     time.Duration
	ShutdownTimeout   time.Duration
}

// Stats is a snapshot of the worker counters
type Stats struct {
	WorkerID    string    `json:"worker_id"`
	Concurrency int       `json:"concurrency"`
	InFlight    int64     `json:"in_flight"`
	Succeeded   int64     `json:"succeeded"`
	Failed      int64     `json:"failed"`
	Requeued    int64     `json:"requeued"`
	Skipped     int64     `json:"skipped"`
	StartedAt   time.Time `json:"started_at"`
}

// Worker leases jobs from the queue and runs them on a bounded pool of goroutines
type Worker struct {
	logger            *slog.Logger
	source            queue.Source
	executor          executor.Executor
	storage           storage.JobStore
	workerID          string
	concurrency       int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	leaseDuration     time.Duration
	shutdownTimeout   time.Duration

	jobsChan chan queue.Delivery
	wg       sync.WaitGroup
	running  atomic.Bool

	startedAt atomic.Int64
	inFlight  atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	requeued  atomic.Int64
	skipped   atomic.Int64
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:            cfg.Logger,
		source:            cfg.Source,
		executor:          cfg.Executor,
		storage:           cfg.JobStore,
		workerID:          cfg.WorkerID,
		concurrency:       cfg.Concurrency,
		jobTimeout:        cfg.JobTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		leaseDuration:     cfg.LeaseDuration,
		shutdownTimeout:   cfg.ShutdownTimeout,
		jobsChan:          make(chan queue.Delivery),
	}

	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.workerID == "" {
		w.workerID = "worker-" + uuid.NewString()
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.jobTimeout <= 0 {
		w.jobTimeout = 2 * time.Hour
	}
	if w.heartbeatInterval <= 0 {
		w.heartbeatInterval = 30 * time.Second
	}
	if w.leaseDuration <= 0 {
		w.leaseDuration = 3 * w.heartbeatInterval
	}
	if w.shutdownTimeout <= 0 {
		w.shutdownTimeout = 30 * time.Second
	}

	return w
}

// WorkerID returns the identifier recorded on claimed jobs
func (w *Worker) WorkerID() string {
	return w.workerID
}

// Running reports whether the worker is consuming
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Stats returns a snapshot of the worker counters
func (w *Worker) Stats() Stats {
	return Stats{
		WorkerID:    w.workerID,
		Concurrency: w.concurrency,
		InFlight:    w.inFlight.Load(),
		Succeeded:   w.succeeded.Load(),
		Failed:      w.failed.Load(),
		Requeued:    w.requeued.Load(),
		Skipped:     w.skipped.Load(),
		StartedAt:   time.Unix(0, w.startedAt.Load()).UTC(),
	}
}

// Start consumes until ctx is canceled, then waits for in-flight jobs up to
// the shutdown timeout before canceling them.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.Duration("heartbeat_interval", w.heartbeatInterval),
	)

	deliveries, err := w.source.Consume(ctx)
	if err != nil {
		return err
	}

	w.startedAt.Store(time.Now().UnixNano())
	w.running.Store(true)
	defer w.running.Store(false)

	// Jobs outlive ctx so that shutdown can drain them.
	jobsCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	w.spawnWorkerPool(jobsCtx)
	w.startMessageDispatcher(ctx, deliveries)
	close(w.jobsChan)

	w.logger.Info("Waiting for in-flight jobs",
		slog.Int64("in_flight", w.inFlight.Load()),
		slog.Duration("timeout", w.shutdownTimeout),
	)

	if !w.wait(w.shutdownTimeout) {
		w.logger.Warn("Shutdown timeout exceeded, canceling in-flight jobs")
		cancelJobs()
		w.wg.Wait()
	}

	w.logger.Info("Worker stopped")

	if ctx.Err() == nil {
		return ErrSourceClosed
	}
	return nil
}

func (w *Worker) wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
