package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/hls-worker/internal/worker/domain"
	"github.com/jmoiron/sqlx"
)

// JobStore persists video jobs. Every mutation is guarded so that a job in a
// terminal status is never changed.
type JobStore interface {
	GetJobByID(ctx context.Context, jobID string) (*domain.Job, error)
	CreateJob(ctx context.Context, job *domain.Job) error
	ClaimJob(ctx context.Context, jobID, workerID string) (*domain.Job, error)
	UpdateProgress(ctx context.Context, jobID string, progress int) error
	UpdateJobHeartbeat(ctx context.Context, jobID string) error
	CompleteJob(ctx context.Context, jobID string, outputs domain.Outputs) error
	FailJob(ctx context.Context, jobID string) error
}

// Storage handles all database operations for the worker
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

var _ JobStore = (*Storage)(nil)

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

const selectJob = `
	SELECT id, user_id, status, r2_key, original_name, COALESCE(progress, 0) AS progress,
	       hls_url, thumbnail_url, waveform_url, worker_id, last_heartbeat_at,
	       created_at, updated_at
	FROM video_jobs
`

// GetJobByID retrieves a job from the database by its ID
func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	err := s.db.GetContext(ctx, &job, s.db.Rebind(selectJob+` WHERE id = ?`), jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// CreateJob inserts a PENDING job
func (s *Storage) CreateJob(ctx context.Context, job *domain.Job) error {
	query := s.db.Rebind(`
		INSERT INTO video_jobs (
			id, user_id, status, original_name, r2_key, progress, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`)

	_, err := s.db.ExecContext(ctx, query, job.ID, job.OwnerID, domain.JobStatusPending, job.OriginalName, job.SourceKey)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	job.Status = domain.JobStatusPending
	return nil
}

// ClaimJob moves a PENDING or PROCESSING job to PROCESSING and records the
// claiming worker. Re-claiming a PROCESSING job (redelivery after a lost
// lease) keeps its progress. Returns ErrJobTerminal for finished jobs.
func (s *Storage) ClaimJob(ctx context.Context, jobID, workerID string) (*domain.Job, error) {
	query := s.db.Rebind(`
		UPDATE video_jobs
		SET status = ?,
		    worker_id = ?,
		    progress = CASE WHEN status = ? THEN 0 ELSE COALESCE(progress, 0) END,
		    last_heartbeat_at = CURRENT_TIMESTAMP,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
		  AND status IN (?, ?)
	`)

	result, err := s.db.ExecContext(ctx, query,
		domain.JobStatusProcessing, workerID, domain.JobStatusPending,
		jobID, domain.JobStatusPending, domain.JobStatusProcessing,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	if err := s.guardAffected(ctx, result, jobID); err != nil {
		if errors.Is(err, domain.ErrJobTerminal) {
			s.logger.Warn("Failed to claim job - already in terminal status",
				slog.String("job_id", jobID),
				slog.String("worker_id", workerID),
			)
		}
		return nil, err
	}

	job, err := s.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Job claimed successfully",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
		slog.Int("progress", job.Progress),
	)

	return job, nil
}

// UpdateProgress raises the progress of a PROCESSING job. Lower or equal
// values are ignored so progress never goes backwards.
func (s *Storage) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	query := s.db.Rebind(`
		UPDATE video_jobs
		SET progress = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
		  AND status = ?
		  AND COALESCE(progress, 0) < ?
	`)

	if _, err := s.db.ExecContext(ctx, query, progress, jobID, domain.JobStatusProcessing, progress); err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return nil
}

// UpdateJobHeartbeat updates the last_heartbeat_at timestamp for a processing job
func (s *Storage) UpdateJobHeartbeat(ctx context.Context, jobID string) error {
	query := s.db.Rebind(`
		UPDATE video_jobs
		SET last_heartbeat_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`)

	result, err := s.db.ExecContext(ctx, query, jobID, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Job heartbeat update - no rows affected (job may not be processing)",
			slog.String("job_id", jobID),
		)
	}

	return nil
}

// CompleteJob sets COMPLETED, progress 100 and the output URLs in one update
func (s *Storage) CompleteJob(ctx context.Context, jobID string, outputs domain.Outputs) error {
	query := s.db.Rebind(`
		UPDATE video_jobs
		SET status = ?,
		    progress = 100,
		    hls_url = ?,
		    thumbnail_url = ?,
		    waveform_url = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`)

	result, err := s.db.ExecContext(ctx, query,
		domain.JobStatusCompleted, outputs.ManifestURL, outputs.ThumbnailURL, outputs.WaveformURL,
		jobID, domain.JobStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	if err := s.guardAffected(ctx, result, jobID); err != nil {
		return err
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", jobID),
		slog.String("status", domain.JobStatusCompleted),
	)
	return nil
}

// FailJob sets FAILED on a job that is not yet terminal
func (s *Storage) FailJob(ctx context.Context, jobID string) error {
	query := s.db.Rebind(`
		UPDATE video_jobs
		SET status = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN (?, ?)
	`)

	result, err := s.db.ExecContext(ctx, query,
		domain.JobStatusFailed, jobID, domain.JobStatusPending, domain.JobStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}

	if err := s.guardAffected(ctx, result, jobID); err != nil {
		return err
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", jobID),
		slog.String("status", domain.JobStatusFailed),
	)
	return nil
}

// guardAffected turns a zero-row guarded update into ErrJobNotFound or
// ErrJobTerminal.
func (s *Storage) guardAffected(ctx context.Context, result sql.Result, jobID string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	job, err := s.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}
	if domain.IsTerminal(job.Status) {
		return domain.ErrJobTerminal
	}
	return fmt.Errorf("job %s in unexpected status %s", jobID, job.Status)
}
