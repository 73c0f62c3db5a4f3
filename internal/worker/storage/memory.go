package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuongbtq/hls-worker/internal/worker/domain"
)

// MemoryStore is an in-process JobStore with the same guards as Storage.
// It records every accepted progress value for inspection.
type MemoryStore struct {
	mu       sync.Mutex
	jobs     map[string]*domain.Job
	progress map[string][]int

	// ClaimErr and FailErr, when set, are returned by ClaimJob and FailJob.
	ClaimErr error
	FailErr  error
}

var _ JobStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*domain.Job),
		progress: make(map[string][]int),
	}
}

func (m *MemoryStore) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *MemoryStore) CreateJob(ctx context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("failed to create job: duplicate id %s", job.ID)
	}

	now := time.Now().UTC()
	cp := *job
	cp.Status = domain.JobStatusPending
	cp.Progress = 0
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.jobs[job.ID] = &cp
	job.Status = domain.JobStatusPending
	return nil
}

func (m *MemoryStore) ClaimJob(ctx context.Context, jobID, workerID string) (*domain.Job, error) {
	if m.ClaimErr != nil {
		return nil, m.ClaimErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.mutable(jobID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if job.Status == domain.JobStatusPending {
		job.Progress = 0
	}
	job.Status = domain.JobStatusProcessing
	job.WorkerID = &workerID
	job.LastHeartbeatAt = &now
	job.UpdatedAt = now

	cp := *job
	return &cp, nil
}

func (m *MemoryStore) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok || job.Status != domain.JobStatusProcessing || job.Progress >= progress {
		return nil
	}
	job.Progress = progress
	job.UpdatedAt = time.Now().UTC()
	m.progress[jobID] = append(m.progress[jobID], progress)
	return nil
}

func (m *MemoryStore) UpdateJobHeartbeat(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job, ok := m.jobs[jobID]; ok && job.Status == domain.JobStatusProcessing {
		now := time.Now().UTC()
		job.LastHeartbeatAt = &now
		job.UpdatedAt = now
	}
	return nil
}

func (m *MemoryStore) CompleteJob(ctx context.Context, jobID string, outputs domain.Outputs) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.mutable(jobID)
	if err != nil {
		return err
	}
	if job.Status != domain.JobStatusProcessing {
		return fmt.Errorf("job %s in unexpected status %s", jobID, job.Status)
	}

	job.Status = domain.JobStatusCompleted
	job.Progress = 100
	job.ManifestURL = outputs.ManifestURL
	job.ThumbnailURL = outputs.ThumbnailURL
	job.WaveformURL = outputs.WaveformURL
	job.UpdatedAt = time.Now().UTC()
	m.progress[jobID] = append(m.progress[jobID], 100)
	return nil
}

func (m *MemoryStore) FailJob(ctx context.Context, jobID string) error {
	if m.FailErr != nil {
		return m.FailErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.mutable(jobID)
	if err != nil {
		return err
	}
	job.Status = domain.JobStatusFailed
	job.UpdatedAt = time.Now().UTC()
	return nil
}

// ProgressHistory returns the accepted progress writes for a job, in order.
func (m *MemoryStore) ProgressHistory(jobID string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.progress[jobID]...)
}

func (m *MemoryStore) mutable(jobID string) (*domain.Job, error) {
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if domain.IsTerminal(job.Status) {
		return nil, domain.ErrJobTerminal
	}
	return job, nil
}
