package domain

import (
	"time"
)

// Job represents a video_jobs row
type Job struct {
	ID              string     `db:"id"`
	OwnerID         string     `db:"user_id"`
	Status          string     `db:"status"`
	SourceKey       string     `db:"r2_key"`
	OriginalName    string     `db:"original_name"`
	Progress        int        `db:"progress"`
	ManifestURL     *string    `db:"hls_url"`
	ThumbnailURL    *string    `db:"thumbnail_url"`
	WaveformURL     *string    `db:"waveform_url"`
	WorkerID        *string    `db:"worker_id"`
	LastHeartbeatAt *time.Time `db:"last_heartbeat_at"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

// Outputs holds the public URLs written when a job completes.
// Nil fields were not produced.
type Outputs struct {
	ManifestURL  *string
	ThumbnailURL *string
	WaveformURL  *string
}

// JobMessage represents a job message carried by the queue
type JobMessage struct {
	JobID     string `json:"job_id" validate:"required"`
	SourceKey string `json:"source_key" validate:"required"`
	OwnerID   string `json:"owner_id" validate:"required"`
}
