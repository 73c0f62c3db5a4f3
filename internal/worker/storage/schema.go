package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// SQLiteSchema creates the video_jobs table for local sqlite databases.
// Postgres schemas are owned by the API service migrations.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS video_jobs (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'PENDING',
	original_name     TEXT NOT NULL,
	original_url      TEXT,
	r2_key            TEXT NOT NULL,
	hls_url           TEXT,
	thumbnail_url     TEXT,
	waveform_url      TEXT,
	progress          INTEGER DEFAULT 0,
	worker_id         TEXT,
	last_heartbeat_at TIMESTAMP,
	created_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// EnsureSQLiteSchema applies SQLiteSchema.
func EnsureSQLiteSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, SQLiteSchema); err != nil {
		return fmt.Errorf("failed to apply sqlite schema: %w", err)
	}
	return nil
}
