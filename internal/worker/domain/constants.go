package domain

// Job status constants
const (
	JobStatusPending    = "PENDING"
	JobStatusProcessing = "PROCESSING"
	JobStatusCompleted  = "COMPLETED"
	JobStatusFailed     = "FAILED"
)

// IsTerminal reports whether no further mutation is allowed for a job in status.
func IsTerminal(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed
}
