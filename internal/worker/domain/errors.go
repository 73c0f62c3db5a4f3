package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrJobTerminal is returned when a job is already COMPLETED or FAILED
	ErrJobTerminal = errors.New("job already in terminal status")

	// ErrInvalidMessage is returned when a queue message is malformed
	ErrInvalidMessage = errors.New("invalid job message")
)

// Pipeline stage error kinds. Stages wrap the underlying cause with one of these.
var (
	ErrDownload  = errors.New("download failed")
	ErrProbe     = errors.New("probe failed")
	ErrThumbnail = errors.New("thumbnail failed")
	ErrWaveform  = errors.New("waveform failed")
	ErrEncode    = errors.New("encode failed")
	ErrUpload    = errors.New("upload failed")
)

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
