// Package queue delivers job messages to the worker pool under a lease and
// settles them once the job outcome is known.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/hls-worker/internal/worker/domain"
	"github.com/go-playground/validator/v10"
)

// ErrLeaseLost is returned when a delivery is settled or extended after its
// lease expired and the message was handed back to the queue.
var ErrLeaseLost = errors.New("lease lost")

// ErrDeadLettered is returned by Nack when a requeue was asked for but the
// job has no attempts left, so the message went to the dead-letter store.
var ErrDeadLettered = errors.New("attempts exhausted, message dead-lettered")

// Delivery is one leased message. Exactly one of Ack or Nack settles it.
type Delivery interface {
	Message() domain.JobMessage
	// Attempt is the 1-based delivery count when the backend tracks it.
	Attempt() int
	Ack(ctx context.Context) error
	// Nack(ctx, true) returns ErrDeadLettered when the backend gave up on
	// the job instead of requeueing it.
	Nack(ctx context.Context, requeue bool) error
	// Extend pushes the lease deadline to now+d.
	Extend(ctx context.Context, d time.Duration) error
}

// Source yields leased deliveries until ctx is done. The returned channel is
// closed when the source stops.
type Source interface {
	Consume(ctx context.Context) (<-chan Delivery, error)
}

// Publisher enqueues job messages.
type Publisher interface {
	Publish(ctx context.Context, msg domain.JobMessage) error
}

var validate = validator.New()

// Validate checks that every field of msg is set.
func Validate(msg domain.JobMessage) error {
	if err := validate.Struct(msg); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidMessage, err)
	}
	return nil
}

// Encode validates msg and returns its wire form.
func Encode(msg domain.JobMessage) ([]byte, error) {
	if err := Validate(msg); err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// Decode parses and validates a wire message.
func Decode(body []byte) (domain.JobMessage, error) {
	var msg domain.JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("%w: %w", domain.ErrInvalidMessage, err)
	}
	if err := Validate(msg); err != nil {
		return msg, err
	}
	return msg, nil
}
