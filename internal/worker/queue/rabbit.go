package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/hls-worker/internal/worker/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConsumer is the part of the RabbitMQ client the source needs.
type AMQPConsumer interface {
	Qos(prefetchCount int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// AMQPPublisher is the part of the RabbitMQ client the publisher needs.
type AMQPPublisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// RabbitSource consumes jobs from a RabbitMQ queue with manual acks. The
// lease is the unacknowledged delivery: the broker redelivers it when the
// consumer channel goes away.
type RabbitSource struct {
	client        AMQPConsumer
	consumerTag   string
	prefetchCount int
	logger        *slog.Logger
}

// NewRabbitSource creates a new RabbitSource
func NewRabbitSource(client AMQPConsumer, consumerTag string, prefetchCount int, logger *slog.Logger) *RabbitSource {
	return &RabbitSource{
		client:        client,
		consumerTag:   consumerTag,
		prefetchCount: prefetchCount,
		logger:        logger,
	}
}

// Consume sets QoS and starts relaying deliveries
func (s *RabbitSource) Consume(ctx context.Context) (<-chan Delivery, error) {
	if err := s.client.Qos(s.prefetchCount); err != nil {
		return nil, err
	}

	deliveries, err := s.client.Consume(s.consumerTag)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	s.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", s.consumerTag),
		slog.Int("prefetch_count", s.prefetchCount),
	)

	out := make(chan Delivery)
	go s.relay(ctx, deliveries, out)
	return out, nil
}

func (s *RabbitSource) relay(ctx context.Context, deliveries <-chan amqp.Delivery, out chan<- Delivery) {
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("RabbitMQ relay stopped - context canceled")
			return

		case d, ok := <-deliveries:
			if !ok {
				s.logger.Warn("RabbitMQ delivery channel closed")
				return
			}

			msg, err := Decode(d.Body)
			if err != nil {
				s.logger.Error("Dropping malformed message",
					slog.String("error", err.Error()),
					slog.String("body", string(d.Body)),
				)
				// Malformed messages go straight to the dead-letter exchange
				if nackErr := d.Nack(false, false); nackErr != nil {
					s.logger.Error("Failed to NACK malformed message",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			delivery := &rabbitDelivery{d: d, msg: msg}
			select {
			case out <- delivery:
			case <-ctx.Done():
				if nackErr := d.Nack(false, true); nackErr != nil {
					s.logger.Error("Failed to NACK message on shutdown",
						slog.String("job_id", msg.JobID),
						slog.String("error", nackErr.Error()),
					)
				}
				return
			}
		}
	}
}

type rabbitDelivery struct {
	d   amqp.Delivery
	msg domain.JobMessage
}

func (r *rabbitDelivery) Message() domain.JobMessage { return r.msg }

func (r *rabbitDelivery) Attempt() int {
	if r.d.Redelivered {
		return 2
	}
	return 1
}

func (r *rabbitDelivery) Ack(context.Context) error {
	return r.d.Ack(false)
}

func (r *rabbitDelivery) Nack(_ context.Context, requeue bool) error {
	return r.d.Nack(false, requeue)
}

// Extend is a no-op: an unacked delivery stays leased until the channel
// closes or the broker consumer timeout fires.
func (r *rabbitDelivery) Extend(context.Context, time.Duration) error {
	return nil
}

// RabbitPublisher publishes job messages through the RabbitMQ client
type RabbitPublisher struct {
	client AMQPPublisher
}

// NewRabbitPublisher creates a new RabbitPublisher
func NewRabbitPublisher(client AMQPPublisher) *RabbitPublisher {
	return &RabbitPublisher{client: client}
}

// Publish validates and publishes msg as persistent JSON
func (p *RabbitPublisher) Publish(ctx context.Context, msg domain.JobMessage) error {
	body, err := Encode(msg)
	if err != nil {
		return err
	}
	return p.client.PublishWithRetry(ctx, body, "application/json")
}
