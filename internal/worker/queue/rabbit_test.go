package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/hls-worker/internal/worker/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ackCall struct {
	tag     uint64
	ack     bool
	requeue bool
}

type fakeAcknowledger struct {
	mu    sync.Mutex
	calls []ackCall
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ackCall{tag: tag, ack: true})
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ackCall{tag: tag, requeue: requeue})
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func (f *fakeAcknowledger) snapshot() []ackCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ackCall(nil), f.calls...)
}

type fakeAMQP struct {
	deliveries chan amqp.Delivery
	prefetch   int
	qosErr     error
	published  [][]byte
}

func (f *fakeAMQP) Qos(prefetchCount int) error {
	f.prefetch = prefetchCount
	return f.qosErr
}

func (f *fakeAMQP) Consume(string) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeAMQP) PublishWithRetry(_ context.Context, body []byte, contentType string) error {
	f.published = append(f.published, body)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func receive(t *testing.T, ch <-chan Delivery) Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		require.True(t, ok, "delivery channel closed")
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func TestRabbitSource_Consume(t *testing.T) {
	ack := &fakeAcknowledger{}
	client := &fakeAMQP{deliveries: make(chan amqp.Delivery, 3)}
	client.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(`not json`)}
	client.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: []byte(`{"job_id":"j1"}`)}
	client.deliveries <- amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  3,
		Redelivered:  true,
		Body:         []byte(`{"job_id":"j1","source_key":"k","owner_id":"u1"}`),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := NewRabbitSource(client, "worker-1", 4, discardLogger())
	out, err := source.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, client.prefetch)

	d := receive(t, out)
	assert.Equal(t, domain.JobMessage{JobID: "j1", SourceKey: "k", OwnerID: "u1"}, d.Message())
	assert.Equal(t, 2, d.Attempt())
	require.NoError(t, d.Extend(ctx, time.Minute))
	require.NoError(t, d.Ack(ctx))

	// Malformed and invalid messages were dead-lettered before the valid one.
	assert.Equal(t, []ackCall{
		{tag: 1, requeue: false},
		{tag: 2, requeue: false},
		{tag: 3, ack: true},
	}, ack.snapshot())

	close(client.deliveries)
	_, ok := <-out
	assert.False(t, ok)
}

func TestRabbitSource_NackOnShutdown(t *testing.T) {
	ack := &fakeAcknowledger{}
	client := &fakeAMQP{deliveries: make(chan amqp.Delivery, 1)}
	client.deliveries <- amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  7,
		Body:         []byte(`{"job_id":"j1","source_key":"k","owner_id":"u1"}`),
	}

	ctx, cancel := context.WithCancel(context.Background())
	out, err := NewRabbitSource(client, "worker-1", 1, discardLogger()).Consume(ctx)
	require.NoError(t, err)

	// Nobody reads the delivery; cancelling hands it back to the broker.
	time.Sleep(50 * time.Millisecond)
	cancel()

	assert.Eventually(t, func() bool {
		return len(ack.snapshot()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []ackCall{{tag: 7, requeue: true}}, ack.snapshot())

	for range out {
	}
}

func TestRabbitSource_QosError(t *testing.T) {
	client := &fakeAMQP{qosErr: errors.New("channel closed")}
	_, err := NewRabbitSource(client, "worker-1", 1, discardLogger()).Consume(context.Background())
	assert.Error(t, err)
}

func TestRabbitPublisher_Publish(t *testing.T) {
	client := &fakeAMQP{}
	pub := NewRabbitPublisher(client)

	require.NoError(t, pub.Publish(context.Background(), domain.JobMessage{JobID: "j1", SourceKey: "k", OwnerID: "u1"}))
	require.Len(t, client.published, 1)
	assert.JSONEq(t, `{"job_id":"j1","source_key":"k","owner_id":"u1"}`, string(client.published[0]))

	err := pub.Publish(context.Background(), domain.JobMessage{})
	assert.ErrorIs(t, err, domain.ErrInvalidMessage)
	assert.Len(t, client.published, 1)
}
