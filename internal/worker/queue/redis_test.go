package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuongbtq/hls-worker/internal/worker/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisQueue(t *testing.T, maxAttempts int) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := NewRedisQueue(rdb, RedisConfig{
		KeyPrefix:     "test",
		LeaseDuration: time.Minute,
		MaxAttempts:   maxAttempts,
		PollTimeout:   time.Second,
	}, discardLogger())
	return q, mr
}

func jobMessage(id string) domain.JobMessage {
	return domain.JobMessage{JobID: id, SourceKey: "uploads/u1/" + id + ".mp4", OwnerID: "u1"}
}

func list(t *testing.T, mr *miniredis.Miniredis, key string) []string {
	t.Helper()
	if !mr.Exists(key) {
		return nil
	}
	items, err := mr.List(key)
	require.NoError(t, err)
	return items
}

func leases(t *testing.T, mr *miniredis.Miniredis) []string {
	t.Helper()
	if !mr.Exists("test:leases") {
		return nil
	}
	members, err := mr.ZMembers("test:leases")
	require.NoError(t, err)
	return members
}

func TestRedisQueue_PublishFetchAck(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestRedisQueue(t, 3)

	require.NoError(t, q.Publish(ctx, jobMessage("j1")))
	require.NoError(t, q.Publish(ctx, jobMessage("j2")))
	assert.ErrorIs(t, q.Publish(ctx, domain.JobMessage{JobID: "bad"}), domain.ErrInvalidMessage)
	assert.Len(t, list(t, mr, "test:pending"), 2)

	d, err := q.fetch(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, jobMessage("j1"), d.Message(), "FIFO order")
	assert.Equal(t, 1, d.Attempt())
	assert.Len(t, list(t, mr, "test:processing"), 1)
	assert.Len(t, leases(t, mr), 1)

	require.NoError(t, d.Ack(ctx))
	assert.Empty(t, list(t, mr, "test:processing"))
	assert.Empty(t, leases(t, mr))
	assert.Equal(t, "", mr.HGet("test:attempts", "j1"))
	assert.Len(t, list(t, mr, "test:pending"), 1)
}

func TestRedisQueue_NackRequeueUntilExhausted(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestRedisQueue(t, 2)
	require.NoError(t, q.Publish(ctx, jobMessage("j1")))

	d, err := q.fetch(ctx)
	require.NoError(t, err)
	require.NoError(t, d.Nack(ctx, true))
	assert.Len(t, list(t, mr, "test:pending"), 1)
	assert.Empty(t, list(t, mr, "test:dead"))

	d, err = q.fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Attempt())
	assert.ErrorIs(t, d.Nack(ctx, true), ErrDeadLettered)

	assert.Empty(t, list(t, mr, "test:pending"))
	assert.Len(t, list(t, mr, "test:dead"), 1)
	assert.Empty(t, list(t, mr, "test:processing"))
	assert.Empty(t, leases(t, mr))
}

func TestRedisQueue_NackWithoutRequeueDeadLetters(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestRedisQueue(t, 5)
	require.NoError(t, q.Publish(ctx, jobMessage("j1")))

	d, err := q.fetch(ctx)
	require.NoError(t, err)
	require.NoError(t, d.Nack(ctx, false))

	assert.Empty(t, list(t, mr, "test:pending"))
	assert.Len(t, list(t, mr, "test:dead"), 1)

	// Settling twice is a lost lease.
	assert.ErrorIs(t, d.Ack(ctx), ErrLeaseLost)
}

func TestRedisQueue_MalformedPayloadIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestRedisQueue(t, 3)
	mr.Lpush("test:pending", "not json")

	d, err := q.fetch(ctx)
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Equal(t, []string{"not json"}, list(t, mr, "test:dead"))
	assert.Empty(t, list(t, mr, "test:processing"))
	assert.Empty(t, leases(t, mr))
}

func TestRedisQueue_ExtendAndReap(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestRedisQueue(t, 3)
	now := time.UnixMilli(1_700_000_000_000)
	q.now = func() time.Time { return now }

	require.NoError(t, q.Publish(ctx, jobMessage("j1")))
	d, err := q.fetch(ctx)
	require.NoError(t, err)

	member := leases(t, mr)[0]
	score, err := mr.ZScore("test:leases", member)
	require.NoError(t, err)
	assert.Equal(t, float64(now.Add(time.Minute).UnixMilli()), score)

	require.NoError(t, d.Extend(ctx, 5*time.Minute))
	score, err = mr.ZScore("test:leases", member)
	require.NoError(t, err)
	assert.Equal(t, float64(now.Add(5*time.Minute).UnixMilli()), score)

	// Not expired yet.
	now = now.Add(4 * time.Minute)
	n, err := q.Reap(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	now = now.Add(2 * time.Minute)
	n, err = q.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, list(t, mr, "test:pending"), 1)
	assert.Empty(t, list(t, mr, "test:processing"))

	// The original holder lost its lease.
	assert.ErrorIs(t, d.Extend(ctx, time.Minute), ErrLeaseLost)
	assert.ErrorIs(t, d.Ack(ctx), ErrLeaseLost)
	assert.ErrorIs(t, d.Nack(ctx, true), ErrLeaseLost)
	assert.Len(t, list(t, mr, "test:pending"), 1)

	d, err = q.fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Attempt())
}

func TestRedisQueue_ReapDeadLettersExhaustedJobs(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestRedisQueue(t, 1)
	now := time.UnixMilli(1_700_000_000_000)
	q.now = func() time.Time { return now }

	var deadJobs []string
	q.cfg.OnDeadLetter = func(_ context.Context, jobID string) {
		deadJobs = append(deadJobs, jobID)
	}

	require.NoError(t, q.Publish(ctx, jobMessage("j1")))
	_, err := q.fetch(ctx)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	n, err := q.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, list(t, mr, "test:pending"))
	assert.Len(t, list(t, mr, "test:dead"), 1)
	assert.Equal(t, []string{"j1"}, deadJobs)
}

func TestRedisQueue_ReapReclaimsOrphanedProcessingEntries(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestRedisQueue(t, 3)

	// A payload moved to processing whose lease was never registered.
	body, err := Encode(jobMessage("j1"))
	require.NoError(t, err)
	mr.Lpush("test:processing", string(body))

	// A leased entry is never an orphan.
	require.NoError(t, q.Publish(ctx, jobMessage("j2")))
	leased, err := q.fetch(ctx)
	require.NoError(t, err)

	n, err := q.Reap(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "first sighting is left alone")
	assert.Len(t, list(t, mr, "test:processing"), 2)

	n, err = q.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{string(body)}, list(t, mr, "test:pending"))
	assert.Len(t, list(t, mr, "test:processing"), 1)

	d, err := q.fetch(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "j1", d.Message().JobID)
	require.NoError(t, d.Ack(ctx))
	require.NoError(t, leased.Ack(ctx))
}

func TestRedisQueue_ReapSkipsOrphanThatGotALease(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestRedisQueue(t, 3)

	body, err := Encode(jobMessage("j1"))
	require.NoError(t, err)
	mr.Lpush("test:processing", string(body))

	n, err := q.Reap(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// The lease registration lands between the two passes.
	_, err = mr.ZAdd("test:leases", float64(time.Now().Add(time.Hour).UnixMilli()), string(body))
	require.NoError(t, err)

	n, err = q.Reap(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, list(t, mr, "test:processing"), 1)
	assert.Empty(t, list(t, mr, "test:pending"))
}

func TestRedisQueue_Consume(t *testing.T) {
	q, _ := newTestRedisQueue(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Publish(ctx, jobMessage("j1")))

	out, err := q.Consume(ctx)
	require.NoError(t, err)

	d := receive(t, out)
	assert.Equal(t, "j1", d.Message().JobID)
	require.NoError(t, d.Ack(ctx))
}
