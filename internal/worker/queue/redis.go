package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cuongbtq/hls-worker/internal/worker/domain"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis lease queue
type RedisConfig struct {
	KeyPrefix     string
	LeaseDuration time.Duration
	MaxAttempts   int
	PollTimeout   time.Duration
	ReapInterval  time.Duration
	// OnDeadLetter, when set, is called for every job the reaper moves to the
	// dead-letter list. No delivery is left to settle such a job.
	OnDeadLetter func(ctx context.Context, jobID string)
}

// Settling a lease is a compare-and-move: a lease that is no longer in the
// lease set was reclaimed, so the caller gets ErrLeaseLost.
var (
	ackScript = redis.NewScript(`
if redis.call('ZREM', KEYS[2], ARGV[1]) == 0 then
	return 0
end
redis.call('LREM', KEYS[1], 1, ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[2])
return 1
`)

	moveScript = redis.NewScript(`
if redis.call('ZREM', KEYS[2], ARGV[1]) == 0 then
	return 0
end
redis.call('LREM', KEYS[1], 1, ARGV[1])
redis.call('LPUSH', KEYS[3], ARGV[1])
if ARGV[3] == '1' then
	redis.call('HDEL', KEYS[4], ARGV[2])
end
return 1
`)

	// An orphan is a processing entry without a lease, left behind when the
	// lease registration after BLMOVE failed or the process died in between.
	orphanScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[2], ARGV[1]) then
	return 0
end
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then
	return 0
end
redis.call('RPUSH', KEYS[3], ARGV[1])
return 1
`)

	extendScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[2]) then
	return 0
end
redis.call('ZADD', KEYS[1], 'XX', ARGV[1], ARGV[2])
return 1
`)
)

// RedisQueue is a reliable queue on Redis lists. A consumed payload moves
// atomically from the pending list to the processing list and gets a lease
// deadline in a sorted set; a reaper hands expired leases back to pending.
// Delivery attempts are counted per job and exhausted jobs are moved to the
// dead-letter list.
type RedisQueue struct {
	rdb    *redis.Client
	cfg    RedisConfig
	logger *slog.Logger
	now    func() time.Time

	// orphans seen by the previous reap pass
	orphansMu sync.Mutex
	orphans   map[string]struct{}

	pendingKey    string
	processingKey string
	leasesKey     string
	attemptsKey   string
	deadKey       string
}

// NewRedisQueue creates a new RedisQueue
func NewRedisQueue(rdb *redis.Client, cfg RedisConfig, logger *slog.Logger) *RedisQueue {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "hls:jobs"
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 2 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.PollTimeout < time.Second {
		cfg.PollTimeout = 5 * time.Second
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 30 * time.Second
	}

	return &RedisQueue{
		rdb:           rdb,
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
		orphans:       make(map[string]struct{}),
		pendingKey:    cfg.KeyPrefix + ":pending",
		processingKey: cfg.KeyPrefix + ":processing",
		leasesKey:     cfg.KeyPrefix + ":leases",
		attemptsKey:   cfg.KeyPrefix + ":attempts",
		deadKey:       cfg.KeyPrefix + ":dead",
	}
}

// Publish validates msg and appends it to the pending list
func (q *RedisQueue) Publish(ctx context.Context, msg domain.JobMessage) error {
	body, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, q.pendingKey, body).Err(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Consume starts the poll and reaper loops
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Delivery, error) {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	q.logger.Info("Redis consumer started",
		slog.String("queue", q.pendingKey),
		slog.Duration("lease", q.cfg.LeaseDuration),
		slog.Int("max_attempts", q.cfg.MaxAttempts),
	)

	out := make(chan Delivery)
	go q.reapLoop(ctx)
	go q.pollLoop(ctx, out)
	return out, nil
}

func (q *RedisQueue) pollLoop(ctx context.Context, out chan<- Delivery) {
	defer close(out)

	for {
		if ctx.Err() != nil {
			return
		}

		d, err := q.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Error("Failed to pop from queue", slog.String("error", err.Error()))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if d == nil {
			continue
		}

		select {
		case out <- d:
		case <-ctx.Done():
			q.release(d)
			return
		}
	}
}

// fetch leases the next pending payload. It returns nil when the poll timed
// out or the payload was malformed and dead-lettered.
func (q *RedisQueue) fetch(ctx context.Context) (*redisDelivery, error) {
	raw, err := q.rdb.BLMove(ctx, q.pendingKey, q.processingKey, "RIGHT", "LEFT", q.cfg.PollTimeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	if err := q.rdb.ZAdd(ctx, q.leasesKey, redis.Z{Score: q.deadline(), Member: raw}).Err(); err != nil {
		return nil, fmt.Errorf("register lease: %w", err)
	}

	msg, err := Decode([]byte(raw))
	if err != nil {
		q.logger.Error("Dropping malformed message",
			slog.String("error", err.Error()),
			slog.String("body", raw),
		)
		if _, moveErr := q.move(ctx, raw, "", q.deadKey, false); moveErr != nil {
			return nil, moveErr
		}
		return nil, nil
	}

	attempt, err := q.rdb.HIncrBy(ctx, q.attemptsKey, msg.JobID, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("increment attempts: %w", err)
	}

	return &redisDelivery{q: q, raw: raw, msg: msg, attempt: int(attempt)}, nil
}

func (q *RedisQueue) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.Reap(ctx); err != nil && ctx.Err() == nil {
				q.logger.Warn("Lease reaper failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Reap returns expired leases to the pending list, or to the dead-letter
// list once the job has used all its attempts, then reclaims orphaned
// processing entries. Returns how many messages were reclaimed.
func (q *RedisQueue) Reap(ctx context.Context) (int, error) {
	expired, err := q.rdb.ZRangeByScore(ctx, q.leasesKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list expired leases: %w", err)
	}

	reclaimed := 0
	for _, raw := range expired {
		jobID := ""
		if msg, err := Decode([]byte(raw)); err == nil {
			jobID = msg.JobID
		}

		attempts := 0
		if jobID != "" {
			attempts, err = q.rdb.HGet(ctx, q.attemptsKey, jobID).Int()
			if err != nil && !errors.Is(err, redis.Nil) {
				return reclaimed, fmt.Errorf("read attempts: %w", err)
			}
		}

		dest, exhausted := q.pendingKey, false
		if jobID == "" || attempts >= q.cfg.MaxAttempts {
			dest, exhausted = q.deadKey, true
		}

		ok, err := q.move(ctx, raw, jobID, dest, exhausted)
		if err != nil {
			return reclaimed, err
		}
		if !ok {
			continue
		}
		reclaimed++
		q.logger.Warn("Lease expired, message reclaimed",
			slog.String("job_id", jobID),
			slog.Int("attempts", attempts),
			slog.Bool("dead_lettered", exhausted),
		)
		if exhausted && jobID != "" && q.cfg.OnDeadLetter != nil {
			q.cfg.OnDeadLetter(ctx, jobID)
		}
	}

	n, err := q.reapOrphans(ctx)
	return reclaimed + n, err
}

// reapOrphans hands processing entries without a lease back to pending. An
// entry is only reclaimed when it was already leaseless on the previous pass,
// so a fetch between BLMOVE and its lease registration is left alone.
func (q *RedisQueue) reapOrphans(ctx context.Context) (int, error) {
	processing, err := q.rdb.LRange(ctx, q.processingKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list processing: %w", err)
	}

	q.orphansMu.Lock()
	defer q.orphansMu.Unlock()

	seen := make(map[string]struct{})
	reclaimed := 0
	for _, raw := range processing {
		err := q.rdb.ZScore(ctx, q.leasesKey, raw).Err()
		if err == nil {
			continue
		}
		if !errors.Is(err, redis.Nil) {
			return reclaimed, fmt.Errorf("read lease: %w", err)
		}

		if _, ok := q.orphans[raw]; !ok {
			seen[raw] = struct{}{}
			continue
		}

		n, err := orphanScript.Run(ctx, q.rdb,
			[]string{q.processingKey, q.leasesKey, q.pendingKey},
			raw,
		).Int()
		if err != nil {
			return reclaimed, fmt.Errorf("reclaim orphan: %w", err)
		}
		if n == 1 {
			reclaimed++
			q.logger.Warn("Orphaned message returned to queue", slog.String("body", raw))
		}
	}
	q.orphans = seen

	return reclaimed, nil
}

// move settles raw by pushing it onto dest. Returns false when the lease was
// already gone.
func (q *RedisQueue) move(ctx context.Context, raw, jobID, dest string, clearAttempts bool) (bool, error) {
	flag := "0"
	if clearAttempts {
		flag = "1"
	}

	n, err := moveScript.Run(ctx, q.rdb,
		[]string{q.processingKey, q.leasesKey, dest, q.attemptsKey},
		raw, jobID, flag,
	).Int()
	if err != nil {
		return false, fmt.Errorf("settle message: %w", err)
	}
	return n == 1, nil
}

// release hands an undelivered lease back without counting the attempt.
func (q *RedisQueue) release(d *redisDelivery) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := q.move(ctx, d.raw, d.msg.JobID, q.pendingKey, false); err != nil {
		q.logger.Error("Failed to release message on shutdown",
			slog.String("job_id", d.msg.JobID),
			slog.String("error", err.Error()),
		)
		return
	}
	_ = q.rdb.HIncrBy(ctx, q.attemptsKey, d.msg.JobID, -1).Err()
}

func (q *RedisQueue) deadline() float64 {
	return float64(q.now().Add(q.cfg.LeaseDuration).UnixMilli())
}

type redisDelivery struct {
	q       *RedisQueue
	raw     string
	msg     domain.JobMessage
	attempt int
}

func (d *redisDelivery) Message() domain.JobMessage { return d.msg }

func (d *redisDelivery) Attempt() int { return d.attempt }

func (d *redisDelivery) Ack(ctx context.Context) error {
	n, err := ackScript.Run(ctx, d.q.rdb,
		[]string{d.q.processingKey, d.q.leasesKey, d.q.attemptsKey},
		d.raw, d.msg.JobID,
	).Int()
	if err != nil {
		return fmt.Errorf("ack message: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Nack with requeue returns the message to pending until the job runs out of
// attempts; everything else is dead-lettered.
func (d *redisDelivery) Nack(ctx context.Context, requeue bool) error {
	dest, exhausted := d.q.pendingKey, false
	if !requeue || d.attempt >= d.q.cfg.MaxAttempts {
		dest, exhausted = d.q.deadKey, true
	}

	ok, err := d.q.move(ctx, d.raw, d.msg.JobID, dest, exhausted)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLeaseLost
	}
	if requeue && exhausted {
		return ErrDeadLettered
	}
	return nil
}

func (d *redisDelivery) Extend(ctx context.Context, lease time.Duration) error {
	deadline := d.q.now().Add(lease).UnixMilli()
	n, err := extendScript.Run(ctx, d.q.rdb,
		[]string{d.q.leasesKey},
		strconv.FormatInt(deadline, 10), d.raw,
	).Int()
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}
