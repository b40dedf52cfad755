package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"job-lease-guard/internal/config"
	"job-lease-guard/internal/lease"
	"job-lease-guard/internal/telemetry"
)

// RedisQueue holds the job IDs that are ready to run and the quarantine list
// operators inspect. It carries no ownership: a popped ID still has to win a
// lease before any work starts, so duplicates and stale entries are harmless.
type RedisQueue struct {
	client        redis.UniversalClient
	readyKey      string
	queuedKey     string
	quarantineKey string
	timeout       time.Duration
}

// NewRedisQueue builds a queue on an existing client.
func NewRedisQueue(client redis.UniversalClient, cfg config.Config) *RedisQueue {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "lease"
	}
	timeout := cfg.StoreTimeout
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	// All three keys share a hash tag so the scripts stay in one cluster slot.
	return &RedisQueue{
		client:        client,
		readyKey:      prefix + ":queue:ready:{q}",
		queuedKey:     prefix + ":queue:queued:{q}",
		quarantineKey: prefix + ":queue:quarantine:{q}",
		timeout:       timeout,
	}
}

// NewClient dials Redis from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// Push appends jobID to the ready queue unless it is already queued.
func (q *RedisQueue) Push(ctx context.Context, jobID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	n, err := pushScript.Run(ctx, q.client, []string{q.readyKey, q.queuedKey}, jobID).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: push %s: %w", lease.ErrStoreUnavailable, jobID, err)
	}
	return n == 1, nil
}

// Pop takes the oldest ready job ID. It returns "" when the queue is empty.
func (q *RedisQueue) Pop(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	res, err := popScript.Run(ctx, q.client, []string{q.readyKey, q.queuedKey}).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: pop: %w", lease.ErrStoreUnavailable, err)
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from pop script: %T", res)
	}
	return jobID, nil
}

// Remove drops jobID from the ready queue.
func (q *RedisQueue) Remove(ctx context.Context, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey, 0, jobID)
	pipe.SRem(ctx, q.queuedKey, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: remove %s: %w", lease.ErrStoreUnavailable, jobID, err)
	}
	return nil
}

// Quarantine moves jobID out of the ready queue and onto the quarantine list.
func (q *RedisQueue) Quarantine(ctx context.Context, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey, 0, jobID)
	pipe.SRem(ctx, q.queuedKey, jobID)
	pipe.LRem(ctx, q.quarantineKey, 0, jobID)
	pipe.RPush(ctx, q.quarantineKey, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: quarantine %s: %w", lease.ErrStoreUnavailable, jobID, err)
	}
	return nil
}

// Unquarantine removes jobID from the quarantine list.
func (q *RedisQueue) Unquarantine(ctx context.Context, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	if err := q.client.LRem(ctx, q.quarantineKey, 0, jobID).Err(); err != nil {
		return fmt.Errorf("%w: unquarantine %s: %w", lease.ErrStoreUnavailable, jobID, err)
	}
	return nil
}

// Quarantined lists up to count quarantined job IDs, oldest first.
func (q *RedisQueue) Quarantined(ctx context.Context, count int64) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	if count <= 0 {
		count = 100
	}
	ids, err := q.client.LRange(ctx, q.quarantineKey, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list quarantine: %w", lease.ErrStoreUnavailable, err)
	}
	return ids, nil
}

// ReadyDepth returns the ready queue length and publishes it as a gauge.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	n, err := q.client.LLen(ctx, q.readyKey).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: ready depth: %w", lease.ErrStoreUnavailable, err)
	}
	telemetry.ReadyQueueDepth.Set(float64(n))
	return n, nil
}

// KEYS: ready list, queued set
var pushScript = redis.NewScript(`
if redis.call('SADD', KEYS[2], ARGV[1]) == 0 then
  return 0
end
redis.call('RPUSH', KEYS[1], ARGV[1])
return 1
`)

// KEYS: ready list, queued set
var popScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('SREM', KEYS[2], job)
  return job
end
return nil
`)
