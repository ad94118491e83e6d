package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const lockKeyPrefix = "joblock:"

// RedisJobLock is a best-effort distributed lock on a single Redis key.
// The lock is never released explicitly; it expires with its TTL, which
// keeps a retried EventBridge delivery in the same hour from re-running a
// job that already sent mail.
type RedisJobLock struct {
	client redis.UniversalClient
}

// NewRedisJobLock creates a lock backed by client.
func NewRedisJobLock(client redis.UniversalClient) *RedisJobLock {
	return &RedisJobLock{client: client}
}

// Acquire claims lockID for workerID. It returns false when another worker
// holds the lock.
func (l *RedisJobLock) Acquire(ctx context.Context, lockID, workerID string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, lockKeyPrefix+lockID, workerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("scheduler: acquire lock %s: %w", lockID, err)
	}
	return ok, nil
}

// Holder returns the worker holding lockID, or "" when it is free.
func (l *RedisJobLock) Holder(ctx context.Context, lockID string) (string, error) {
	v, err := l.client.Get(ctx, lockKeyPrefix+lockID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("scheduler: read lock %s: %w", lockID, err)
	}
	return v, nil
}
