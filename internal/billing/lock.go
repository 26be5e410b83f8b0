package billing

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const runLockKey = "billing:run:lock"

// RunLock guards against overlapping billing runs across processes. The
// payments unique constraint already prevents duplicates; the lock only stops
// a second run from burning through the due-set concurrently.
type RunLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRunLock builds a RunLock with the given TTL.
func NewRunLock(client *redis.Client, ttl time.Duration) *RunLock {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RunLock{client: client, ttl: ttl}
}

// Acquire attempts to take the lock. Returns false when another run holds it.
func (l *RunLock) Acquire(ctx context.Context, runID string) (bool, error) {
	if l == nil || l.client == nil {
		return true, nil
	}
	return l.client.SetNX(ctx, runLockKey, runID, l.ttl).Result()
}

// Release drops the lock. Safe to call when the lock expired already.
func (l *RunLock) Release(ctx context.Context) {
	if l == nil || l.client == nil {
		return
	}
	_ = l.client.Del(ctx, runLockKey).Err()
}
