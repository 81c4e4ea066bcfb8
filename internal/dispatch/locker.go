package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mailzen/ingest-api/internal/model"
	"github.com/mailzen/ingest-api/pkg/metrics"
)

// Locker serializes dispatch per (user, provider) pair. TryAcquire never
// blocks: a held lock means another dispatch is in flight and the caller
// drops its event.
type Locker interface {
	TryAcquire(ctx context.Context, userID string, provider model.Provider) (bool, error)
	Release(ctx context.Context, userID string, provider model.Provider) error
}

func lockKey(userID string, provider model.Provider) string {
	return fmt.Sprintf("dispatch:lock:%s:%s", userID, provider)
}

// RedisLocker implements Locker with SET NX and a TTL so a crashed worker
// cannot hold a pair hostage.
type RedisLocker struct {
	client  *redis.Client
	ttl     time.Duration
	metrics *metrics.Metrics
}

func NewRedisLocker(client *redis.Client, ttl time.Duration, m *metrics.Metrics) *RedisLocker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl, metrics: m}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, userID string, provider model.Provider) (bool, error) {
	ok, err := l.client.SetNX(ctx, lockKey(userID, provider), 1, l.ttl).Result()
	l.count("lock_acquire", err)
	if err != nil {
		return false, fmt.Errorf("failed to acquire dispatch lock: %w", err)
	}
	return ok, nil
}

func (l *RedisLocker) Release(ctx context.Context, userID string, provider model.Provider) error {
	err := l.client.Del(ctx, lockKey(userID, provider)).Err()
	l.count("lock_release", err)
	if err != nil {
		return fmt.Errorf("failed to release dispatch lock: %w", err)
	}
	return nil
}

func (l *RedisLocker) count(op string, err error) {
	if l.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	l.metrics.RedisOperations.WithLabelValues(op, status).Inc()
}

// MemoryLocker is a process-local Locker for tests and single-instance
// deployments without redis.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]time.Time
	ttl   time.Duration
	clock func() time.Time
}

func NewMemoryLocker(ttl time.Duration) *MemoryLocker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &MemoryLocker{
		held:  make(map[string]time.Time),
		ttl:   ttl,
		clock: time.Now,
	}
}

func (l *MemoryLocker) TryAcquire(ctx context.Context, userID string, provider model.Provider) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := lockKey(userID, provider)
	if acquired, ok := l.held[key]; ok && l.clock().Sub(acquired) < l.ttl {
		return false, nil
	}
	l.held[key] = l.clock()
	return true, nil
}

func (l *MemoryLocker) Release(ctx context.Context, userID string, provider model.Provider) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, lockKey(userID, provider))
	return nil
}
