// Package lease provides the leadership gate for the scheduler. Only the
// lease holder dispatches work; standbys keep serving reads and accepting
// submissions into the log.
package lease

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Leadership answers whether this process currently holds the scheduler
// lease.
type Leadership interface {
	IsLeader() bool
}

// Static is a fixed leadership answer for single-node deployments and tests.
type Static struct {
	Leader bool
}

func (s Static) IsLeader() bool { return s.Leader }

// renewScript extends the lease only if we still own it.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the lease only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLease holds leadership through a Redis key with a TTL. Acquisition is
// SET NX; renewal and release are ownership-checked so a lease stolen after
// an expiry is never clobbered.
type RedisLease struct {
	client *redis.Client
	key    string
	id     string
	ttl    time.Duration
	logger *zap.Logger
	held   atomic.Bool
}

// NewRedisLease creates a lease candidate identified by a fresh holder id.
func NewRedisLease(client *redis.Client, key string, ttl time.Duration, logger *zap.Logger) *RedisLease {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &RedisLease{
		client: client,
		key:    key,
		id:     uuid.New().String(),
		ttl:    ttl,
		logger: logger,
	}
}

// IsLeader reports the result of the most recent acquire or renew.
func (l *RedisLease) IsLeader() bool { return l.held.Load() }

// Run contends for the lease until the context ends, renewing at a third of
// the TTL while held. It blocks; run it in its own goroutine.
func (l *RedisLease) Run(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	l.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			l.release()
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *RedisLease) tick(ctx context.Context) {
	if l.held.Load() {
		if err := l.renew(ctx); err != nil {
			l.held.Store(false)
			l.logger.Warn("scheduler lease lost", zap.String("key", l.key), zap.Error(err))
		}
		return
	}
	ok, err := l.client.SetNX(ctx, l.key, l.id, l.ttl).Result()
	if err != nil {
		l.logger.Warn("lease acquire failed", zap.String("key", l.key), zap.Error(err))
		return
	}
	if ok {
		l.held.Store(true)
		l.logger.Info("scheduler lease acquired", zap.String("key", l.key), zap.String("holder", l.id))
	}
}

func (l *RedisLease) renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.id, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("lease %s taken by another holder", l.key)
	}
	return nil
}

func (l *RedisLease) release() {
	if !l.held.Swap(false) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.id).Result(); err != nil {
		l.logger.Warn("lease release failed", zap.String("key", l.key), zap.Error(err))
	}
}
