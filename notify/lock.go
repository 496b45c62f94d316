package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
)

// ErrLockHeld means another dispatcher is draining the outbox.
var ErrLockHeld = errors.New("dispatch lock held elsewhere")

// Locker guards a dispatch pass so only one dispatcher drains the outbox at
// a time. Acquire never waits: it either returns a release func or
// ErrLockHeld.
type Locker interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// LocalLock serializes dispatchers within one process.
type LocalLock struct {
	mu sync.Mutex
}

func (l *LocalLock) Acquire(context.Context) (func(), error) {
	if !l.mu.TryLock() {
		return nil, ErrLockHeld
	}
	return l.mu.Unlock, nil
}

// RedisLock serializes dispatchers across processes that share a Redis.
type RedisLock struct {
	Client *redislock.Client
	Key    string
	TTL    time.Duration
}

// DefaultLockKey is the Redis key used when RedisLock.Key is empty.
const DefaultLockKey = "lock:flockledger:dispatch"

func (l RedisLock) Acquire(ctx context.Context) (func(), error) {
	key := l.Key
	if key == "" {
		key = DefaultLockKey
	}
	ttl := l.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	lock, err := l.Client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLockHeld
	}
	if err != nil {
		return nil, fmt.Errorf("obtain %s: %w", key, err)
	}
	return func() {
		// Expiry covers a failed release.
		_ = lock.Release(context.Background())
	}, nil
}
