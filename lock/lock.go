// Package lock implements a distributed mutual-exclusion lock on the shared store.
//
// A lock is a key holding its owner's token with a TTL. Release compares the
// token and deletes in one server-side script, so an owner whose lock expired
// and was re-acquired by someone else can never release the new holder's lock.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wiquzix/notification-pipeline/cache"
	"github.com/wiquzix/notification-pipeline/logger"
)

// releaseScript deletes KEYS[1] only when it holds ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Locker acquires and releases named locks.
type Locker struct {
	store      *cache.Store
	defaultTTL time.Duration
	logger     logger.Logger
}

// NewLocker returns a Locker whose locks default to defaultTTL.
func NewLocker(store *cache.Store, defaultTTL time.Duration, log logger.Logger) *Locker {
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Second
	}
	return &Locker{store: store, defaultTTL: defaultTTL, logger: log}
}

// NewOwner returns a unique owner token.
func NewOwner() string {
	return uuid.NewString()
}

// Acquire takes the lock for owner if nobody holds it, for ttl (the default
// TTL when ttl <= 0). A false result is contention or an unreachable store,
// never an error.
func (l *Locker) Acquire(ctx context.Context, name, owner string, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = l.defaultTTL
	}

	var acquired bool
	err := l.store.Exec(ctx, func(ctx context.Context, c *redis.Client) error {
		var err error
		acquired, err = c.SetNX(ctx, cache.LockPrefix+name, owner, ttl).Result()
		return err
	})
	if err != nil {
		l.logger.Errorf("Failed to acquire lock | Lock: %s | Error: %v", name, err)
		return false
	}
	return acquired
}

// Release frees the lock if owner currently holds it and reports whether it did.
func (l *Locker) Release(ctx context.Context, name, owner string) bool {
	var deleted int64
	err := l.store.Exec(ctx, func(ctx context.Context, c *redis.Client) error {
		var err error
		deleted, err = releaseScript.Run(ctx, c, []string{cache.LockPrefix + name}, owner).Int64()
		return err
	})
	if err != nil {
		l.logger.Errorf("Failed to release lock | Lock: %s | Error: %v", name, err)
		return false
	}
	return deleted == 1
}

// WithLock runs fn while holding the named lock under a fresh owner token.
// ran is false, and fn is not called, when someone else holds the lock.
// The lock is released even when ctx is cancelled while fn runs.
func (l *Locker) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) (ran bool, err error) {
	owner := NewOwner()
	if !l.Acquire(ctx, name, owner, ttl) {
		l.logger.Debugf("Lock busy, skipping | Lock: %s", name)
		return false, nil
	}
	defer func() {
		if !l.Release(context.WithoutCancel(ctx), name, owner) {
			l.logger.Warnf("Lock expired before release | Lock: %s", name)
		}
	}()
	if err := fn(ctx); err != nil {
		return true, fmt.Errorf("locked section %s: %w", name, err)
	}
	return true, nil
}
