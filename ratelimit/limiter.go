// Package ratelimit implements a fixed-window request limiter on the shared store.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wiquzix/notification-pipeline/cache"
	"github.com/wiquzix/notification-pipeline/logger"
)

// windowScript starts a window at 1 when the key is absent, increments while
// under the limit and denies without incrementing once the limit is reached.
// KEYS[1] window key, ARGV[1] limit, ARGV[2] window seconds.
var windowScript = redis.NewScript(`
local count = redis.call('GET', KEYS[1])
if not count then
	redis.call('SET', KEYS[1], 1, 'EX', ARGV[2])
	return 1
end
if tonumber(count) < tonumber(ARGV[1]) then
	redis.call('INCR', KEYS[1])
	return 1
end
return 0
`)

// Limiter counts requests per key in fixed windows.
type Limiter struct {
	store         *cache.Store
	defaultWindow time.Duration
	logger        logger.Logger
}

// NewLimiter returns a Limiter whose windows default to defaultWindow.
func NewLimiter(store *cache.Store, defaultWindow time.Duration, log logger.Logger) *Limiter {
	if defaultWindow <= 0 {
		defaultWindow = time.Minute
	}
	return &Limiter{store: store, defaultWindow: defaultWindow, logger: log}
}

// Check records one request for key and reports whether it is within limit
// for the current window (the default window when window <= 0). Windows are
// fixed, so bursts across a window boundary are possible.
//
// Check fails open: if the store cannot be reached the request is allowed.
func (l *Limiter) Check(ctx context.Context, key string, limit int, window time.Duration) bool {
	if window <= 0 {
		window = l.defaultWindow
	}
	seconds := int64(window / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	var allowed int64
	err := l.store.Exec(ctx, func(ctx context.Context, c *redis.Client) error {
		var err error
		allowed, err = windowScript.Run(ctx, c, []string{cache.RateLimitPrefix + key}, limit, seconds).Int64()
		return err
	})
	if err != nil {
		l.logger.Errorf("Rate limit check failed, allowing request | Key: %s | Error: %v", key, err)
		return true
	}
	if allowed == 0 {
		l.logger.Debugf("Rate limit exceeded | Key: %s | Limit: %d", key, limit)
		return false
	}
	return true
}
