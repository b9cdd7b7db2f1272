// Package counter keeps named, monotonically increasing counters on the
// shared store. They are telemetry, not a system of record: failures
// degrade to zero instead of surfacing.
package counter

import (
	"context"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/wiquzix/notification-pipeline/cache"
	"github.com/wiquzix/notification-pipeline/logger"
)

// Registry increments and reads counters.
type Registry struct {
	store  *cache.Store
	logger logger.Logger
}

// NewRegistry returns a Registry over store.
func NewRegistry(store *cache.Store, log logger.Logger) *Registry {
	return &Registry{store: store, logger: log}
}

// Increment atomically adds amount to the named counter and returns the new
// value, or 0 when the store cannot be reached.
func (r *Registry) Increment(ctx context.Context, name string, amount int64) int64 {
	var value int64
	err := r.store.Exec(ctx, func(ctx context.Context, c *redis.Client) error {
		var err error
		value, err = c.IncrBy(ctx, cache.CounterPrefix+name, amount).Result()
		return err
	})
	if err != nil {
		r.logger.Errorf("Failed to increment counter | Counter: %s | Error: %v", name, err)
		return 0
	}
	return value
}

// Read returns the named counter, or 0 when it is absent or unreadable.
func (r *Registry) Read(ctx context.Context, name string) int64 {
	var raw string
	err := r.store.Exec(ctx, func(ctx context.Context, c *redis.Client) error {
		var err error
		raw, err = c.Get(ctx, cache.CounterPrefix+name).Result()
		return err
	})
	switch {
	case errors.Is(err, redis.Nil):
		return 0
	case err != nil:
		r.logger.Errorf("Failed to read counter | Counter: %s | Error: %v", name, err)
		return 0
	}

	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		r.logger.Errorf("Counter holds a non-numeric value | Counter: %s | Value: %q", name, raw)
		return 0
	}
	return value
}
