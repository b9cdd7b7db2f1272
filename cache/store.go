// Package cache provides the shared Redis-backed store behind response
// caching, rate limiting, locks, counters and sessions.
//
// The store holds at most one live connection, created lazily on first use.
// Establishing it retries with exponential backoff; any infrastructure
// failure afterwards drops the connection so the next operation reconnects.
// Operations are fail-soft: apart from a failed connection attempt they log
// infrastructure errors and degrade to a miss or a no-op.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/wiquzix/notification-pipeline/config"
	"github.com/wiquzix/notification-pipeline/errs"
	"github.com/wiquzix/notification-pipeline/logger"
)

// Options configures a Store.
type Options struct {
	URL              string
	ConnectRetries   int           // Retries after the first failed connection attempt
	ConnectBaseDelay time.Duration // Delay before the first retry; doubles after each
	DefaultTTL       time.Duration // TTL used by Set when none is given
	SessionTTL       time.Duration // TTL used by session writes when none is given
}

// OptionsFromConfig maps the Redis configuration onto store options.
func OptionsFromConfig(cfg config.RedisConfig) Options {
	return Options{
		URL:              cfg.URL,
		ConnectRetries:   cfg.ConnectRetries,
		ConnectBaseDelay: cfg.ConnectBaseDelay,
		DefaultTTL:       cfg.CacheTTL,
		SessionTTL:       cfg.SessionTTL,
	}
}

// Store is the shared Redis connection and the generic JSON cache on top of it.
type Store struct {
	opts      Options
	redisOpts *redis.Options
	logger    logger.Logger

	connecting singleflight.Group
	// Connection attempts run under ctx so one caller giving up does not
	// fail the attempt for the others. Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	client *redis.Client
	closed bool
}

// NewStore validates the options and returns a Store. No connection is made
// until the first operation.
func NewStore(opts Options, log logger.Logger) (*Store, error) {
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	// Reconnection is handled by the store itself.
	redisOpts.MaxRetries = -1

	if opts.ConnectRetries < 0 {
		opts.ConnectRetries = 0
	}
	if opts.ConnectBaseDelay <= 0 {
		opts.ConnectBaseDelay = time.Second
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = time.Hour
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 24 * time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		opts:      opts,
		redisOpts: redisOpts,
		logger:    log,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Exec runs fn against the shared connection.
//
// If no connection can be established the error wraps errs.ErrInfraUnavailable
// (or errs.ErrClosed after Close). An infrastructure failure returned by fn
// drops the connection and is returned wrapped in errs.ErrTransientInfra.
// Server replies, redis.Nil included, are returned unchanged.
func (s *Store) Exec(ctx context.Context, fn func(ctx context.Context, c *redis.Client) error) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	err = fn(ctx, c)
	if isInfraError(err) {
		s.invalidate(c)
		return fmt.Errorf("%w: %w", errs.ErrTransientInfra, err)
	}
	return err
}

// Get decodes the value stored under key into dest and reports whether it
// was found. Timestamps come back as the strings they were stored as.
func (s *Store) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	var data []byte
	err := s.Exec(ctx, func(ctx context.Context, c *redis.Client) error {
		var err error
		data, err = c.Get(ctx, CachePrefix+key).Bytes()
		return err
	})
	switch {
	case errors.Is(err, redis.Nil):
		s.logger.Debugf("Cache miss | Key: %s", key)
		return false, nil
	case isFatal(err):
		return false, err
	case err != nil:
		s.logger.Errorf("Failed to read cache | Key: %s | Error: %v", key, err)
		return false, nil
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to decode cache entry %q: %w", key, err)
	}
	s.logger.Debugf("Cache hit | Key: %s", key)
	return true, nil
}

// Set stores value as JSON under key for ttl (the default TTL when ttl <= 0).
// time.Time values encode as RFC 3339 strings and dto.Date as YYYY-MM-DD.
func (s *Store) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry %q: %w", key, err)
	}
	if ttl <= 0 {
		ttl = s.opts.DefaultTTL
	}

	err = s.Exec(ctx, func(ctx context.Context, c *redis.Client) error {
		return c.Set(ctx, CachePrefix+key, data, ttl).Err()
	})
	if isFatal(err) {
		return err
	}
	if err != nil {
		s.logger.Errorf("Failed to write cache | Key: %s | Error: %v", key, err)
		return nil
	}
	s.logger.Debugf("Cache stored | Key: %s | TTL: %s", key, ttl)
	return nil
}

// Delete removes key from the cache.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.Exec(ctx, func(ctx context.Context, c *redis.Client) error {
		return c.Del(ctx, CachePrefix+key).Err()
	})
	if isFatal(err) {
		return err
	}
	if err != nil {
		s.logger.Errorf("Failed to delete cache | Key: %s | Error: %v", key, err)
	}
	return nil
}

// Clear removes every cache entry. Locks, counters, rate-limit windows and
// sessions live under other prefixes and are left untouched.
func (s *Store) Clear(ctx context.Context) error {
	removed := 0
	err := s.Exec(ctx, func(ctx context.Context, c *redis.Client) error {
		iter := c.Scan(ctx, 0, CachePrefix+"*", 500).Iterator()
		batch := make([]string, 0, 500)
		for iter.Next(ctx) {
			batch = append(batch, iter.Val())
			if len(batch) == cap(batch) {
				if err := c.Unlink(ctx, batch...).Err(); err != nil {
					return err
				}
				removed += len(batch)
				batch = batch[:0]
			}
		}
		if err := iter.Err(); err != nil {
			return err
		}
		if len(batch) > 0 {
			if err := c.Unlink(ctx, batch...).Err(); err != nil {
				return err
			}
			removed += len(batch)
		}
		return nil
	})
	if isFatal(err) {
		return err
	}
	if err != nil {
		s.logger.Errorf("Failed to clear cache | Error: %v", err)
		return nil
	}
	s.logger.Debugf("Cache cleared | Keys: %d", removed)
	return nil
}

// Ping checks the store is reachable. Unlike the cache operations it
// reports every failure.
func (s *Store) Ping(ctx context.Context) error {
	return s.Exec(ctx, func(ctx context.Context, c *redis.Client) error {
		return c.Ping(ctx).Err()
	})
}

// Close releases the connection. Operations after Close fail with errs.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	if err != nil {
		return fmt.Errorf("failed to close Redis connection: %w", err)
	}
	s.logger.Infof("Redis connection closed")
	return nil
}

// conn returns the live connection, establishing it if needed. Concurrent
// callers share one connection attempt; each waits for it no longer than its
// own ctx allows and gets ctx.Err() when it gives up first.
func (s *Store) conn(ctx context.Context) (*redis.Client, error) {
	s.mu.RLock()
	c, closed := s.client, s.closed
	s.mu.RUnlock()
	if closed {
		return nil, errs.ErrClosed
	}
	if c != nil {
		return c, nil
	}

	ch := s.connecting.DoChan("connect", func() (interface{}, error) {
		s.mu.RLock()
		c := s.client
		s.mu.RUnlock()
		if c != nil {
			return c, nil
		}

		c, err := s.connect()
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			_ = c.Close()
			return nil, errs.ErrClosed
		}
		s.client = c
		return c, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*redis.Client), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// connect dials and pings the store, retrying with exponential backoff.
// It runs under the store's own context and stops early only on Close.
func (s *Store) connect() (*redis.Client, error) {
	ctx := s.ctx
	attempt := 0
	var client *redis.Client

	operation := func() error {
		attempt++
		c := redis.NewClient(s.redisOpts)
		if err := c.Ping(ctx).Err(); err != nil {
			_ = c.Close()
			return err
		}
		client = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warnf("Redis connection attempt failed | Attempt: %d | Retry in: %s | Error: %v", attempt, wait, err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), uint64(s.opts.ConnectRetries)), ctx)
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		if ctx.Err() != nil {
			return nil, errs.ErrClosed
		}
		s.logger.Errorf("Redis unavailable | Addr: %s | Attempts: %d | Error: %v", s.redisOpts.Addr, attempt, err)
		return nil, fmt.Errorf("%w: redis at %s unreachable after %d attempts: %w", errs.ErrInfraUnavailable, s.redisOpts.Addr, attempt, err)
	}

	s.logger.Infof("Redis connection established | Addr: %s | Attempts: %d", s.redisOpts.Addr, attempt)
	return client, nil
}

func (s *Store) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.ConnectBaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = s.opts.ConnectBaseDelay << s.opts.ConnectRetries
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// invalidate drops c if it is still the held connection.
func (s *Store) invalidate(c *redis.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != c {
		return
	}
	s.client = nil
	_ = c.Close()
	s.logger.Warnf("Redis connection dropped, next operation reconnects")
}

// dataError marks a failure of the caller's data rather than of the store.
type dataError struct{ err error }

func (e dataError) Error() string { return e.err.Error() }
func (e dataError) Unwrap() error { return e.err }

// isInfraError separates connection-level failures from server replies and
// caller cancellation.
func isInfraError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var (
		redisErr redis.Error
		dataErr  dataError
	)
	return !errors.As(err, &redisErr) && !errors.As(err, &dataErr)
}

// isFatal reports errors the fail-soft operations still surface: the store
// could not be reached at all, or it was closed.
func isFatal(err error) bool {
	return errors.Is(err, errs.ErrInfraUnavailable) || errors.Is(err, errs.ErrClosed)
}
