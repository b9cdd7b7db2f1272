package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const sessionUpdateAttempts = 3

// SetSession replaces the data stored for a session.
func (s *Store) SetSession(ctx context.Context, sessionID string, data map[string]interface{}, ttl time.Duration) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode session %q: %w", sessionID, err)
	}
	ttl = s.sessionTTL(ttl)

	err = s.Exec(ctx, func(ctx context.Context, c *redis.Client) error {
		return c.Set(ctx, SessionPrefix+sessionID, encoded, ttl).Err()
	})
	if isFatal(err) {
		return err
	}
	if err != nil {
		s.logger.Errorf("Failed to save session | Session: %s | Error: %v", sessionID, err)
	}
	return nil
}

// GetSession returns the data stored for a session and whether it exists.
func (s *Store) GetSession(ctx context.Context, sessionID string) (map[string]interface{}, bool, error) {
	var raw []byte
	err := s.Exec(ctx, func(ctx context.Context, c *redis.Client) error {
		var err error
		raw, err = c.Get(ctx, SessionPrefix+sessionID).Bytes()
		return err
	})
	switch {
	case errors.Is(err, redis.Nil):
		return nil, false, nil
	case isFatal(err):
		return nil, false, err
	case err != nil:
		s.logger.Errorf("Failed to read session | Session: %s | Error: %v", sessionID, err)
		return nil, false, nil
	}

	data := make(map[string]interface{})
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, false, fmt.Errorf("failed to decode session %q: %w", sessionID, err)
	}
	return data, true, nil
}

// UpdateSession merges data into the stored session, creating it when
// missing, and refreshes its TTL. The read-merge-write runs as an optimistic
// transaction and is retried when another writer wins the race.
func (s *Store) UpdateSession(ctx context.Context, sessionID string, data map[string]interface{}, ttl time.Duration) error {
	if _, err := json.Marshal(data); err != nil {
		return fmt.Errorf("failed to encode session %q: %w", sessionID, err)
	}
	key := SessionPrefix + sessionID
	ttl = s.sessionTTL(ttl)

	merge := func(tx *redis.Tx) error {
		current := make(map[string]interface{})
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			if jsonErr := json.Unmarshal(raw, &current); jsonErr != nil {
				s.logger.Warnf("Discarding undecodable session | Session: %s | Error: %v", sessionID, jsonErr)
				current = make(map[string]interface{})
			}
		}
		for k, v := range data {
			current[k] = v
		}
		encoded, err := json.Marshal(current)
		if err != nil {
			return dataError{err}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, ttl)
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < sessionUpdateAttempts; attempt++ {
		err = s.Exec(ctx, func(ctx context.Context, c *redis.Client) error {
			return c.Watch(ctx, merge, key)
		})
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if isFatal(err) {
		return err
	}
	if err != nil {
		s.logger.Errorf("Failed to update session | Session: %s | Error: %v", sessionID, err)
	}
	return nil
}

// DeleteSession removes a session.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	err := s.Exec(ctx, func(ctx context.Context, c *redis.Client) error {
		return c.Del(ctx, SessionPrefix+sessionID).Err()
	})
	if isFatal(err) {
		return err
	}
	if err != nil {
		s.logger.Errorf("Failed to delete session | Session: %s | Error: %v", sessionID, err)
	}
	return nil
}

func (s *Store) sessionTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return s.opts.SessionTTL
	}
	return ttl
}
