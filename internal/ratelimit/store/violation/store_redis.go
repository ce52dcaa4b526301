// Package violation stores per-caller breach counters.
package violation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"aegis/internal/ratelimit/models"
	"aegis/pkg/platform/sentinel"
)

// RedisStore keeps one integer counter per key.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedis constructs a Redis-backed violation store.
func NewRedis(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Increment bumps the counter and sets its TTL only when the key is new, so
// the record ages out ttl after the first breach.
func (s *RedisStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("increment violations %s: %w: %w", key, sentinel.ErrUnavailable, err)
	}
	return incr.Val(), nil
}

// Get returns the record for key; a missing key has a zero count.
func (s *RedisStore) Get(ctx context.Context, key string) (models.ViolationRecord, error) {
	var (
		get *redis.StringCmd
		ttl *redis.DurationCmd
	)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.Get(ctx, key)
		ttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return models.ViolationRecord{}, fmt.Errorf("get violations %s: %w: %w", key, sentinel.ErrUnavailable, err)
	}

	record := models.ViolationRecord{Key: key}
	count, err := get.Int64()
	if errors.Is(err, redis.Nil) {
		return record, nil
	}
	if err != nil {
		return models.ViolationRecord{}, fmt.Errorf("decode violations %s: %w", key, err)
	}
	record.Count = count
	if d := ttl.Val(); d > 0 {
		record.TTL = d
	}
	return record, nil
}

// Clear removes the record for a key.
func (s *RedisStore) Clear(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("clear violations %s: %w: %w", key, sentinel.ErrUnavailable, err)
	}
	return nil
}
