// Package window stores sliding window request markers.
package window

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"aegis/internal/ratelimit/models"
	"aegis/pkg/platform/sentinel"
)

// RedisStore keeps each window as a sorted set of markers scored by their
// timestamp in microseconds.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedis constructs a Redis-backed window store.
func NewRedis(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Record runs purge, count, insert and expire inside one MULTI/EXEC so that
// concurrent requests for the same key see strictly increasing counts.
func (s *RedisStore) Record(ctx context.Context, key string, now time.Time, window time.Duration) (models.WindowSample, error) {
	windowStart := now.Add(-window).UnixMicro()
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()

	var (
		count  *redis.IntCmd
		oldest *redis.ZSliceCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		// markers exactly at windowStart are still live
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(windowStart, 10))
		count = pipe.ZCard(ctx, key)
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMicro()), Member: member})
		pipe.PExpire(ctx, key, window)
		oldest = pipe.ZRangeWithScores(ctx, key, 0, 0)
		return nil
	})
	if err != nil {
		return models.WindowSample{}, fmt.Errorf("record window %s: %w: %w", key, sentinel.ErrUnavailable, err)
	}

	sample := models.WindowSample{CountBefore: int(count.Val()), Oldest: now}
	if first := oldest.Val(); len(first) > 0 {
		sample.Oldest = time.UnixMicro(int64(first[0].Score))
	}
	return sample, nil
}

// Reset clears the window for a key.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("reset window %s: %w: %w", key, sentinel.ErrUnavailable, err)
	}
	return nil
}
