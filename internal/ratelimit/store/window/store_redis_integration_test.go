//go:build integration

package window_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"aegis/internal/ratelimit/store/window"
	"aegis/pkg/testutil/containers"
)

type RedisIntegrationSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *window.RedisStore
}

func TestRedisIntegrationSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisIntegrationSuite))
}

func (s *RedisIntegrationSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
	s.store = window.NewRedis(s.redis.Client)
}

func (s *RedisIntegrationSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

// Concurrent Record calls against a real server never admit more than the limit.
func (s *RedisIntegrationSuite) TestConcurrentRecordEnforcesLimit() {
	ctx := context.Background()
	const (
		goroutines = 100
		limit      = 10
	)
	now := time.Now()

	var wg sync.WaitGroup
	var allowed atomic.Int32
	for range goroutines {
		wg.Go(func() {
			sample, err := s.store.Record(ctx, "rl:general:ip:10.0.0.1", now, time.Minute)
			s.NoError(err)
			if sample.CountBefore < limit {
				allowed.Add(1)
			}
		})
	}
	wg.Wait()

	s.Equal(int32(limit), allowed.Load())
	card, err := s.redis.Client.ZCard(ctx, "rl:general:ip:10.0.0.1").Result()
	s.Require().NoError(err)
	s.Equal(int64(goroutines), card, "rejected requests still leave a marker")
}

func (s *RedisIntegrationSuite) TestTTLMatchesWindow() {
	ctx := context.Background()
	_, err := s.store.Record(ctx, "rl:auth:ip:10.0.0.2", time.Now(), 30*time.Second)
	s.Require().NoError(err)

	ttl, err := s.redis.Client.PTTL(ctx, "rl:auth:ip:10.0.0.2").Result()
	s.Require().NoError(err)
	s.InDelta(float64(30*time.Second), float64(ttl), float64(time.Second))
}
