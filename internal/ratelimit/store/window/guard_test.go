package window

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/internal/ratelimit/models"
	"aegis/pkg/platform/sentinel"
)

type flakyStore struct {
	calls atomic.Int32
	err   error
}

func (f *flakyStore) Record(context.Context, string, time.Time, time.Duration) (models.WindowSample, error) {
	f.calls.Add(1)
	if f.err != nil {
		return models.WindowSample{}, f.err
	}
	return models.WindowSample{CountBefore: 1}, nil
}

func (f *flakyStore) Reset(context.Context, string) error {
	f.calls.Add(1)
	return f.err
}

func TestGuardedStore_OpensAfterConsecutiveFailures(t *testing.T) {
	down := &flakyStore{err: errors.New("dial tcp: connection refused")}
	var transitions []gobreaker.State
	guard := NewGuarded(down, 3, time.Hour, WithGuardStateChange(func(_ string, _, to gobreaker.State) {
		transitions = append(transitions, to)
	}))
	ctx := context.Background()

	for range 3 {
		_, err := guard.Record(ctx, "rl:k", baseTime, testWindow)
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, guard.State())
	assert.Equal(t, []gobreaker.State{gobreaker.StateOpen}, transitions)

	// open guard short-circuits without touching the store
	_, err := guard.Record(ctx, "rl:k", baseTime, testWindow)
	require.ErrorIs(t, err, sentinel.ErrUnavailable)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(3), down.calls.Load())
}

func TestGuardedStore_PassesThroughWhenHealthy(t *testing.T) {
	up := &flakyStore{}
	guard := NewGuarded(up, 3, time.Second)

	sample, err := guard.Record(context.Background(), "rl:k", baseTime, testWindow)
	require.NoError(t, err)
	assert.Equal(t, 1, sample.CountBefore)
	assert.Equal(t, gobreaker.StateClosed, guard.State())
}

func TestGuardedStore_CancellationIsNotAFailure(t *testing.T) {
	cancelled := &flakyStore{err: context.Canceled}
	guard := NewGuarded(cancelled, 1, time.Hour)

	for range 3 {
		_, err := guard.Record(context.Background(), "rl:k", baseTime, testWindow)
		require.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, gobreaker.StateClosed, guard.State())
}

func TestGuardedStore_ResetBypassesGuard(t *testing.T) {
	down := &flakyStore{err: errors.New("boom")}
	guard := NewGuarded(down, 1, time.Hour)
	_, _ = guard.Record(context.Background(), "rl:k", baseTime, testWindow)
	require.Equal(t, gobreaker.StateOpen, guard.State())

	down.err = nil
	assert.NoError(t, guard.Reset(context.Background(), "rl:k"))
}
