package window

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"aegis/internal/ratelimit/models"
	"aegis/internal/ratelimit/ports"
	"aegis/pkg/platform/sentinel"
)

// GuardName is the breaker name reported by the store guard.
const GuardName = "ratelimit_store"

// GuardedStore fronts a window store with a gobreaker circuit breaker. After
// FailureThreshold consecutive errors it stops calling the store for
// RecoveryTimeout, so an outage fails open at once instead of on every
// request's network timeout.
type GuardedStore struct {
	next ports.WindowStore
	cb   *gobreaker.CircuitBreaker[models.WindowSample]
}

// GuardOption configures a GuardedStore.
type GuardOption func(*gobreaker.Settings)

// WithGuardStateChange observes guard transitions.
func WithGuardStateChange(fn func(name string, from, to gobreaker.State)) GuardOption {
	return func(st *gobreaker.Settings) {
		st.OnStateChange = fn
	}
}

// NewGuarded wraps next.
func NewGuarded(next ports.WindowStore, failureThreshold int, recoveryTimeout time.Duration, opts ...GuardOption) *GuardedStore {
	threshold := uint32(max(failureThreshold, 1))
	st := gobreaker.Settings{
		Name:        GuardName,
		MaxRequests: 1,
		Timeout:     recoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// a cancelled request says nothing about store health
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
	for _, opt := range opts {
		opt(&st)
	}
	return &GuardedStore{
		next: next,
		cb:   gobreaker.NewCircuitBreaker[models.WindowSample](st),
	}
}

// Record forwards to the wrapped store unless the guard is open.
func (g *GuardedStore) Record(ctx context.Context, key string, now time.Time, window time.Duration) (models.WindowSample, error) {
	sample, err := g.cb.Execute(func() (models.WindowSample, error) {
		return g.next.Record(ctx, key, now, window)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return models.WindowSample{}, fmt.Errorf("record window %s: %w: %w", key, sentinel.ErrUnavailable, err)
	}
	return sample, err
}

// Reset is an admin operation and always reaches the store.
func (g *GuardedStore) Reset(ctx context.Context, key string) error {
	return g.next.Reset(ctx, key)
}

// State reports the guard state.
func (g *GuardedStore) State() gobreaker.State {
	return g.cb.State()
}
