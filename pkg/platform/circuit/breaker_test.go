package circuit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errUpstream = errors.New("upstream failed")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingOp is a stub operation that records how often it was invoked.
type countingOp struct {
	calls atomic.Int32
	err   error
}

func (o *countingOp) run(context.Context) (string, error) {
	o.calls.Add(1)
	if o.err != nil {
		return "", o.err
	}
	return "ok", nil
}

func fail(b *Breaker, n int) {
	for range n {
		_ = b.Do(context.Background(), func(context.Context) error { return errUpstream })
	}
}

func succeed(b *Breaker) error {
	return b.Do(context.Background(), func(context.Context) error { return nil })
}

func TestBreaker_InitialState(t *testing.T) {
	b := New("test")
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, "test", b.Name())

	h := b.Snapshot()
	assert.Equal(t, defaultFailureThreshold, h.Threshold)
	assert.Equal(t, defaultRecoveryTimeout, h.RecoveryTimeout)
	assert.Zero(t, h.Failures)
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New("test", WithFailureThreshold(3))

	// First two failures don't open
	fail(b, 2)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 2, b.Snapshot().Failures)

	// Third failure opens the circuit
	fail(b, 1)
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Snapshot().LastFailure.IsZero())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New("test", WithFailureThreshold(3))

	fail(b, 2)
	require.NoError(t, succeed(b))
	assert.Zero(t, b.Snapshot().Failures)

	// Two more failures don't open (count was reset)
	fail(b, 2)
	assert.Equal(t, StateClosed, b.State())

	fail(b, 1)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_ReturnsOriginalError(t *testing.T) {
	b := New("test", WithFailureThreshold(1))

	_, err := Execute(context.Background(), b, (&countingOp{err: errUpstream}).run)
	assert.Same(t, errUpstream, err)
	assert.NotErrorIs(t, err, ErrOpen)
}

func TestBreaker_OpenNeverInvokesOperation(t *testing.T) {
	clock := newFakeClock()
	b := New("test", WithFailureThreshold(1), WithRecoveryTimeout(time.Minute), WithClock(clock.Now))
	fail(b, 1)

	op := &countingOp{}
	for range 10 {
		_, err := Execute(context.Background(), b, op.run)
		require.ErrorIs(t, err, ErrOpen)
	}
	clock.Advance(59 * time.Second)
	_, err := Execute(context.Background(), b, op.run)
	require.ErrorIs(t, err, ErrOpen)

	assert.Zero(t, op.calls.Load())
}

func TestBreaker_OpenErrorNamesResource(t *testing.T) {
	clock := newFakeClock()
	b := New("database", WithFailureThreshold(1), WithRecoveryTimeout(time.Minute), WithClock(clock.Now))
	fail(b, 1)
	clock.Advance(15 * time.Second)

	err := succeed(b)
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "database", openErr.Resource)
	assert.Equal(t, 45*time.Second, openErr.RetryAfter)
	assert.Contains(t, err.Error(), "database")

	wait, ok := RetryAfter(err)
	assert.True(t, ok)
	assert.Equal(t, 45*time.Second, wait)
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	openBreaker := func(t *testing.T) (*Breaker, *fakeClock) {
		clock := newFakeClock()
		b := New("test", WithFailureThreshold(3), WithRecoveryTimeout(20*time.Second), WithClock(clock.Now))
		fail(b, 3)
		require.Equal(t, StateOpen, b.State())
		clock.Advance(20 * time.Second)
		return b, clock
	}

	t.Run("successful probe closes", func(t *testing.T) {
		b, _ := openBreaker(t)
		require.NoError(t, succeed(b))
		assert.Equal(t, StateClosed, b.State())
		assert.Zero(t, b.Snapshot().Failures)
	})

	t.Run("failed probe reopens immediately", func(t *testing.T) {
		b, clock := openBreaker(t)
		fail(b, 1)
		assert.Equal(t, StateOpen, b.State())
		assert.Equal(t, clock.Now(), b.Snapshot().LastFailure)

		// the recovery timeout restarts from the failed probe
		clock.Advance(10 * time.Second)
		assert.ErrorIs(t, succeed(b), ErrOpen)
	})

	t.Run("only one probe in flight", func(t *testing.T) {
		b, _ := openBreaker(t)
		release := make(chan struct{})
		entered := make(chan struct{})
		done := make(chan error, 1)

		go func() {
			done <- b.Do(context.Background(), func(context.Context) error {
				close(entered)
				<-release
				return nil
			})
		}()
		<-entered
		assert.Equal(t, StateHalfOpen, b.State())

		op := &countingOp{}
		_, err := Execute(context.Background(), b, op.run)
		assert.ErrorIs(t, err, ErrOpen)
		assert.Zero(t, op.calls.Load())

		close(release)
		require.NoError(t, <-done)
		assert.Equal(t, StateClosed, b.State())
	})
}

func TestBreaker_OpenAIScenario(t *testing.T) {
	clock := newFakeClock()
	b := New("openai", WithFailureThreshold(3), WithRecoveryTimeout(20*time.Second), WithClock(clock.Now))
	failing := &countingOp{err: errUpstream}

	for range 3 {
		_, err := Execute(context.Background(), b, failing.run)
		require.ErrorIs(t, err, errUpstream)
	}

	stub := &countingOp{}
	_, err := Execute(context.Background(), b, stub.run)
	require.ErrorIs(t, err, ErrOpen)
	assert.Zero(t, stub.calls.Load())

	clock.Advance(20 * time.Second)
	got, err := Execute(context.Background(), b, stub.run)
	require.NoError(t, err)
	assert.Equal(t, "ok", got)

	for range 5 {
		_, err := Execute(context.Background(), b, stub.run)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(6), stub.calls.Load())
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_Trip(t *testing.T) {
	clock := newFakeClock()
	b := New("source", WithFailureThreshold(5), WithRecoveryTimeout(time.Minute), WithClock(clock.Now))

	b.Trip()
	assert.Equal(t, StateOpen, b.State())

	op := &countingOp{}
	_, err := Execute(context.Background(), b, op.run)
	require.ErrorIs(t, err, ErrOpen)

	clock.Advance(time.Minute)
	_, err = Execute(context.Background(), b, op.run)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, int32(1), op.calls.Load())
}

func TestBreaker_TripWhileOpenRestartsRecovery(t *testing.T) {
	clock := newFakeClock()
	b := New("source", WithRecoveryTimeout(time.Minute), WithClock(clock.Now))

	b.Trip()
	clock.Advance(50 * time.Second)
	b.Trip()
	clock.Advance(50 * time.Second)

	wait, ok := RetryAfter(succeed(b))
	require.True(t, ok)
	assert.Equal(t, 10*time.Second, wait)
}

func TestBreaker_Reset(t *testing.T) {
	b := New("test", WithFailureThreshold(1))

	fail(b, 1)
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, succeed(b))
}

func TestBreaker_StaleResultIgnoredAfterReset(t *testing.T) {
	b := New("test", WithFailureThreshold(1))
	release := make(chan struct{})
	entered := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- b.Do(context.Background(), func(context.Context) error {
			close(entered)
			<-release
			return errUpstream
		})
	}()
	<-entered
	b.Reset()
	close(release)

	require.ErrorIs(t, <-done, errUpstream)
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Snapshot().Failures)
}

func TestBreaker_FailurePredicate(t *testing.T) {
	notFound := errors.New("not found")
	b := New("test",
		WithFailureThreshold(1),
		WithFailurePredicate(func(err error) bool { return err != nil && !errors.Is(err, notFound) }),
	)

	err := b.Do(context.Background(), func(context.Context) error { return notFound })
	require.ErrorIs(t, err, notFound)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_IgnoredErrors(t *testing.T) {
	newBreaker := func(clock *fakeClock) *Breaker {
		return New("test",
			WithFailureThreshold(3),
			WithRecoveryTimeout(20*time.Second),
			WithClock(clock.Now),
			WithIgnoredErrors(func(err error) bool { return errors.Is(err, context.Canceled) }),
		)
	}
	cancelled := func(b *Breaker) error {
		return b.Do(context.Background(), func(context.Context) error { return context.Canceled })
	}

	t.Run("closed keeps the failure run", func(t *testing.T) {
		b := newBreaker(newFakeClock())
		fail(b, 2)
		require.ErrorIs(t, cancelled(b), context.Canceled)
		assert.Equal(t, 2, b.Snapshot().Failures)

		fail(b, 1)
		assert.Equal(t, StateOpen, b.State())
	})

	t.Run("ignored probe reopens without restarting recovery", func(t *testing.T) {
		clock := newFakeClock()
		b := newBreaker(clock)
		fail(b, 3)
		tripped := b.Snapshot().LastFailure
		clock.Advance(21 * time.Second)

		require.ErrorIs(t, cancelled(b), context.Canceled)
		h := b.Snapshot()
		assert.Equal(t, StateOpen, h.State)
		assert.Equal(t, 3, h.Failures)
		assert.Equal(t, tripped, h.LastFailure)

		fail(b, 1)
		assert.Equal(t, StateOpen, b.State())
		assert.Equal(t, clock.Now(), b.Snapshot().LastFailure)
	})
}

func TestBreaker_StateChangeHook(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	var b *Breaker
	b = New("test",
		WithFailureThreshold(1),
		WithRecoveryTimeout(time.Second),
		WithClock(clock.Now),
		WithStateChangeHook(func(name string, from, to State) {
			// hooks run outside the lock
			_ = b.Snapshot()
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		}),
	)

	fail(b, 1)
	clock.Advance(time.Second)
	require.NoError(t, succeed(b))

	assert.Equal(t, []string{
		"test:CLOSED->OPEN",
		"test:OPEN->HALF_OPEN",
		"test:HALF_OPEN->CLOSED",
	}, transitions)
}

func TestBreaker_PanicCountsAsFailure(t *testing.T) {
	b := New("test", WithFailureThreshold(1))

	assert.Panics(t, func() {
		_ = b.Do(context.Background(), func(context.Context) error { panic("boom") })
	})
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_ConcurrentFailuresOpenOnce(t *testing.T) {
	var opened atomic.Int32
	b := New("test",
		WithFailureThreshold(10),
		WithStateChangeHook(func(_ string, _, to State) {
			if to == StateOpen {
				opened.Add(1)
			}
		}),
	)

	var wg sync.WaitGroup
	for range 100 {
		wg.Go(func() {
			fail(b, 1)
		})
	}
	wg.Wait()

	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, int32(1), opened.Load())
	assert.Equal(t, 10, b.Snapshot().Failures)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())

	text, err := StateHalfOpen.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "HALF_OPEN", string(text))
}
