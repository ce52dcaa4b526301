// Package circuit provides a generic circuit breaker for calls to a single
// protected resource (a datastore, an upstream API, or one noisy source).
//
// A Breaker moves CLOSED -> OPEN after a run of consecutive failures, rejects
// every call while OPEN, and after the recovery timeout admits exactly one
// probe in HALF_OPEN. A successful probe closes the breaker; a failed probe
// re-opens it immediately.
//
// The breaker only decides whether a call is attempted. Errors returned by the
// wrapped operation reach the caller unchanged; the breaker's own refusal is
// reported as *OpenError, which matches ErrOpen under errors.Is.
package circuit

import (
	"context"
	"sync"
	"time"
)

const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = time.Minute
	halfOpenRetryAfter      = time.Second
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StateChangeFunc observes transitions. It runs after the breaker lock is
// released, so it may call back into the breaker.
type StateChangeFunc func(name string, from, to State)

// Breaker guards calls to one resource. The zero value is not usable; use New.
type Breaker struct {
	name          string
	threshold     int
	recovery      time.Duration
	now           func() time.Time
	isFailure     func(error) bool
	isIgnored     func(error) bool
	onStateChange StateChangeFunc

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probing     bool
	// generation changes on every transition; results of calls admitted
	// under an older generation are discarded.
	generation uint64
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithFailureThreshold sets how many consecutive failures open the breaker.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithRecoveryTimeout sets how long the breaker stays open before probing.
func WithRecoveryTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.recovery = d
		}
	}
}

// WithClock overrides the time source. Tests use it to skip the recovery wait.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithFailurePredicate decides which operation errors count as failures.
// Errors the predicate rejects are treated as successes. Default: any non-nil error.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(b *Breaker) {
		if fn != nil {
			b.isFailure = fn
		}
	}
}

// WithIgnoredErrors marks errors that say nothing about the resource's health,
// such as the caller giving up. They neither reset nor extend a failure run,
// and an ignored probe returns the breaker to OPEN so the next call probes again.
func WithIgnoredErrors(fn func(error) bool) Option {
	return func(b *Breaker) {
		b.isIgnored = fn
	}
}

// WithStateChangeHook registers a transition observer.
func WithStateChangeHook(fn StateChangeFunc) Option {
	return func(b *Breaker) {
		b.onStateChange = fn
	}
}

// New creates a closed breaker for the named resource.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:      name,
		threshold: defaultFailureThreshold,
		recovery:  defaultRecoveryTimeout,
		now:       time.Now,
		isFailure: func(err error) bool { return err != nil },
		state:     StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the protected resource name.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs op under b. When the breaker refuses the call, op is not
// invoked and the returned error is *OpenError.
func Execute[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error)) (result T, err error) {
	gen, err := b.acquire()
	if err != nil {
		return result, err
	}

	defer func() {
		if r := recover(); r != nil {
			b.release(gen, outcomeFailure)
			panic(r)
		}
	}()

	result, err = op(ctx)
	b.release(gen, b.classify(err))
	return result, err
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeIgnored
)

func (b *Breaker) classify(err error) outcome {
	switch {
	case err != nil && b.isIgnored != nil && b.isIgnored(err):
		return outcomeIgnored
	case b.isFailure(err):
		return outcomeFailure
	default:
		return outcomeSuccess
	}
}

// Do is Execute for operations without a result value.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	_, err := Execute(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

type transition struct {
	from, to State
}

// setState must be called with b.mu held.
func (b *Breaker) setState(to State) *transition {
	if b.state == to {
		return nil
	}
	t := &transition{from: b.state, to: to}
	b.state = to
	b.generation++
	return t
}

func (b *Breaker) notify(t *transition) {
	if t != nil && b.onStateChange != nil {
		b.onStateChange(b.name, t.from, t.to)
	}
}

// acquire decides whether a call may proceed and returns the generation it
// was admitted under.
func (b *Breaker) acquire() (uint64, error) {
	var changed *transition
	b.mu.Lock()
	defer func() {
		b.mu.Unlock()
		b.notify(changed)
	}()

	switch b.state {
	case StateOpen:
		wait := b.recovery - b.now().Sub(b.lastFailure)
		if wait > 0 {
			return 0, &OpenError{Resource: b.name, RetryAfter: wait}
		}
		changed = b.setState(StateHalfOpen)
		b.probing = true
	case StateHalfOpen:
		if b.probing {
			return 0, &OpenError{Resource: b.name, RetryAfter: halfOpenRetryAfter}
		}
		b.probing = true
	}
	return b.generation, nil
}

// release records the outcome of a call admitted under gen.
func (b *Breaker) release(gen uint64, result outcome) {
	var changed *transition
	b.mu.Lock()
	defer func() {
		b.mu.Unlock()
		b.notify(changed)
	}()

	if gen != b.generation {
		return
	}

	switch b.state {
	case StateHalfOpen:
		b.probing = false
		switch result {
		case outcomeFailure:
			b.lastFailure = b.now()
			changed = b.setState(StateOpen)
		case outcomeIgnored:
			// lastFailure is untouched, so the next call probes immediately
			changed = b.setState(StateOpen)
		default:
			b.failures = 0
			changed = b.setState(StateClosed)
		}
	case StateClosed:
		switch result {
		case outcomeIgnored:
			return
		case outcomeSuccess:
			b.failures = 0
			return
		}
		b.failures++
		b.lastFailure = b.now()
		if b.failures >= b.threshold {
			changed = b.setState(StateOpen)
		}
	}
}

// Trip forces the breaker open as if it had just failed. The recovery timeout
// starts now; calls in flight when Trip runs do not affect the new state.
func (b *Breaker) Trip() {
	var changed *transition
	b.mu.Lock()
	defer func() {
		b.mu.Unlock()
		b.notify(changed)
	}()

	b.lastFailure = b.now()
	b.probing = false
	if b.failures < b.threshold {
		b.failures = b.threshold
	}
	if b.state == StateOpen {
		// still bump the generation so stale results from before the re-trip are dropped
		b.generation++
		return
	}
	changed = b.setState(StateOpen)
}

// Reset forces the breaker closed and clears its failure count.
func (b *Breaker) Reset() {
	var changed *transition
	b.mu.Lock()
	defer func() {
		b.mu.Unlock()
		b.notify(changed)
	}()

	b.failures = 0
	b.probing = false
	if b.state == StateClosed {
		b.generation++
		return
	}
	changed = b.setState(StateClosed)
}

// State returns the current state. An OPEN breaker whose recovery timeout
// has elapsed still reports OPEN until the next call probes it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Health is a point-in-time view of a breaker for diagnostics.
type Health struct {
	Name            string        `json:"name"`
	State           State         `json:"state"`
	Failures        int           `json:"failures"`
	LastFailure     time.Time     `json:"last_failure,omitzero"`
	Threshold       int           `json:"threshold"`
	RecoveryTimeout time.Duration `json:"recovery_timeout_ns"`
}

// Snapshot reports the breaker's state without changing it.
func (b *Breaker) Snapshot() Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Health{
		Name:            b.name,
		State:           b.state,
		Failures:        b.failures,
		LastFailure:     b.lastFailure,
		Threshold:       b.threshold,
		RecoveryTimeout: b.recovery,
	}
}
