// Package breakers holds one circuit breaker per protected resource.
package breakers

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"aegis/internal/ratelimit/config"
	"aegis/internal/ratelimit/metrics"
	"aegis/internal/ratelimit/models"
	"aegis/internal/ratelimit/ports"
	dErrors "aegis/pkg/domain-errors"
	"aegis/pkg/platform/circuit"
	"aegis/pkg/platform/sentinel"
)

type Registry struct {
	breakers map[string]*circuit.Breaker
	names    []string

	auditPublisher ports.AuditPublisher
	logger         *slog.Logger
	metrics        *metrics.Metrics
	tracer         trace.Tracer
	clock          func() time.Time
	predicates     map[string]func(error) bool
}

type Option func(*Registry)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

func WithAuditPublisher(publisher ports.AuditPublisher) Option {
	return func(r *Registry) {
		r.auditPublisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.clock = now
	}
}

// WithFailurePredicate replaces the failure predicate of one resource.
func WithFailurePredicate(resource string, fn func(error) bool) Option {
	return func(r *Registry) {
		r.predicates[resource] = fn
	}
}

// New builds a breaker for every configured resource.
func New(cfg map[string]config.BreakerConfig, opts ...Option) (*Registry, error) {
	if len(cfg) == 0 {
		return nil, errors.New("at least one breaker must be configured")
	}

	r := &Registry{
		breakers:   make(map[string]*circuit.Breaker, len(cfg)),
		logger:     slog.Default(),
		tracer:     otel.Tracer("aegis/internal/ratelimit/service/breakers"),
		predicates: make(map[string]func(error) bool),
	}
	for _, opt := range opts {
		opt(r)
	}

	for name, bc := range cfg {
		predicate, ok := r.predicates[name]
		if !ok {
			predicate = DefaultFailurePredicate(name)
		}
		breakerOpts := []circuit.Option{
			circuit.WithFailureThreshold(bc.FailureThreshold),
			circuit.WithRecoveryTimeout(bc.RecoveryTimeout),
			circuit.WithFailurePredicate(predicate),
			circuit.WithIgnoredErrors(CallerCancelled),
			circuit.WithStateChangeHook(r.onStateChange),
		}
		if r.clock != nil {
			breakerOpts = append(breakerOpts, circuit.WithClock(r.clock))
		}
		r.breakers[name] = circuit.New(name, breakerOpts...)
		r.names = append(r.names, name)
		if r.metrics != nil {
			r.metrics.SetBreakerState(name, int(circuit.StateClosed))
		}
	}
	sort.Strings(r.names)
	return r, nil
}

// DefaultFailurePredicate decides which errors count against a resource.
// For the database, lookups that found nothing are successful calls.
func DefaultFailurePredicate(resource string) func(error) bool {
	if resource == config.ResourceDatabase {
		return func(err error) bool {
			return err != nil &&
				!errors.Is(err, sql.ErrNoRows) &&
				!errors.Is(err, sentinel.ErrNotFound)
		}
	}
	return func(err error) bool {
		return err != nil
	}
}

// CallerCancelled reports errors caused by the caller abandoning the call.
// Breakers treat them as neither success nor failure.
func CallerCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}

func (r *Registry) onStateChange(name string, from, to circuit.State) {
	if r.metrics != nil {
		r.metrics.SetBreakerState(name, int(to))
		r.metrics.RecordBreakerTransition(name, to.String())
	}

	event := models.EventCircuitClosed
	switch to {
	case circuit.StateOpen:
		event = models.EventCircuitOpened
	case circuit.StateHalfOpen:
		event = models.EventCircuitHalfOpen
	}
	ports.LogAudit(context.Background(), r.logger, r.auditPublisher, event,
		"resource", name,
		"from", from.String(),
		"to", to.String(),
	)
}

// Get returns the breaker guarding resource.
func (r *Registry) Get(resource string) (*circuit.Breaker, error) {
	b, ok := r.breakers[resource]
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "unknown circuit breaker: "+resource)
	}
	return b, nil
}

// Names lists the protected resources in sorted order.
func (r *Registry) Names() []string {
	return slices.Clone(r.names)
}

// All returns health snapshots sorted by resource name.
func (r *Registry) All() []circuit.Health {
	out := make([]circuit.Health, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.breakers[name].Snapshot())
	}
	return out
}

// Reset forces a breaker CLOSED.
func (r *Registry) Reset(ctx context.Context, resource string) error {
	b, err := r.Get(resource)
	if err != nil {
		return err
	}
	b.Reset()
	r.logger.InfoContext(ctx, "circuit breaker reset", "resource", resource)
	return nil
}

// Do runs op under the breaker for resource.
func (r *Registry) Do(ctx context.Context, resource string, op func(context.Context) error) error {
	_, err := WithBreaker(ctx, r, resource, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// WithBreaker runs op under the breaker for resource. It returns op's own
// result and error, or a *circuit.OpenError when the breaker refused the call.
func WithBreaker[T any](ctx context.Context, r *Registry, resource string, op func(context.Context) (T, error)) (T, error) {
	var zero T
	b, err := r.Get(resource)
	if err != nil {
		return zero, err
	}

	ctx, span := r.tracer.Start(ctx, "circuit.execute", trace.WithAttributes(
		attribute.String("circuit.resource", resource),
	))
	defer span.End()

	result, err := circuit.Execute(ctx, b, op)
	switch {
	case errors.Is(err, circuit.ErrOpen):
		if r.metrics != nil {
			r.metrics.RecordBreakerRejection(resource)
		}
		span.SetAttributes(attribute.Bool("circuit.rejected", true))
		span.SetStatus(codes.Error, "circuit open")
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation failed")
	}
	return result, err
}
