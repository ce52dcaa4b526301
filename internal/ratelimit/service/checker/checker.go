// Package checker is the single entry point business code and middleware use
// for rate limiting, abuse checks, source throttling and circuit breakers.
package checker

import (
	"context"
	"errors"
	"log/slog"

	"aegis/internal/ratelimit/models"
	"aegis/internal/ratelimit/service/abuse"
	"aegis/internal/ratelimit/service/breakers"
	"aegis/internal/ratelimit/service/requestlimit"
	"aegis/internal/ratelimit/service/sourcethrottle"
)

// Service is a facade composing focused resilience services.
// Middleware depends on this unified interface.
type Service struct {
	requests *requestlimit.Service
	abuse    *abuse.Service
	sources  *sourcethrottle.Service
	breakers *breakers.Registry
	logger   *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithSourceThrottle enables per-source throttling. Without it AdmitSource
// admits everything.
func WithSourceThrottle(sources *sourcethrottle.Service) Option {
	return func(s *Service) {
		s.sources = sources
	}
}

func New(
	requests *requestlimit.Service,
	abuseService *abuse.Service,
	registry *breakers.Registry,
	opts ...Option,
) (*Service, error) {
	if requests == nil {
		return nil, errors.New("requests service is required")
	}
	if abuseService == nil {
		return nil, errors.New("abuse service is required")
	}
	if registry == nil {
		return nil, errors.New("breaker registry is required")
	}

	svc := &Service{
		requests: requests,
		abuse:    abuseService,
		breakers: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// CheckRateLimit applies the named policy to an already derived key.
func (s *Service) CheckRateLimit(ctx context.Context, policyName string, key models.LimitKey) (*models.RateLimitResult, error) {
	return s.requests.CheckPolicy(ctx, policyName, key)
}

// Policy resolves a configured policy.
func (s *Service) Policy(name string) (models.RateLimitPolicy, error) {
	return s.requests.Policy(name)
}

// EvaluateCaller derives the key for caller under policy, applies the
// allowlist and then the sliding window.
func (s *Service) EvaluateCaller(ctx context.Context, policy models.RateLimitPolicy, caller models.Caller) (*models.RateLimitResult, models.LimitKey) {
	return s.requests.Evaluate(ctx, policy, caller)
}

// CheckAbuse runs the abuse heuristics for key.
func (s *Service) CheckAbuse(ctx context.Context, req models.AbuseRequest, key models.LimitKey) models.AbuseVerdict {
	return s.abuse.Check(ctx, req, key)
}

// AdmitSource applies the per-source throttle.
func (s *Service) AdmitSource(ctx context.Context, sourceID string) sourcethrottle.Decision {
	if s.sources == nil {
		return sourcethrottle.Decision{Allowed: true}
	}
	return s.sources.Check(ctx, sourceID)
}

// Breakers exposes the registry for introspection.
func (s *Service) Breakers() *breakers.Registry {
	return s.breakers
}

// WithBreaker runs op under the breaker for resource and returns op's result
// unchanged, or a *circuit.OpenError when the breaker refused the call.
func WithBreaker[T any](ctx context.Context, s *Service, resource string, op func(context.Context) (T, error)) (T, error) {
	return breakers.WithBreaker(ctx, s.breakers, resource, op)
}
