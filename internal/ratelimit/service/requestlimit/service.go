// Package requestlimit implements the sliding window rate limiter.
package requestlimit

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync/atomic"
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
	"aegis/pkg/platform/privacy"
	"aegis/pkg/requestcontext"
)

// Type aliases for interfaces from ports package.
// This allows external packages to use these types without importing ports directly.
type (
	WindowStore    = ports.WindowStore
	ViolationStore = ports.ViolationStore
	AllowlistStore = ports.AllowlistStore
	AuditPublisher = ports.AuditPublisher
)

// outageReportInterval limits how often a store outage is sent to the audit
// publisher; every fail-open is still logged and counted.
const outageReportInterval = 10 * time.Second

type Service struct {
	windows        WindowStore
	violations     ViolationStore
	allowlist      AllowlistStore
	auditPublisher AuditPublisher
	logger         *slog.Logger
	config         *config.Config
	metrics        *metrics.Metrics
	tracer         trace.Tracer

	lastOutageReport atomic.Int64
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.auditPublisher = publisher
	}
}

func WithConfig(cfg *config.Config) Option {
	return func(s *Service) {
		s.config = cfg
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithAllowlist enables allowlist bypass in Evaluate.
func WithAllowlist(store AllowlistStore) Option {
	return func(s *Service) {
		s.allowlist = store
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

func New(
	windows WindowStore,
	violations ViolationStore,
	opts ...Option,
) (*Service, error) {
	if windows == nil {
		return nil, errors.New("window store is required")
	}
	if violations == nil {
		return nil, errors.New("violation store is required")
	}

	svc := &Service{
		windows:    windows,
		violations: violations,
		logger:     slog.Default(),
		config:     config.DefaultConfig(),
		tracer:     otel.Tracer("aegis/internal/ratelimit/service/requestlimit"),
	}

	for _, opt := range opts {
		opt(svc)
	}

	return svc, nil
}

// Policy resolves a configured policy by name.
func (s *Service) Policy(name string) (models.RateLimitPolicy, error) {
	policy, ok := s.config.Policy(name)
	if !ok {
		return models.RateLimitPolicy{}, dErrors.New(dErrors.CodeInvalidInput, "unknown rate limit policy: "+name)
	}
	return policy, nil
}

// CheckPolicy runs Check for a named policy.
func (s *Service) CheckPolicy(ctx context.Context, policyName string, key models.LimitKey) (*models.RateLimitResult, error) {
	policy, err := s.Policy(policyName)
	if err != nil {
		return nil, err
	}
	return s.Check(ctx, policy, key), nil
}

// Evaluate applies the allowlist and then the sliding window for caller.
// It returns the key the window was addressed by.
func (s *Service) Evaluate(ctx context.Context, policy models.RateLimitPolicy, caller models.Caller) (*models.RateLimitResult, models.LimitKey) {
	key := models.DeriveKey(policy.KeyRule, caller)
	if bypassType, ok := s.allowlisted(ctx, caller); ok {
		if s.metrics != nil {
			s.metrics.RecordDecision(policy.Name, metrics.OutcomeBypassed)
		}
		ports.LogAudit(ctx, s.logger, s.auditPublisher, models.EventAllowlistBypass,
			"key", key.String(),
			"policy", policy.Name,
			"reason", bypassType,
		)
		now := requestcontext.Now(ctx)
		return &models.RateLimitResult{
			Allowed:   true,
			Bypassed:  true,
			Limit:     policy.MaxRequests,
			Remaining: policy.MaxRequests,
			ResetAt:   now.Add(policy.Window),
		}, key
	}
	return s.Check(ctx, policy, key), key
}

// allowlisted never blocks: a lookup failure means the window applies as usual.
func (s *Service) allowlisted(ctx context.Context, caller models.Caller) (string, bool) {
	if s.allowlist == nil {
		return "", false
	}
	candidates := []struct {
		bypassType string
		identifier string
	}{
		{string(models.AllowlistTypeUserID), caller.UserID},
		{string(models.AllowlistTypeIP), caller.IP},
	}
	for _, c := range candidates {
		if c.identifier == "" {
			continue
		}
		ok, err := s.allowlist.IsAllowlisted(ctx, c.identifier)
		if err != nil {
			s.logger.WarnContext(ctx, "allowlist lookup failed, applying rate limit",
				"error", err,
				"bypass_type", c.bypassType,
			)
			return "", false
		}
		if ok {
			return c.bypassType, true
		}
	}
	return "", false
}

// Check records this request in key's window and decides. It never returns
// an error: when the store is unreachable the request is admitted and the
// result is marked Degraded.
func (s *Service) Check(ctx context.Context, policy models.RateLimitPolicy, key models.LimitKey) *models.RateLimitResult {
	now := requestcontext.Now(ctx)
	storeKey := models.WindowStoreKey(s.config.KeyPrefix, policy.Name, key)

	sample, err := s.record(ctx, policy, storeKey, now)
	if err != nil {
		return s.failOpen(ctx, policy, key, now, err)
	}

	resetAt := sample.Oldest.Add(policy.Window)
	result := &models.RateLimitResult{
		Allowed:   sample.CountBefore < policy.MaxRequests,
		Limit:     policy.MaxRequests,
		Remaining: max(0, policy.MaxRequests-(sample.CountBefore+1)),
		ResetAt:   resetAt,
	}

	if result.Allowed {
		if s.metrics != nil {
			s.metrics.RecordDecision(policy.Name, metrics.OutcomeAllowed)
		}
		return result
	}

	result.RetryAfter = RetryAfterSeconds(resetAt, now)
	violations := s.recordViolation(ctx, policy, key)
	if s.metrics != nil {
		s.metrics.RecordDecision(policy.Name, metrics.OutcomeDenied)
	}
	ports.LogAudit(ctx, s.logger, s.auditPublisher, models.EventRateLimitExceeded,
		"key", key.String(),
		"policy", policy.Name,
		"limit", policy.MaxRequests,
		"window_seconds", int(policy.Window.Seconds()),
		"violations", violations,
		"ip", privacy.AnonymizeIP(requestcontext.ClientIP(ctx)),
	)
	return result
}

func (s *Service) record(ctx context.Context, policy models.RateLimitPolicy, storeKey string, now time.Time) (models.WindowSample, error) {
	ctx, span := s.tracer.Start(ctx, "ratelimit.window.record", trace.WithAttributes(
		attribute.String("ratelimit.policy", policy.Name),
		attribute.Int("ratelimit.max_requests", policy.MaxRequests),
	))
	defer span.End()

	start := time.Now()
	sample, err := s.windows.Record(ctx, storeKey, now, policy.Window)
	if s.metrics != nil {
		s.metrics.ObserveStoreLatency(policy.Name, time.Since(start))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "window store unavailable")
		return models.WindowSample{}, err
	}
	span.SetAttributes(attribute.Int("ratelimit.count_before", sample.CountBefore))
	return sample, nil
}

func (s *Service) failOpen(ctx context.Context, policy models.RateLimitPolicy, key models.LimitKey, now time.Time, err error) *models.RateLimitResult {
	s.logger.WarnContext(ctx, "rate limit store unavailable, failing open",
		"error", err,
		"policy", policy.Name,
	)
	if s.metrics != nil {
		s.metrics.RecordFailOpen(policy.Name)
		s.metrics.RecordDecision(policy.Name, metrics.OutcomeDegraded)
	}
	if s.shouldReportOutage(now) {
		ports.LogAudit(ctx, s.logger, s.auditPublisher, models.EventStoreUnavailable,
			"key", key.String(),
			"policy", policy.Name,
			"reason", err.Error(),
		)
	}
	return &models.RateLimitResult{
		Allowed:   true,
		Degraded:  true,
		Limit:     policy.MaxRequests,
		Remaining: policy.MaxRequests,
		ResetAt:   now.Add(policy.Window),
	}
}

func (s *Service) shouldReportOutage(now time.Time) bool {
	last := s.lastOutageReport.Load()
	if now.UnixNano()-last < int64(outageReportInterval) {
		return false
	}
	return s.lastOutageReport.CompareAndSwap(last, now.UnixNano())
}

// recordViolation bumps the caller's breach counter. Failures are logged and
// do not change the decision.
func (s *Service) recordViolation(ctx context.Context, policy models.RateLimitPolicy, key models.LimitKey) int64 {
	if s.metrics != nil {
		s.metrics.RecordViolation(policy.Name)
	}
	count, err := s.violations.Increment(ctx, models.ViolationStoreKey(s.config.KeyPrefix, key), s.config.ViolationTTL)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to record rate limit violation",
			"error", err,
			"policy", policy.Name,
		)
		return 0
	}
	return count
}

// ResetKey clears key's window under the named policy.
func (s *Service) ResetKey(ctx context.Context, policyName string, key models.LimitKey) error {
	if _, err := s.Policy(policyName); err != nil {
		return err
	}
	if err := s.windows.Reset(ctx, models.WindowStoreKey(s.config.KeyPrefix, policyName, key)); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to reset rate limit window")
	}
	return nil
}

// PolicyNames lists the configured policies.
func (s *Service) PolicyNames() []string {
	return s.config.PolicyNames()
}

// RetryAfterSeconds rounds the wait until resetAt up to whole seconds, never
// below one.
func RetryAfterSeconds(resetAt, now time.Time) int {
	secs := int(math.Ceil(resetAt.Sub(now).Seconds()))
	return max(secs, 1)
}
