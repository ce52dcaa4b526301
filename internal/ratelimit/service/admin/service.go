// Package admin implements the operator actions on limiter state, the
// allowlist and circuit breakers.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"aegis/internal/ratelimit/config"
	"aegis/internal/ratelimit/models"
	"aegis/internal/ratelimit/ports"
	"aegis/internal/ratelimit/service/breakers"
	"aegis/internal/ratelimit/service/requestlimit"
	dErrors "aegis/pkg/domain-errors"
	"aegis/pkg/platform/circuit"
	"aegis/pkg/platform/sentinel"
	"aegis/pkg/requestcontext"
)

type Service struct {
	requests       *requestlimit.Service
	violations     ports.ViolationStore
	allowlist      ports.AllowlistStore
	breakers       *breakers.Registry
	auditPublisher ports.AuditPublisher
	logger         *slog.Logger
	config         *config.Config
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAuditPublisher(publisher ports.AuditPublisher) Option {
	return func(s *Service) {
		s.auditPublisher = publisher
	}
}

func WithConfig(cfg *config.Config) Option {
	return func(s *Service) {
		s.config = cfg
	}
}

func New(
	requests *requestlimit.Service,
	violations ports.ViolationStore,
	allowlist ports.AllowlistStore,
	registry *breakers.Registry,
	opts ...Option,
) (*Service, error) {
	if requests == nil {
		return nil, errors.New("requests service is required")
	}
	if violations == nil {
		return nil, errors.New("violation store is required")
	}
	if allowlist == nil {
		return nil, errors.New("allowlist store is required")
	}
	if registry == nil {
		return nil, errors.New("breaker registry is required")
	}

	svc := &Service{
		requests:   requests,
		violations: violations,
		allowlist:  allowlist,
		breakers:   registry,
		logger:     slog.Default(),
		config:     config.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// ResetRateLimit clears the window for a key under one policy, or under every
// policy when none is named.
func (s *Service) ResetRateLimit(ctx context.Context, req *models.ResetRateLimitRequest) (*models.ResetResponse, error) {
	if req == nil {
		return nil, dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	policies := s.requests.PolicyNames()
	if req.Policy != "" {
		policies = []string{req.Policy}
	}

	key := models.LimitKey(req.Key)
	for _, policy := range policies {
		if err := s.requests.ResetKey(ctx, policy, key); err != nil {
			return nil, err
		}
	}

	ports.LogAudit(ctx, s.logger, s.auditPublisher, models.EventRateLimitReset,
		"key", key.String(),
		"policies", strings.Join(policies, ","),
	)
	return &models.ResetResponse{Key: key.String(), Policies: policies}, nil
}

// GetViolations returns the breach count for a LimitKey.
func (s *Service) GetViolations(ctx context.Context, key string) (*models.ViolationsResponse, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "key is required")
	}
	rec, err := s.violations.Get(ctx, models.ViolationStoreKey(s.config.KeyPrefix, models.LimitKey(key)))
	if err != nil {
		return nil, translate(err, "failed to read violations")
	}
	return &models.ViolationsResponse{
		Key:        key,
		Count:      rec.Count,
		TTLSeconds: int64(rec.TTL.Seconds()),
	}, nil
}

// ClearViolations forgets a key's breaches, lifting a repeat offender block.
func (s *Service) ClearViolations(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return dErrors.New(dErrors.CodeValidation, "key is required")
	}
	if err := s.violations.Clear(ctx, models.ViolationStoreKey(s.config.KeyPrefix, models.LimitKey(key))); err != nil {
		return translate(err, "failed to clear violations")
	}
	ports.LogAudit(ctx, s.logger, s.auditPublisher, models.EventRateLimitReset,
		"key", key,
		"reason", "violations_cleared",
	)
	return nil
}

// AddToAllowlist creates or replaces an allowlist entry.
func (s *Service) AddToAllowlist(ctx context.Context, req *models.AddAllowlistRequest, createdBy string) (*models.AllowlistEntry, error) {
	if req == nil {
		return nil, dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	req.Normalize()
	now := requestcontext.Now(ctx)
	if err := req.Validate(now); err != nil {
		return nil, err
	}

	entry, err := models.NewAllowlistEntry(req.Type, req.Identifier, req.Reason, createdBy, req.ExpiresAt, now)
	if err != nil {
		return nil, err
	}
	if err := s.allowlist.Add(ctx, entry); err != nil {
		return nil, translate(err, "failed to add allowlist entry")
	}

	ports.LogAudit(ctx, s.logger, s.auditPublisher, models.EventAllowlistChanged,
		"identifier", entry.Identifier,
		"type", entry.Type.String(),
		"reason", "added: "+entry.Reason,
	)
	return entry, nil
}

// RemoveFromAllowlist deletes an entry.
func (s *Service) RemoveFromAllowlist(ctx context.Context, req *models.RemoveAllowlistRequest) error {
	if req == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return err
	}
	if err := s.allowlist.Remove(ctx, req.Type, req.Identifier); err != nil {
		return translate(err, "failed to remove allowlist entry")
	}

	ports.LogAudit(ctx, s.logger, s.auditPublisher, models.EventAllowlistChanged,
		"identifier", req.Identifier,
		"type", req.Type.String(),
		"reason", "removed",
	)
	return nil
}

// ListAllowlist returns the active entries.
func (s *Service) ListAllowlist(ctx context.Context) (*models.AllowlistResponse, error) {
	entries, err := s.allowlist.List(ctx)
	if err != nil {
		return nil, translate(err, "failed to list allowlist")
	}
	if entries == nil {
		entries = []*models.AllowlistEntry{}
	}
	return &models.AllowlistResponse{Entries: entries}, nil
}

// ListBreakers reports every breaker's health.
func (s *Service) ListBreakers() *models.BreakersResponse {
	return &models.BreakersResponse{Breakers: s.breakers.All()}
}

// ResetBreaker forces a breaker CLOSED.
func (s *Service) ResetBreaker(ctx context.Context, name string) error {
	return s.breakers.Reset(ctx, strings.TrimSpace(name))
}

func translate(err error, msg string) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeNotFound, "allowlist entry not found")
	case errors.Is(err, circuit.ErrOpen):
		return dErrors.Wrap(err, dErrors.CodeCircuitOpen, msg)
	case errors.Is(err, sentinel.ErrUnavailable):
		return dErrors.Wrap(err, dErrors.CodeUnavailable, msg)
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, msg)
	}
}
