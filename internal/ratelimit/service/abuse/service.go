// Package abuse flags requests that look like automated attacks before they
// reach the sliding window limiter.
package abuse

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/mssola/useragent"

	"aegis/internal/ratelimit/config"
	"aegis/internal/ratelimit/metrics"
	"aegis/internal/ratelimit/models"
	"aegis/internal/ratelimit/ports"
	"aegis/pkg/platform/privacy"
	strs "aegis/pkg/platform/strings"
	"aegis/pkg/requestcontext"
)

// ViolationReader is the read side of the violation store.
type ViolationReader interface {
	Get(ctx context.Context, key string) (models.ViolationRecord, error)
}

type Service struct {
	violations     ViolationReader
	auditPublisher ports.AuditPublisher
	logger         *slog.Logger
	config         *config.Config
	metrics        *metrics.Metrics

	badAgents       []string
	scannerTokens   []string
	suspiciousPaths []string
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

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func New(violations ViolationReader, opts ...Option) (*Service, error) {
	if violations == nil {
		return nil, errors.New("violation store is required")
	}

	svc := &Service{
		violations: violations,
		logger:     slog.Default(),
		config:     config.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(svc)
	}

	svc.badAgents = strs.DedupeAndTrimLower(svc.config.Abuse.BadUserAgents)
	svc.scannerTokens = strs.DedupeAndTrimLower(svc.config.Abuse.ScannerTokens)
	svc.suspiciousPaths = strs.DedupeAndTrimLower(svc.config.Abuse.SuspiciousPaths)
	return svc, nil
}

// IsAbusive reports whether any heuristic flags the request.
func (s *Service) IsAbusive(ctx context.Context, req models.AbuseRequest, key models.LimitKey) bool {
	return s.Check(ctx, req, key).Abusive
}

// Check evaluates the heuristics in order and stops at the first hit. It only
// reads the violation record; no window slot is consumed.
func (s *Service) Check(ctx context.Context, req models.AbuseRequest, key models.LimitKey) models.AbuseVerdict {
	verdict := s.evaluate(ctx, req, key)
	if !verdict.Abusive {
		return verdict
	}

	if s.metrics != nil {
		s.metrics.RecordAbuseBlock(string(verdict.Reason))
	}
	ports.LogAudit(ctx, s.logger, s.auditPublisher, models.EventAbuseDetected,
		"key", key.String(),
		"reason", string(verdict.Reason),
		"path", req.Path,
		"ip", privacy.AnonymizeIP(requestcontext.ClientIP(ctx)),
	)
	return verdict
}

func (s *Service) evaluate(ctx context.Context, req models.AbuseRequest, key models.LimitKey) models.AbuseVerdict {
	if reason := s.userAgentReason(req.UserAgent); reason != models.ReasonNone {
		return models.Flagged(reason)
	}
	if containsAny(strings.ToLower(req.Path), s.suspiciousPaths) {
		return models.Flagged(models.ReasonSuspiciousPath)
	}

	violations := s.violationCount(ctx, key)
	if violations >= s.config.Abuse.RepeatOffenderThreshold {
		return models.Flagged(models.ReasonRepeatOffender)
	}

	// Missing negotiation headers alone is common for API clients; it only
	// counts once the caller has already breached a policy.
	if s.config.Abuse.CheckNegotiationHeaders && violations > 0 &&
		(req.AcceptLanguage == "" || req.AcceptEncoding == "") {
		return models.Flagged(models.ReasonMissingHeaders)
	}
	return models.Clean
}

func (s *Service) userAgentReason(userAgent string) models.AbuseReason {
	ua := strings.ToLower(strings.TrimSpace(userAgent))
	switch {
	case ua == "":
		return models.ReasonEmptyUserAgent
	case containsAny(ua, s.badAgents):
		return models.ReasonBadUserAgent
	case containsAny(ua, s.scannerTokens):
		return models.ReasonScannerUserAgent
	// crawlers that only identify themselves through a contact URL
	case useragent.New(userAgent).Bot():
		return models.ReasonScannerUserAgent
	default:
		return models.ReasonNone
	}
}

// violationCount treats a store failure as a clean record.
func (s *Service) violationCount(ctx context.Context, key models.LimitKey) int64 {
	rec, err := s.violations.Get(ctx, models.ViolationStoreKey(s.config.KeyPrefix, key))
	if err != nil {
		s.logger.WarnContext(ctx, "violation lookup failed, skipping repeat offender check",
			"error", err,
		)
		return 0
	}
	return rec.Count
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(s, n) {
			return true
		}
	}
	return false
}
