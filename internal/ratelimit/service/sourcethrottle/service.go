// Package sourcethrottle caps the request rate of any single source across
// all rate limit keys.
//
// Each source gets a fixed window counter and a dedicated circuit breaker.
// Crossing the threshold trips the breaker by hand, so the source is rejected
// until the breaker's recovery timeout has passed and a probe gets through.
package sourcethrottle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"aegis/internal/ratelimit/config"
	"aegis/internal/ratelimit/metrics"
	"aegis/internal/ratelimit/models"
	"aegis/internal/ratelimit/ports"
	"aegis/pkg/platform/circuit"
	"aegis/pkg/platform/privacy"
)

// Decision is the outcome of Check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	// Limit is the per-window threshold the source is held to.
	Limit int
}

type source struct {
	mu           sync.Mutex
	windowStart  time.Time
	count        int
	// blockedUntil is the end of the current block; crossings inside it
	// do not trip again.
	blockedUntil time.Time
	breaker      *circuit.Breaker
}

type Service struct {
	mu      sync.Mutex
	sources *expirable.LRU[string, *source]

	cfg            config.SourceThrottleConfig
	now            func() time.Time
	auditPublisher ports.AuditPublisher
	logger         *slog.Logger
	metrics        *metrics.Metrics
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

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock overrides the time source for windows and source breakers.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(cfg config.SourceThrottleConfig, opts ...Option) (*Service, error) {
	if cfg.Window <= 0 || cfg.Threshold <= 0 || cfg.BlockDuration <= 0 || cfg.MaxSources <= 0 {
		return nil, errors.New("source throttle window, threshold, block duration and max sources must be positive")
	}
	idle := max(cfg.IdleTTL, cfg.BlockDuration)

	svc := &Service{
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	svc.sources = expirable.NewLRU[string, *source](cfg.MaxSources, nil, idle)
	return svc, nil
}

// Admit reports whether sourceID may proceed.
func (s *Service) Admit(ctx context.Context, sourceID string) bool {
	return s.Check(ctx, sourceID).Allowed
}

// Check counts the call against sourceID's window, whatever the outcome.
func (s *Service) Check(ctx context.Context, sourceID string) Decision {
	src := s.source(sourceID)
	now := s.now()

	src.mu.Lock()
	if now.Sub(src.windowStart) >= s.cfg.Window {
		src.windowStart = now
		src.count = 0
	}
	src.count++
	tripped := src.count == s.cfg.Threshold+1 && !now.Before(src.blockedUntil)
	if tripped {
		src.breaker.Trip()
		src.blockedUntil = now.Add(s.cfg.BlockDuration)
	}
	// admission is decided under src.mu so no call past the threshold slips
	// in ahead of the trip
	err := src.breaker.Do(ctx, func(context.Context) error { return nil })
	src.mu.Unlock()

	if tripped {
		if s.metrics != nil {
			s.metrics.RecordSourceTrip()
		}
		ports.LogAudit(ctx, s.logger, s.auditPublisher, models.EventSourceThrottled,
			"ip", privacy.AnonymizeIP(sourceID),
			"threshold", s.cfg.Threshold,
			"window_seconds", int(s.cfg.Window.Seconds()),
			"block_seconds", int(s.cfg.BlockDuration.Seconds()),
		)
	}

	if retry, ok := circuit.RetryAfter(err); ok {
		if s.metrics != nil {
			s.metrics.RecordSourceRejection()
		}
		return Decision{Allowed: false, RetryAfter: retry, Limit: s.cfg.Threshold}
	}
	return Decision{Allowed: true, Limit: s.cfg.Threshold}
}

func (s *Service) source(sourceID string) *source {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.sources.Get(sourceID)
	if !ok {
		src = &source{
			breaker: circuit.New("source:"+sourceID,
				circuit.WithFailureThreshold(1),
				circuit.WithRecoveryTimeout(s.cfg.BlockDuration),
				circuit.WithClock(s.now),
			),
		}
	}
	// re-adding refreshes the idle expiry
	s.sources.Add(sourceID, src)
	if s.metrics != nil {
		s.metrics.SetTrackedSources(s.sources.Len())
	}
	return src
}

// Tracked returns the number of sources currently held.
func (s *Service) Tracked() int {
	return s.sources.Len()
}

// Release forgets a source, lifting any block on it.
func (s *Service) Release(sourceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sources.Remove(sourceID)
}
