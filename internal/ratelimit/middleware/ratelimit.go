package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"aegis/internal/ratelimit/models"
	"aegis/internal/ratelimit/service/sourcethrottle"
	"aegis/pkg/platform/privacy"
	"aegis/pkg/requestcontext"
)

// RateLimiter is what the middleware needs from the checker facade.
type RateLimiter interface {
	Policy(name string) (models.RateLimitPolicy, error)
	EvaluateCaller(ctx context.Context, policy models.RateLimitPolicy, caller models.Caller) (*models.RateLimitResult, models.LimitKey)
	CheckAbuse(ctx context.Context, req models.AbuseRequest, key models.LimitKey) models.AbuseVerdict
	AdmitSource(ctx context.Context, sourceID string) sourcethrottle.Decision
}

type Middleware struct {
	limiter  RateLimiter
	logger   *slog.Logger
	disabled bool
}

type Option func(*Middleware)

// WithDisabled disables rate limiting entirely (for testing/demo mode).
func WithDisabled(disabled bool) Option {
	return func(m *Middleware) {
		m.disabled = disabled
	}
}

func New(limiter RateLimiter, logger *slog.Logger, opts ...Option) *Middleware {
	m := &Middleware{
		limiter: limiter,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.disabled {
		logger.Info("rate limiting disabled")
	}
	return m
}

// SourceThrottle rejects a client IP that exceeded the per-source ceiling,
// whatever rate limit key its requests map to.
func (m *Middleware) SourceThrottle() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.disabled {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			ip := requestcontext.ClientIP(ctx)
			if ip == "" {
				next.ServeHTTP(w, r)
				return
			}

			decision := m.limiter.AdmitSource(ctx, ip)
			if !decision.Allowed {
				m.logger.DebugContext(ctx, "source throttled", "ip_prefix", privacy.AnonymizeIP(ip))
				writeSourceThrottled(w, decision, requestcontext.Now(ctx))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Protect applies the abuse heuristics and then the named policy's sliding
// window. An abusive request is rejected without consuming a window slot.
// It panics when the policy is not configured, which is a wiring error.
func (m *Middleware) Protect(policyName string) func(http.Handler) http.Handler {
	policy, err := m.limiter.Policy(policyName)
	if err != nil {
		panic("ratelimit middleware: " + err.Error())
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.disabled {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			caller := models.Caller{
				IP:        requestcontext.ClientIP(ctx),
				UserID:    requestcontext.UserID(ctx),
				SessionID: requestcontext.SessionID(ctx),
			}

			verdict := m.limiter.CheckAbuse(ctx, abuseRequest(r), models.DeriveKey(policy.KeyRule, caller))
			if verdict.Abusive {
				writeAbuseDetected(w, policy, requestcontext.Now(ctx))
				return
			}

			result, _ := m.limiter.EvaluateCaller(ctx, policy, caller)
			addRateLimitHeaders(w, result)
			if !result.Allowed {
				writeRateLimitExceeded(w, policy, result)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func abuseRequest(r *http.Request) models.AbuseRequest {
	return models.AbuseRequest{
		Method:         r.Method,
		Path:           r.URL.Path,
		UserAgent:      r.UserAgent(),
		AcceptLanguage: r.Header.Get("Accept-Language"),
		AcceptEncoding: r.Header.Get("Accept-Encoding"),
	}
}
