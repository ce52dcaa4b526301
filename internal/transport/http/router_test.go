package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"aegis/internal/ratelimit/config"
	"aegis/internal/ratelimit/handler"
	ratelimitmw "aegis/internal/ratelimit/middleware"
	"aegis/internal/ratelimit/models"
	"aegis/internal/ratelimit/service/abuse"
	"aegis/internal/ratelimit/service/admin"
	"aegis/internal/ratelimit/service/breakers"
	"aegis/internal/ratelimit/service/checker"
	"aegis/internal/ratelimit/service/requestlimit"
	"aegis/internal/ratelimit/service/sourcethrottle"
	"aegis/internal/ratelimit/store/allowlist"
	"aegis/internal/ratelimit/store/violation"
	"aegis/internal/ratelimit/store/window"
	"aegis/pkg/platform/circuit"
	adminmw "aegis/pkg/platform/middleware/admin"
)

const testAdminToken = "test-admin-token"

type RouterSuite struct {
	suite.Suite
	registry *breakers.Registry
	ready    error
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}

func (s *RouterSuite) SetupTest() {
	s.ready = nil
}

func (s *RouterSuite) router() http.Handler {
	cfg := config.DefaultConfig()
	cfg.Policies["tiny"] = config.PolicyConfig{Window: time.Minute, MaxRequests: 1, KeyBy: string(models.KeyByIP)}
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	windows := window.NewInMemory()
	violations := violation.NewInMemory()
	allow := allowlist.NewInMemory()

	requests, err := requestlimit.New(windows, violations, requestlimit.WithConfig(cfg), requestlimit.WithAllowlist(allow))
	s.Require().NoError(err)
	abuseSvc, err := abuse.New(violations, abuse.WithConfig(cfg))
	s.Require().NoError(err)
	s.registry, err = breakers.New(cfg.Breakers)
	s.Require().NoError(err)
	sources, err := sourcethrottle.New(cfg.SourceThrottle)
	s.Require().NoError(err)
	limiter, err := checker.New(requests, abuseSvc, s.registry, checker.WithSourceThrottle(sources))
	s.Require().NoError(err)
	adminSvc, err := admin.New(requests, violations, allow, s.registry, admin.WithConfig(cfg))
	s.Require().NoError(err)

	return NewRouter(Dependencies{
		Logger:           logger,
		Limits:           ratelimitmw.New(limiter, logger),
		Admin:            handler.New(adminSvc, logger),
		AdminCredentials: adminmw.Credentials{Token: testAdminToken},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
		Readiness: []HealthCheck{
			{Name: "redis", Check: func(context.Context) error { return nil }},
			{Name: "postgres", Check: func(context.Context) error { return s.ready }},
		},
		Routes: []Route{{
			Method:  http.MethodGet,
			Pattern: "/api/ping",
			Policy:  "tiny",
			Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			}),
		}},
	})
}

func browserRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 Firefox/128.0")
	req.Header.Set("Accept-Language", "en")
	req.Header.Set("Accept-Encoding", "gzip")
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// =============================================================================
// Health Tests
// =============================================================================

func (s *RouterSuite) TestHealthz() {
	rr := serve(s.router(), browserRequest(http.MethodGet, "/healthz"))
	s.Equal(http.StatusOK, rr.Code)
	s.NotEmpty(rr.Header().Get("X-Request-ID"))
}

func (s *RouterSuite) TestReadyz() {
	s.Run("all checks pass", func() {
		s.ready = nil
		rr := serve(s.router(), browserRequest(http.MethodGet, "/readyz"))
		s.Equal(http.StatusOK, rr.Code)
	})

	s.Run("failing dependency answers 503", func() {
		s.ready = errors.New("connection refused")
		rr := serve(s.router(), browserRequest(http.MethodGet, "/readyz"))
		s.Equal(http.StatusServiceUnavailable, rr.Code)

		var body readinessResponse
		s.Require().NoError(json.NewDecoder(rr.Body).Decode(&body))
		s.Equal("unavailable", body.Status)
		s.Equal("ok", body.Checks["redis"])
		s.Equal("unavailable", body.Checks["postgres"])
	})

	s.Run("open breaker answers the breaker contract", func() {
		s.ready = &circuit.OpenError{Resource: "database", RetryAfter: 30 * time.Second}
		rr := serve(s.router(), browserRequest(http.MethodGet, "/readyz"))
		s.Equal(http.StatusServiceUnavailable, rr.Code)
		s.Equal("30", rr.Header().Get("Retry-After"))

		var body models.RejectionResponse
		s.Require().NoError(json.NewDecoder(rr.Body).Decode(&body))
		s.Equal("CIRCUIT_BREAKER_OPEN", body.Code)
	})
}

func (s *RouterSuite) TestMetricsMounted() {
	rr := serve(s.router(), browserRequest(http.MethodGet, "/metrics"))
	s.Equal(http.StatusOK, rr.Code)
}

// =============================================================================
// Admin Tests
// =============================================================================

func (s *RouterSuite) TestAdminRequiresToken() {
	r := s.router()

	rr := serve(r, browserRequest(http.MethodGet, "/admin/resilience/breakers"))
	s.Equal(http.StatusUnauthorized, rr.Code)

	req := browserRequest(http.MethodGet, "/admin/resilience/breakers")
	req.Header.Set("X-Admin-Token", testAdminToken)
	rr = serve(r, req)
	s.Equal(http.StatusOK, rr.Code)
	s.NotEmpty(rr.Header().Get("X-RateLimit-Limit"), "admin API is rate limited")
}

// =============================================================================
// Protected Route Tests
// =============================================================================

func (s *RouterSuite) TestProtectedRouteRejectsOverLimit() {
	r := s.router()

	rr := serve(r, browserRequest(http.MethodGet, "/api/ping"))
	s.Equal(http.StatusOK, rr.Code)
	s.Equal("1", rr.Header().Get("X-RateLimit-Limit"))
	s.Equal("0", rr.Header().Get("X-RateLimit-Remaining"))

	rr = serve(r, browserRequest(http.MethodGet, "/api/ping"))
	s.Equal(http.StatusTooManyRequests, rr.Code)
	s.Equal("60", rr.Header().Get("Retry-After"))

	var body models.RejectionResponse
	s.Require().NoError(json.NewDecoder(rr.Body).Decode(&body))
	s.Equal("RATE_LIMIT_EXCEEDED", body.Code)
	s.Equal(60, body.RetryAfter)
}

func (s *RouterSuite) TestProtectedRouteRejectsScanner() {
	req := browserRequest(http.MethodGet, "/api/ping")
	req.Header.Set("User-Agent", "sqlmap/1.7")
	rr := serve(s.router(), req)
	s.Equal(http.StatusTooManyRequests, rr.Code)

	var body models.RejectionResponse
	s.Require().NoError(json.NewDecoder(rr.Body).Decode(&body))
	s.Equal("ABUSE_DETECTED", body.Code)
}
