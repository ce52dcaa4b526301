// Package httptransport assembles the HTTP router: the middleware chain every
// request passes through, health endpoints, metrics, the admin API and the
// rate limited application routes.
package httptransport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"aegis/internal/ratelimit/handler"
	ratelimitmw "aegis/internal/ratelimit/middleware"
	"aegis/pkg/platform/circuit"
	"aegis/pkg/platform/httputil"
	adminmw "aegis/pkg/platform/middleware/admin"
	"aegis/pkg/platform/middleware/auth"
	"aegis/pkg/platform/middleware/metadata"
	request "aegis/pkg/platform/middleware/request"
	"aegis/pkg/platform/middleware/requesttime"
)

const readinessTimeout = 2 * time.Second

// AdminPolicy limits the admin API, token failures included.
const AdminPolicy = "admin"

// HealthCheck is one readiness probe.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Route is an application endpoint guarded by a named rate limit policy.
type Route struct {
	Method  string
	Pattern string
	Policy  string
	Handler http.Handler
}

// Dependencies are the collaborators the router wires together.
type Dependencies struct {
	Logger           *slog.Logger
	Limits           *ratelimitmw.Middleware
	Admin            *handler.Handler
	AdminCredentials adminmw.Credentials
	Validator        *auth.Validator
	Metrics          http.Handler
	Readiness        []HealthCheck
	Routes           []Route
}

// NewRouter builds the chi router.
func NewRouter(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(requesttime.Middleware)
	r.Use(request.RequestID)
	r.Use(metadata.ClientMetadata)
	r.Use(auth.OptionalIdentity(deps.Validator, logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readiness(deps.Readiness, logger))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(deps.Limits.SourceThrottle())

		if deps.Admin != nil {
			r.Group(func(r chi.Router) {
				r.Use(deps.Limits.Protect(AdminPolicy))
				r.Use(adminmw.RequireAdminToken(deps.AdminCredentials, logger))
				deps.Admin.RegisterAdmin(r)
			})
		}

		for _, route := range deps.Routes {
			r.With(deps.Limits.Protect(route.Policy)).Method(route.Method, route.Pattern, route.Handler)
		}
	})

	return r
}

type readinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// readiness runs every probe. The first breaker rejection answers with the
// breaker contract; any other failure answers 503 with per-probe detail.
func readiness(checks []HealthCheck, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		resp := readinessResponse{Status: "ok", Checks: make(map[string]string, len(checks))}
		for _, c := range checks {
			err := c.Check(ctx)
			if err == nil {
				resp.Checks[c.Name] = "ok"
				continue
			}
			logger.WarnContext(ctx, "readiness check failed",
				"check", c.Name,
				"error", err,
				"request_id", request.GetRequestID(ctx),
			)
			if errors.Is(err, circuit.ErrOpen) {
				ratelimitmw.WriteBreakerOpen(w, err)
				return
			}
			resp.Status = "unavailable"
			resp.Checks[c.Name] = "unavailable"
		}

		status := http.StatusOK
		if resp.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		httputil.WriteJSON(w, status, resp)
	}
}
