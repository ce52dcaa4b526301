// Package handler exposes the rate limit and circuit breaker admin API.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"aegis/internal/ratelimit/middleware"
	"aegis/internal/ratelimit/models"
	dErrors "aegis/pkg/domain-errors"
	"aegis/pkg/platform/httputil"
	request "aegis/pkg/platform/middleware/request"
)

const maxBodyBytes = 64 << 10

// actorHeader optionally names the operator behind an admin token.
const actorHeader = "X-Admin-Actor"

// Service is the admin surface the handlers call.
type Service interface {
	ResetRateLimit(ctx context.Context, req *models.ResetRateLimitRequest) (*models.ResetResponse, error)
	GetViolations(ctx context.Context, key string) (*models.ViolationsResponse, error)
	ClearViolations(ctx context.Context, key string) error
	AddToAllowlist(ctx context.Context, req *models.AddAllowlistRequest, createdBy string) (*models.AllowlistEntry, error)
	RemoveFromAllowlist(ctx context.Context, req *models.RemoveAllowlistRequest) error
	ListAllowlist(ctx context.Context) (*models.AllowlistResponse, error)
	ListBreakers() *models.BreakersResponse
	ResetBreaker(ctx context.Context, name string) error
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterAdmin mounts the admin routes. Callers wrap r with the admin token
// middleware.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Get("/admin/resilience/breakers", h.HandleListBreakers)
	r.Post("/admin/resilience/breakers/{name}/reset", h.HandleResetBreaker)

	r.Post("/admin/rate-limit/reset", h.HandleResetRateLimit)
	r.Get("/admin/rate-limit/violations", h.HandleGetViolations)
	r.Delete("/admin/rate-limit/violations", h.HandleClearViolations)

	r.Get("/admin/rate-limit/allowlist", h.HandleListAllowlist)
	r.Post("/admin/rate-limit/allowlist", h.HandleAddAllowlist)
	r.Delete("/admin/rate-limit/allowlist", h.HandleRemoveAllowlist)
}

func (h *Handler) HandleListBreakers(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.service.ListBreakers())
}

func (h *Handler) HandleResetBreaker(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ResetBreaker(r.Context(), chi.URLParam(r, "name")); err != nil {
		h.fail(w, r, "reset breaker", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleResetRateLimit(w http.ResponseWriter, r *http.Request) {
	var req models.ResetRateLimitRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.service.ResetRateLimit(r.Context(), &req)
	if err != nil {
		h.fail(w, r, "reset rate limit", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleGetViolations(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.GetViolations(r.Context(), r.URL.Query().Get("key"))
	if err != nil {
		h.fail(w, r, "get violations", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleClearViolations(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ClearViolations(r.Context(), r.URL.Query().Get("key")); err != nil {
		h.fail(w, r, "clear violations", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleListAllowlist(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.ListAllowlist(r.Context())
	if err != nil {
		h.fail(w, r, "list allowlist", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleAddAllowlist(w http.ResponseWriter, r *http.Request) {
	var req models.AddAllowlistRequest
	if !h.decode(w, r, &req) {
		return
	}
	createdBy := r.Header.Get(actorHeader)
	if createdBy == "" {
		createdBy = "admin"
	}

	entry, err := h.service.AddToAllowlist(r.Context(), &req, createdBy)
	if err != nil {
		h.fail(w, r, "add allowlist entry", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, &models.AllowlistEntryResponse{
		Allowlisted: true,
		Identifier:  entry.Identifier,
		ExpiresAt:   entry.ExpiresAt,
	})
}

func (h *Handler) HandleRemoveAllowlist(w http.ResponseWriter, r *http.Request) {
	var req models.RemoveAllowlistRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.RemoveFromAllowlist(r.Context(), &req); err != nil {
		h.fail(w, r, "remove allowlist entry", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid JSON body"))
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, action string, err error) {
	ctx := r.Context()
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, "admin request failed",
			"action", action,
			"error", err,
			"request_id", request.GetRequestID(ctx),
		)
	}
	middleware.WriteError(w, err)
}
