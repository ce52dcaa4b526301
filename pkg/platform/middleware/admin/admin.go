package admin

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	request "aegis/pkg/platform/middleware/request"
)

// Credentials is the expected admin token. TokenHash, a bcrypt hash, takes
// precedence so the plaintext never has to sit in the environment.
type Credentials struct {
	Token     string
	TokenHash string
}

func (c Credentials) configured() bool {
	return c.Token != "" || c.TokenHash != ""
}

func (c Credentials) matches(sent string) bool {
	if sent == "" {
		return false
	}
	if c.TokenHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(c.TokenHash), []byte(sent)) == nil
	}
	// Use constant-time comparison to prevent timing attacks
	return subtle.ConstantTimeCompare([]byte(sent), []byte(c.Token)) == 1
}

// HashToken returns the bcrypt hash to configure as ADMIN_API_TOKEN_HASH.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", errors.New("admin token cannot be empty")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("could not hash admin token: %w", err)
	}
	return string(hashed), nil
}

// RequireAdminToken guards the admin surface with a shared X-Admin-Token.
// Unconfigured credentials reject every request.
func RequireAdminToken(creds Credentials, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !creds.configured() || !creds.matches(r.Header.Get("X-Admin-Token")) {
				ctx := r.Context()
				logger.WarnContext(ctx, "admin token mismatch",
					"request_id", request.GetRequestID(ctx),
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized","error_description":"admin token required"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
