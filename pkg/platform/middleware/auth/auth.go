// Package auth resolves the caller identity used to derive rate limit keys.
//
// Token issuance lives elsewhere; this package only verifies bearer tokens so
// that per-user and per-session policies have something stable to key on.
package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	request "aegis/pkg/platform/middleware/request"
	"aegis/pkg/requestcontext"
)

// Claims are the access token claims the limiter cares about.
type Claims struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	jwt.RegisteredClaims
}

// Validator verifies HS256 access tokens.
type Validator struct {
	signingKey []byte
	issuer     string
}

// NewValidator creates a Validator. An empty issuer skips the issuer check.
func NewValidator(signingKey, issuer string) *Validator {
	return &Validator{signingKey: []byte(signingKey), issuer: issuer}
}

var errInvalidToken = errors.New("invalid token")

// ValidateToken parses and verifies tokenString.
func (v *Validator) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (any, error) {
		return v.signingKey, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errInvalidToken
	}
	return claims, nil
}

// OptionalIdentity stores user and session ids in the context when a valid
// bearer token is present. Missing or invalid tokens leave the request
// anonymous; the limiter then keys on the client IP.
func OptionalIdentity(validator *Validator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" || validator == nil {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			claims, err := validator.ValidateToken(token)
			if err != nil {
				logger.DebugContext(ctx, "ignoring invalid bearer token",
					"error", err,
					"request_id", request.GetRequestID(ctx),
				)
				next.ServeHTTP(w, r)
				return
			}

			sessionID := claims.SessionID
			if sessionID == "" {
				sessionID = claims.ID
			}
			ctx = requestcontext.WithIdentity(ctx, claims.UserID, sessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
