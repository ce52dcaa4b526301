package testutil

import (
	"net/http"
	"time"

	"aegis/pkg/requestcontext"
)

// WithAuth adds user and session ids to the request context, as the bearer
// identity middleware would for an authenticated request.
func WithAuth(req *http.Request, userID, sessionID string) *http.Request {
	return req.WithContext(requestcontext.WithIdentity(req.Context(), userID, sessionID))
}

// WithClient adds client IP and User-Agent to the request context, as the
// metadata middleware would.
func WithClient(req *http.Request, ip, userAgent string) *http.Request {
	return req.WithContext(requestcontext.WithClientMetadata(req.Context(), ip, userAgent))
}

// WithTime pins the request time so window arithmetic is deterministic.
func WithTime(req *http.Request, now time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), now))
}
