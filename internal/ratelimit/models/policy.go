package models

import (
	"time"

	dErrors "aegis/pkg/domain-errors"
)

// KeyRule selects which caller attributes address a policy's counters.
type KeyRule string

const (
	// KeyByIP counts per client IP.
	KeyByIP KeyRule = "ip"
	// KeyByUser counts per authenticated user, falling back to IP for anonymous callers.
	KeyByUser KeyRule = "user"
	// KeyByUserAndIP counts per (user, IP) pair.
	KeyByUserAndIP KeyRule = "user_ip"
	// KeyBySession counts per session, then user, then IP.
	KeyBySession KeyRule = "session"
)

func (r KeyRule) IsValid() bool {
	switch r {
	case KeyByIP, KeyByUser, KeyByUserAndIP, KeyBySession:
		return true
	}
	return false
}

// RateLimitPolicy is built once from configuration and shared read-only by
// every request.
type RateLimitPolicy struct {
	Name        string
	Window      time.Duration
	MaxRequests int
	KeyRule     KeyRule
	Message     string
	// StatusCode overrides the 429 used for denials when non-zero.
	StatusCode int
}

// NewRateLimitPolicy validates and builds a policy.
func NewRateLimitPolicy(name string, window time.Duration, maxRequests int, rule KeyRule, message string, statusCode int) (RateLimitPolicy, error) {
	if name == "" {
		return RateLimitPolicy{}, dErrors.New(dErrors.CodeInvariantViolation, "policy name cannot be empty")
	}
	if window <= 0 {
		return RateLimitPolicy{}, dErrors.New(dErrors.CodeInvariantViolation, "policy "+name+": window must be positive")
	}
	if maxRequests <= 0 {
		return RateLimitPolicy{}, dErrors.New(dErrors.CodeInvariantViolation, "policy "+name+": max_requests must be positive")
	}
	if rule == "" {
		rule = KeyByIP
	}
	if !rule.IsValid() {
		return RateLimitPolicy{}, dErrors.New(dErrors.CodeInvariantViolation, "policy "+name+": unknown key rule "+string(rule))
	}
	if statusCode != 0 && (statusCode < 400 || statusCode > 599) {
		return RateLimitPolicy{}, dErrors.New(dErrors.CodeInvariantViolation, "policy "+name+": status_code must be a 4xx or 5xx code")
	}
	if message == "" {
		message = "Too many requests, please try again later."
	}
	return RateLimitPolicy{
		Name:        name,
		Window:      window,
		MaxRequests: maxRequests,
		KeyRule:     rule,
		Message:     message,
		StatusCode:  statusCode,
	}, nil
}
