package models

import (
	"time"

	"aegis/pkg/platform/circuit"
)

// RejectionResponse is the body of every 429 and breaker-open 503.
// RetryAfter is in seconds.
type RejectionResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// AllowlistEntryResponse is the API response for allowlist operations.
type AllowlistEntryResponse struct {
	Allowlisted bool       `json:"allowlisted"`
	Identifier  string     `json:"identifier"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// AllowlistResponse lists active allowlist entries.
type AllowlistResponse struct {
	Entries []*AllowlistEntry `json:"entries"`
}

// BreakersResponse lists the health of every registered breaker.
type BreakersResponse struct {
	Breakers []circuit.Health `json:"breakers"`
}

// ResetResponse reports which window counters were cleared.
type ResetResponse struct {
	Key      string   `json:"key"`
	Policies []string `json:"policies"`
}

// ViolationsResponse reports a caller key's breach count.
type ViolationsResponse struct {
	Key        string `json:"key"`
	Count      int64  `json:"count"`
	TTLSeconds int64  `json:"ttl_seconds"`
}
