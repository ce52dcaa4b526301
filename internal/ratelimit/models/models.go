package models

import (
	"time"

	"github.com/google/uuid"

	dErrors "aegis/pkg/domain-errors"
)

// AllowlistEntryType defines whether an allowlist entry is for an IP or user.
type AllowlistEntryType string

const (
	AllowlistTypeIP     AllowlistEntryType = "ip"
	AllowlistTypeUserID AllowlistEntryType = "user_id"
)

// ParseAllowlistEntryType creates an AllowlistEntryType from a string, validating it.
func ParseAllowlistEntryType(s string) (AllowlistEntryType, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "allowlist entry type cannot be empty")
	}
	t := AllowlistEntryType(s)
	if !t.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid allowlist entry type: must be 'ip' or 'user_id'")
	}
	return t, nil
}

// IsValid checks if the allowlist entry type is one of the supported values.
func (t AllowlistEntryType) IsValid() bool {
	return t == AllowlistTypeIP || t == AllowlistTypeUserID
}

func (t AllowlistEntryType) String() string {
	return string(t)
}

// RateLimitResult is the outcome of one sliding window check.
type RateLimitResult struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	// RetryAfter is in whole seconds and only set when the request was denied.
	RetryAfter int `json:"retry_after,omitempty"`
	// Bypassed marks allowlisted callers; the window was not touched.
	Bypassed bool `json:"bypassed,omitempty"`
	// Degraded marks a fail-open decision taken while the store was unavailable.
	Degraded bool `json:"degraded,omitempty"`
}

// ViolationRecord counts how often a caller key breached any policy.
type ViolationRecord struct {
	Key   string        `json:"key"`
	Count int64         `json:"count"`
	TTL   time.Duration `json:"ttl_ns,omitempty"`
}

// AllowlistEntry represents an IP or user that bypasses rate limits.
type AllowlistEntry struct {
	ID         string             `json:"id"`
	Type       AllowlistEntryType `json:"type"`
	Identifier string             `json:"identifier"` // IP address or user_id
	Reason     string             `json:"reason"`
	ExpiresAt  *time.Time         `json:"expires_at,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	CreatedBy  string             `json:"created_by,omitempty"`
}

// NewAllowlistEntry creates an AllowlistEntry with domain invariant validation.
func NewAllowlistEntry(entryType AllowlistEntryType, identifier, reason, createdBy string, expiresAt *time.Time, now time.Time) (*AllowlistEntry, error) {
	if !entryType.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "invalid allowlist entry type")
	}
	if identifier == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "identifier cannot be empty")
	}
	if reason == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "reason cannot be empty")
	}

	return &AllowlistEntry{
		ID:         uuid.NewString(),
		Type:       entryType,
		Identifier: identifier,
		Reason:     reason,
		ExpiresAt:  expiresAt,
		CreatedAt:  now,
		CreatedBy:  createdBy,
	}, nil
}

// IsExpiredAt reports whether the entry has expired at now.
func (e *AllowlistEntry) IsExpiredAt(now time.Time) bool {
	if e.ExpiresAt == nil {
		return false
	}
	return now.After(*e.ExpiresAt)
}

// WindowSample is what one atomic window round trip observed: the number of
// live markers before this request's marker was added, and the oldest live
// marker (this request's own when the window was empty).
type WindowSample struct {
	CountBefore int
	Oldest      time.Time
}
