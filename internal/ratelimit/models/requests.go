package models

import (
	"net/netip"
	"strings"
	"time"

	dErrors "aegis/pkg/domain-errors"
)

const (
	maxIdentifierLen = 255
	maxReasonLen     = 500
	maxKeyLen        = 512
	maxPolicyLen     = 64
)

type AddAllowlistRequest struct {
	Type       AllowlistEntryType `json:"type"`
	Identifier string             `json:"identifier"`
	Reason     string             `json:"reason"`
	ExpiresAt  *time.Time         `json:"expires_at,omitempty"`
}

func (r *AddAllowlistRequest) Normalize() {
	if r == nil {
		return
	}
	r.Type = normalizeEntryType(r.Type)
	r.Identifier = strings.TrimSpace(r.Identifier)
	r.Reason = strings.TrimSpace(r.Reason)
}

// Validate checks size, then presence, then syntax, then that an expiry lies
// after now.
func (r *AddAllowlistRequest) Validate(now time.Time) error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	if len(r.Reason) > maxReasonLen {
		return dErrors.New(dErrors.CodeValidation, "reason must be 500 characters or less")
	}
	if err := validateTarget(r.Type, r.Identifier); err != nil {
		return err
	}
	if r.Reason == "" {
		return dErrors.New(dErrors.CodeValidation, "reason is required")
	}
	if r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
		return dErrors.New(dErrors.CodeValidation, "expires_at must be in the future")
	}
	return nil
}

type RemoveAllowlistRequest struct {
	Type       AllowlistEntryType `json:"type"`
	Identifier string             `json:"identifier"`
}

func (r *RemoveAllowlistRequest) Normalize() {
	if r == nil {
		return
	}
	r.Type = normalizeEntryType(r.Type)
	r.Identifier = strings.TrimSpace(r.Identifier)
}

func (r *RemoveAllowlistRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	return validateTarget(r.Type, r.Identifier)
}

func normalizeEntryType(t AllowlistEntryType) AllowlistEntryType {
	return AllowlistEntryType(strings.ToLower(strings.TrimSpace(string(t))))
}

// validateTarget checks the (type, identifier) pair shared by add and remove.
// IP entries must be a single address; the limiter matches them exactly.
func validateTarget(entryType AllowlistEntryType, identifier string) error {
	if len(identifier) > maxIdentifierLen {
		return dErrors.New(dErrors.CodeValidation, "identifier must be 255 characters or less")
	}
	if entryType == "" {
		return dErrors.New(dErrors.CodeValidation, "type is required")
	}
	if identifier == "" {
		return dErrors.New(dErrors.CodeValidation, "identifier is required")
	}
	if !entryType.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "type must be 'ip' or 'user_id'")
	}
	if entryType == AllowlistTypeIP {
		if _, err := netip.ParseAddr(identifier); err != nil {
			return dErrors.New(dErrors.CodeValidation, "identifier must be an IP address")
		}
	}
	return nil
}

// ResetRateLimitRequest clears one policy's window for a LimitKey such as
// "ip:1.2.3.4". An empty policy clears the key under every configured policy.
type ResetRateLimitRequest struct {
	Policy string `json:"policy,omitempty"`
	Key    string `json:"key"`
}

func (r *ResetRateLimitRequest) Normalize() {
	if r == nil {
		return
	}
	r.Policy = strings.TrimSpace(strings.ToLower(r.Policy))
	r.Key = strings.TrimSpace(r.Key)
}

func (r *ResetRateLimitRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	if len(r.Key) > maxKeyLen {
		return dErrors.New(dErrors.CodeValidation, "key must be 512 characters or less")
	}
	if len(r.Policy) > maxPolicyLen {
		return dErrors.New(dErrors.CodeValidation, "policy must be 64 characters or less")
	}
	if r.Key == "" {
		return dErrors.New(dErrors.CodeValidation, "key is required")
	}
	if _, err := ParseLimitKey(r.Key); err != nil {
		return err
	}
	return nil
}
