package models

import (
	"strings"

	dErrors "aegis/pkg/domain-errors"
)

// SanitizeKeySegment escapes delimiter characters in rate limit key segments
// to prevent key collision attacks where user-controlled identifiers containing
// ':' could manipulate adjacent rate limit buckets.
//
// Example: An identifier "user:admin" would become "user_admin", preventing
// it from being interpreted as a separate key segment.
func SanitizeKeySegment(s string) string {
	return strings.ReplaceAll(s, ":", "_")
}

// Caller carries the request attributes a LimitKey is derived from.
type Caller struct {
	IP        string
	UserID    string
	SessionID string
}

// LimitKey addresses a caller's counters, e.g. "ip:1.2.3.4" or "user:u-1:ip:1.2.3.4".
// It is never persisted on its own.
type LimitKey string

func (k LimitKey) String() string { return string(k) }

// DeriveKey builds the LimitKey for a caller under rule. Rules that need an
// identity fall back to the IP for anonymous callers.
func DeriveKey(rule KeyRule, c Caller) LimitKey {
	ip := "ip:" + segment(c.IP)
	switch rule {
	case KeyByUser:
		if c.UserID != "" {
			return LimitKey("user:" + segment(c.UserID))
		}
	case KeyByUserAndIP:
		if c.UserID != "" {
			return LimitKey("user:" + segment(c.UserID) + ":" + ip)
		}
	case KeyBySession:
		if c.SessionID != "" {
			return LimitKey("session:" + segment(c.SessionID))
		}
		if c.UserID != "" {
			return LimitKey("user:" + segment(c.UserID))
		}
	}
	return LimitKey(ip)
}

// ParseLimitKey accepts a key in the form DeriveKey produces: it must start
// with an "ip", "user" or "session" segment followed by a value.
func ParseLimitKey(s string) (LimitKey, error) {
	prefix, rest, ok := strings.Cut(s, ":")
	if ok && rest != "" {
		switch prefix {
		case "ip", "user", "session":
			return LimitKey(s), nil
		}
	}
	return "", dErrors.New(dErrors.CodeValidation, "key must look like 'ip:<addr>', 'user:<id>' or 'session:<id>'")
}

// WindowStoreKey is the shared store key for one policy's window of key.
func WindowStoreKey(prefix, policy string, key LimitKey) string {
	return prefix + ":" + SanitizeKeySegment(policy) + ":" + key.String()
}

// ViolationStoreKey is the shared store key for key's violation counter.
// Violations are tracked per caller across all policies.
func ViolationStoreKey(prefix string, key LimitKey) string {
	return prefix + ":violations:" + key.String()
}

func segment(s string) string {
	if s == "" {
		return "unknown"
	}
	return SanitizeKeySegment(s)
}
