// Package audit defines the security events the resilience layer emits for
// review and the publisher that ships them.
package audit

import "time"

// SecurityEvent captures a security-relevant decision for SIEM and alerting.
type SecurityEvent struct {
	Timestamp time.Time `json:"timestamp"` // set by the publisher if zero
	Subject   string    `json:"subject"`   // limit key, resource or identifier involved
	Action    string    `json:"action"`    // e.g. "rate_limit_exceeded", "abuse_detected"
	Reason    string    `json:"reason,omitempty"`
	IP        string    `json:"ip,omitempty"` // anonymised client network
	RequestID string    `json:"request_id,omitempty"`
	Severity  Severity  `json:"severity"`
}

// Severity levels for security events.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)
