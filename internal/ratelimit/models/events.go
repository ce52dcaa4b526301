package models

// Audit event names emitted by the ratelimit module.
const (
	EventRateLimitExceeded = "rate_limit_exceeded"
	EventAbuseDetected     = "abuse_detected"
	EventSourceThrottled   = "source_throttled"
	EventStoreUnavailable  = "rate_limit_store_unavailable"
	EventAllowlistBypass   = "allowlist_bypass"
	EventAllowlistChanged  = "allowlist_changed"
	EventRateLimitReset    = "rate_limit_reset"
	EventCircuitOpened     = "circuit_opened"
	EventCircuitHalfOpen   = "circuit_half_open"
	EventCircuitClosed     = "circuit_closed"
)
