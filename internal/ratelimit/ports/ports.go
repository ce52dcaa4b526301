// Package ports defines shared interfaces for the ratelimit module.
// Interfaces are placed here when consumed by multiple services to avoid duplication.
package ports

import (
	"context"
	"log/slog"
	"time"

	"aegis/internal/ratelimit/models"
	"aegis/pkg/attrs"
	"aegis/pkg/platform/audit"
	request "aegis/pkg/platform/middleware/request"
)

//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks

// AuditPublisher emits security events for review. Emit must not block the
// request path.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.SecurityEvent)
}

// WindowStore manages sliding window markers in the shared store.
type WindowStore interface {
	// Record atomically purges markers older than now-window, counts the rest,
	// adds a marker for this request and refreshes the key's TTL to window.
	// The marker is added whether or not the caller goes on to deny.
	Record(ctx context.Context, key string, now time.Time, window time.Duration) (models.WindowSample, error)

	// Reset clears the window for a key.
	Reset(ctx context.Context, key string) error
}

// ViolationStore tracks how often a caller breached a policy.
type ViolationStore interface {
	// Increment adds one violation. The TTL is set when the record is created
	// and not extended by later breaches.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Get returns the current record; a missing key yields a zero count.
	Get(ctx context.Context, key string) (models.ViolationRecord, error)

	// Clear removes the record for a key.
	Clear(ctx context.Context, key string) error
}

// AllowlistStore manages rate limit bypass entries.
type AllowlistStore interface {
	// IsAllowlisted checks if an identifier should bypass rate limiting.
	IsAllowlisted(ctx context.Context, identifier string) (bool, error)

	// Add creates or replaces an allowlist entry.
	Add(ctx context.Context, entry *models.AllowlistEntry) error

	// Remove deletes an allowlist entry.
	Remove(ctx context.Context, entryType models.AllowlistEntryType, identifier string) error

	// List returns all active allowlist entries.
	List(ctx context.Context) ([]*models.AllowlistEntry, error)
}

// LogAudit is a shared helper for logging audit events across ratelimit services.
// It logs to both the structured logger and the audit publisher if available.
func LogAudit(ctx context.Context, logger *slog.Logger, publisher AuditPublisher, event string, attrList ...any) {
	requestID := request.GetRequestID(ctx)
	if requestID != "" {
		attrList = append(attrList, "request_id", requestID)
	}

	args := append(attrList, "event", event, "log_type", "audit")

	if logger != nil {
		logger.InfoContext(ctx, event, args...)
	}

	if publisher == nil {
		return
	}
	publisher.Emit(ctx, audit.SecurityEvent{
		Action:    event,
		Subject:   extractSubject(attrList),
		Reason:    attrs.ExtractString(attrList, "reason"),
		IP:        attrs.ExtractString(attrList, "ip"),
		RequestID: requestID,
		Severity:  severityFor(event),
	})
}

func extractSubject(attrList []any) string {
	for _, key := range []string{"key", "identifier", "resource", "user_id", "ip"} {
		if val := attrs.ExtractString(attrList, key); val != "" {
			return val
		}
	}
	return ""
}

func severityFor(event string) audit.Severity {
	switch event {
	case models.EventAbuseDetected, models.EventSourceThrottled, models.EventCircuitOpened:
		return audit.SeverityCritical
	case models.EventAllowlistBypass, models.EventCircuitClosed, models.EventAllowlistChanged:
		return audit.SeverityInfo
	default:
		return audit.SeverityWarning
	}
}
