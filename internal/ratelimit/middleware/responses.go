package middleware

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"aegis/internal/ratelimit/models"
	"aegis/internal/ratelimit/service/sourcethrottle"
	dErrors "aegis/pkg/domain-errors"
	"aegis/pkg/platform/circuit"
	"aegis/pkg/platform/httputil"
)

const (
	abuseMessage       = "Request blocked."
	breakerOpenMessage = "Service temporarily unavailable, please try again later."
	sourceMessage      = "Too many requests from this source, please try again later."
)

func addRateLimitHeaders(w http.ResponseWriter, result *models.RateLimitResult) {
	if result == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
	if result.Degraded {
		w.Header().Set("X-RateLimit-Status", "degraded")
	}
}

// addBlockedHeaders describes a caller that has no requests left until
// retryAfter seconds from now.
func addBlockedHeaders(w http.ResponseWriter, limit int, now time.Time, retryAfter int) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(now.Add(time.Duration(retryAfter)*time.Second).Unix(), 10))
}

func writeRateLimitExceeded(w http.ResponseWriter, policy models.RateLimitPolicy, result *models.RateLimitResult) {
	status := policy.StatusCode
	if status == 0 {
		status = http.StatusTooManyRequests
	}
	w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
	httputil.WriteJSON(w, status, &models.RejectionResponse{
		Error:      policy.Message,
		Code:       string(dErrors.CodeRateLimitExceeded),
		RetryAfter: result.RetryAfter,
	})
}

func writeAbuseDetected(w http.ResponseWriter, policy models.RateLimitPolicy, now time.Time) {
	retryAfter := seconds(policy.Window)
	addBlockedHeaders(w, policy.MaxRequests, now, retryAfter)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	httputil.WriteJSON(w, http.StatusTooManyRequests, &models.RejectionResponse{
		Error:      abuseMessage,
		Code:       string(dErrors.CodeAbuseDetected),
		RetryAfter: retryAfter,
	})
}

func writeSourceThrottled(w http.ResponseWriter, decision sourcethrottle.Decision, now time.Time) {
	retryAfter := seconds(decision.RetryAfter)
	addBlockedHeaders(w, decision.Limit, now, retryAfter)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	httputil.WriteJSON(w, http.StatusTooManyRequests, &models.RejectionResponse{
		Error:      sourceMessage,
		Code:       string(dErrors.CodeRateLimitExceeded),
		RetryAfter: retryAfter,
	})
}

// WriteBreakerOpen answers 503 CIRCUIT_BREAKER_OPEN for a call a breaker
// refused. Retry-After carries the remaining recovery time when known.
func WriteBreakerOpen(w http.ResponseWriter, err error) {
	if retry, ok := circuit.RetryAfter(err); ok {
		w.Header().Set("Retry-After", strconv.Itoa(seconds(retry)))
	}
	httputil.WriteJSON(w, http.StatusServiceUnavailable, &models.RejectionResponse{
		Error: breakerOpenMessage,
		Code:  string(dErrors.CodeCircuitOpen),
	})
}

// WriteError writes breaker rejections with the 503 contract and everything
// else through the domain error mapping.
func WriteError(w http.ResponseWriter, err error) {
	if errors.Is(err, circuit.ErrOpen) {
		WriteBreakerOpen(w, err)
		return
	}
	httputil.WriteError(w, err)
}

func seconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}
