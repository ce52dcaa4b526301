package metadata

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"aegis/pkg/requestcontext"
)

// ClientMetadata extracts client IP address and User-Agent from the request
// and adds them to the context for use by the throttle, heuristics and limiter.
// This middleware should be applied early in the chain.
func ClientMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithClientMetadata(r.Context(), ClientIPFromRequest(r), r.Header.Get("User-Agent"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientIPFromRequest extracts the client IP, preferring the first
// X-Forwarded-For hop, then X-Real-IP, then the peer address. Header values
// that are not an IP address are ignored so junk headers cannot mint fresh
// limiter keys. Addresses are returned in canonical form.
func ClientIPFromRequest(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip, ok := canonical(first); ok {
			return ip
		}
	}

	if ip, ok := canonical(r.Header.Get("X-Real-IP")); ok {
		return ip
	}

	if addr := r.RemoteAddr; addr != "" {
		host := addr
		if h, _, err := net.SplitHostPort(addr); err == nil {
			host = h
		}
		if ip, ok := canonical(host); ok {
			return ip
		}
		return host
	}

	return "unknown"
}

func canonical(s string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}
