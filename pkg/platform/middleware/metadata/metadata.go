package metadata

import (
	"net/http"
	"strings"

	"github.com/mssola/useragent"

	"onboarding/pkg/requestcontext"
)

// ClientMetadata extracts the client IP address and a device summary parsed
// from the User-Agent and adds them to the context for audit records.
// This middleware should be applied early in the chain.
func ClientMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIPFromRequest(r)
		device := DeviceSummary(r.Header.Get("User-Agent"))
		ctx := requestcontext.WithClientMetadata(r.Context(), ip, device)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// DeviceSummary reduces a User-Agent header to "<browser> on <os>", or
// "bot:<name>" for crawlers. Unparseable agents are returned trimmed.
func DeviceSummary(userAgent string) string {
	userAgent = strings.TrimSpace(userAgent)
	if userAgent == "" {
		return ""
	}
	ua := useragent.New(userAgent)
	browser, _ := ua.Browser()
	if ua.Bot() {
		return "bot:" + browser
	}
	osName := ua.OS()
	switch {
	case browser != "" && osName != "":
		return browser + " on " + osName
	case browser != "":
		return browser
	default:
		return userAgent
	}
}

// ClientIPFromRequest extracts the real client IP from the request, handling proxies and load balancers.
func ClientIPFromRequest(r *http.Request) string {
	// X-Forwarded-For lists client, proxy1, proxy2; the first is the origin.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	// RemoteAddr is "ip:port" ("[::1]:port" for IPv6).
	if addr := r.RemoteAddr; addr != "" {
		if idx := strings.LastIndex(addr, ":"); idx != -1 {
			return addr[:idx]
		}
		return addr
	}

	return "unknown"
}
