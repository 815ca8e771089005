package signaling

import (
	"net"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/origin"
)

// normalizedOriginFromRequest returns a canonical Origin value for r, or ""
// when r has no (single) Origin header. Used as a log attribute only; origin
// enforcement lives in the httpserver middleware.
func normalizedOriginFromRequest(r *http.Request) string {
	if r == nil || len(r.Header.Values("Origin")) != 1 {
		return ""
	}
	originHeader := strings.TrimSpace(r.Header.Get("Origin"))
	if normalized, _, ok := origin.NormalizeHeader(originHeader); ok {
		return normalized
	}
	return originHeader
}

// clientIP returns the address used to key per-client upgrade throttling.
//
// X-Forwarded-For is only honored when trustProxy is set; its first entry is
// the original client.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			if i := strings.IndexByte(xff, ','); i >= 0 {
				xff = xff[:i]
			}
			if ip := net.ParseIP(strings.TrimSpace(xff)); ip != nil {
				return ip.String()
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
