package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the client IP address from a request.
//
// When trustProxy is false the direct connection address is used, which is
// the safe default: X-Forwarded-For is attacker-controlled unless a trusted
// reverse proxy strips it. When trustProxy is true, the rightmost
// non-trusted entry of X-Forwarded-For is used, counting trustedProxyCount
// proxies from the right.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if ip := extractIPFromXFF(xff, trustedProxyCount); ip != "" {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			if net.ParseIP(xri) != nil {
				return xri
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func extractIPFromXFF(xff string, trustedProxyCount int) string {
	parts := strings.Split(xff, ",")
	ips := make([]string, 0, len(parts))
	for _, p := range parts {
		if ip := strings.TrimSpace(p); ip != "" {
			ips = append(ips, ip)
		}
	}
	if len(ips) == 0 {
		return ""
	}

	// The client entry sits trustedProxyCount positions from the right.
	idx := len(ips) - trustedProxyCount - 1
	if idx < 0 {
		idx = 0
	}

	ip := ips[idx]
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
