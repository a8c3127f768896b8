package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP returns the address to attribute a request to. Forwarding headers
// are only honoured when trustProxy is set; trustedProxyCount is the number of
// proxies appending to X-Forwarded-For (0 is treated as 1).
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := fromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// fromForwardedFor picks the entry added by the outermost trusted proxy. Entries
// to its left are client-controlled and cannot be trusted.
func fromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}
	hops := strings.Split(xff, ",")

	if trustedProxyCount <= 0 {
		trustedProxyCount = 1
	}
	idx := len(hops) - trustedProxyCount - 1
	if idx < 0 {
		idx = 0
	}

	ip := strings.TrimSpace(hops[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
