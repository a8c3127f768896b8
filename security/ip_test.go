package security

import (
	"net/http/httptest"
	"testing"
)

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name              string
		remoteAddr        string
		xForwardedFor     string
		xRealIP           string
		trustProxy        bool
		trustedProxyCount int
		want              string
	}{
		{name: "direct connection", remoteAddr: "192.168.1.100:12345", want: "192.168.1.100"},
		{name: "XFF with trust", remoteAddr: "10.0.0.1:1", xForwardedFor: "203.0.113.1, 10.0.0.2", trustProxy: true, want: "203.0.113.1"},
		{name: "XFF without trust", remoteAddr: "10.0.0.1:1", xForwardedFor: "203.0.113.1", want: "10.0.0.1"},
		{name: "spoofed leftmost entry ignored", remoteAddr: "10.0.0.1:1", xForwardedFor: "1.1.1.1, 203.0.113.9, 10.0.0.2", trustProxy: true, want: "203.0.113.9"},
		{name: "two trusted proxies", remoteAddr: "10.0.0.1:1", xForwardedFor: "203.0.113.5, 10.0.0.3, 10.0.0.2", trustProxy: true, trustedProxyCount: 2, want: "203.0.113.5"},
		{name: "short XFF", remoteAddr: "10.0.0.1:1", xForwardedFor: "203.0.113.7", trustProxy: true, want: "203.0.113.7"},
		{name: "invalid XFF falls back to X-Real-IP", remoteAddr: "10.0.0.1:1", xForwardedFor: "garbage, 10.0.0.2", xRealIP: "203.0.113.8", trustProxy: true, want: "203.0.113.8"},
		{name: "X-Real-IP without trust", remoteAddr: "10.0.0.1:1", xRealIP: "203.0.113.1", want: "10.0.0.1"},
		{name: "remote addr without port", remoteAddr: "10.0.0.1", want: "10.0.0.1"},
		{name: "ipv6 remote addr", remoteAddr: "[2001:db8::1]:443", want: "2001:db8::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xForwardedFor != "" {
				r.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}
			if tt.xRealIP != "" {
				r.Header.Set("X-Real-IP", tt.xRealIP)
			}

			if got := GetClientIP(r, tt.trustProxy, tt.trustedProxyCount); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
