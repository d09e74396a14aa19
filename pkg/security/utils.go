// Package security provides connection admission helpers for the bus server:
// client IP extraction and per-IP connection limiting.
package security

import (
	"net"
	"net/http"
)

// ClientIP extracts the client IP from the request.
// Only RemoteAddr is used; forwarding headers can be spoofed.
func ClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr may be a bare IP without port
		return r.RemoteAddr
	}
	return ip
}
