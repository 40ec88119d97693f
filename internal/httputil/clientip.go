package httputil

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP resolves the originating client address of a control API
// request. The daemon usually serves loopback traffic directly, but a UI
// dev server may sit in between as a proxy, so the forwarded headers take
// precedence over the socket address.
func GetClientIP(r *http.Request) string {
	// The first hop of the X-Forwarded-For chain is the originating client
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr without a port; report it as-is
		return r.RemoteAddr
	}
	return host
}
