package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the address used as the rate-limit and audit identity of a request.
//
// Forwarding headers are only consulted when trustProxy is set. X-Forwarded-For is read
// from the right: the last trustedProxies entries were appended by our own proxies and the
// one before them is the client. trustedProxies <= 0 means one proxy.
func ClientIP(r *http.Request, trustProxy bool, trustedProxies int) string {
	if trustProxy {
		if ip := forwardedClient(r.Header.Get("X-Forwarded-For"), trustedProxies); ip != "" {
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

func forwardedClient(xff string, trustedProxies int) string {
	if xff == "" {
		return ""
	}
	if trustedProxies <= 0 {
		trustedProxies = 1
	}

	hops := strings.Split(xff, ",")
	idx := len(hops) - trustedProxies - 1
	if idx < 0 {
		idx = 0
	}

	ip := strings.TrimSpace(hops[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
