package security

import (
	"net/http"
)

// SetSecurityHeaders sets the headers shared by every gateway response:
// redirects, JSON errors and webhook answers.
// HSTS is only sent when the gateway is served over HTTPS.
func SetSecurityHeaders(w http.ResponseWriter, https bool) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

	if https {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	// Responses carry cookies holding tokens; never cache them.
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	h.Set("Pragma", "no-cache")
}

// SetPageSecurityHeaders is SetSecurityHeaders for HTML pages, which may load
// same-origin styles and images.
func SetPageSecurityHeaders(w http.ResponseWriter, https bool) {
	SetSecurityHeaders(w, https)
	w.Header().Set("Content-Security-Policy",
		"default-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data: https:; frame-ancestors 'none'")
}
