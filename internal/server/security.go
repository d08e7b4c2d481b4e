package server

import (
	"net/http"
	"strings"
)

// The API serves JSON only; nothing may be framed or loaded from it.
const contentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'; base-uri 'none'"

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Security-Policy", contentSecurityPolicy)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	// Prevent search engine indexing
	w.Header().Set("X-Robots-Tag", "noindex, nofollow")
}

// cors answers for the configured dashboard origin. The tracking endpoint is
// embedded on arbitrary sites, so it accepts any origin.
type cors struct {
	origin      string
	actorHeader string
}

// apply sets CORS headers and reports whether the request was a preflight
// that has been fully answered.
func (c cors) apply(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}

	allowed := ""
	switch {
	case r.URL.Path == "/analytics":
		allowed = "*"
	case c.origin == "*" || (c.origin != "" && strings.EqualFold(origin, c.origin)):
		allowed = origin
		w.Header().Add("Vary", "Origin")
	}
	if allowed == "" {
		return false
	}

	w.Header().Set("Access-Control-Allow-Origin", allowed)
	if r.Method != http.MethodOptions || r.Header.Get("Access-Control-Request-Method") == "" {
		return false
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+c.actorHeader)
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
	return true
}
