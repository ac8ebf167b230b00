// Package middleware provides HTTP middleware for the relay API.
package middleware

import (
	"net/http"
	"strings"
)

const (
	corsMethods = "GET, POST, DELETE, OPTIONS"
	corsHeaders = "Authorization, Content-Type"
)

// OriginPolicy decides which browser origins may call the API. "*" admits
// any origin but never grants credentials.
type OriginPolicy struct {
	any      bool
	explicit map[string]struct{}
}

// NewOriginPolicy builds a policy from configured origins. Entries are
// compared case-insensitively and without a trailing slash.
func NewOriginPolicy(origins []string) OriginPolicy {
	p := OriginPolicy{explicit: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		o = normalizeOrigin(o)
		switch o {
		case "":
		case "*":
			p.any = true
		default:
			p.explicit[o] = struct{}{}
		}
	}
	return p
}

// Allows reports whether origin may call the API and whether it was named
// explicitly.
func (p OriginPolicy) Allows(origin string) (allowed, explicit bool) {
	if origin == "" {
		return false, false
	}
	if _, ok := p.explicit[normalizeOrigin(origin)]; ok {
		return true, true
	}
	return p.any, false
}

func normalizeOrigin(o string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
}

// CORS returns middleware that handles CORS headers for the given origins.
// Preflight requests are answered directly with 204.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	policy := NewOriginPolicy(allowedOrigins)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Add("Vary", "Origin")

			origin := r.Header.Get("Origin")
			if allowed, explicit := policy.Allows(origin); allowed {
				h.Set("Access-Control-Allow-Origin", origin)
				if explicit {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
			}

			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
			if !preflight {
				next.ServeHTTP(w, r)
				return
			}
			if h.Get("Access-Control-Allow-Origin") != "" {
				h.Set("Access-Control-Allow-Methods", corsMethods)
				h.Set("Access-Control-Allow-Headers", corsHeaders)
				h.Set("Access-Control-Max-Age", "600")
			}
			w.WriteHeader(http.StatusNoContent)
		})
	}
}
