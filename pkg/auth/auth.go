// Package auth guards the admin HTTP surface with API keys and a
// per-caller rate limiter pool. The websocket surface does its own HELLO
// token check; this middleware only covers the mux.
package auth

import (
	"net"
	"net/http"
	"strings"

	"parleydb/pkg/logger"
	"parleydb/pkg/utils"
)

// Role is the resolved caller role for a request.
type Role int

const (
	RoleUnauth Role = iota
	RoleBackend
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleBackend:
		return "backend"
	case RoleAdmin:
		return "admin"
	}
	return "unauth"
}

// SecConfig drives authentication and rate limiting.
type SecConfig struct {
	RPS         float64
	Burst       int
	BackendKeys map[string]struct{}
	AdminKeys   map[string]struct{}
	// AllowUnauth skips the key check entirely. Dev only.
	AllowUnauth bool
}

// KeySet builds the lookup set the config lists as a slice.
func KeySet(keys []string) map[string]struct{} {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			m[k] = struct{}{}
		}
	}
	return m
}

// Middleware authenticates every request, tags it with X-Role-Name and
// applies per-key (or per-ip for unauthenticated callers) rate limiting.
// Health probes pass without a key.
func Middleware(cfg SecConfig) func(http.Handler) http.Handler {
	limiters := &limiterPool{cfg: cfg}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if (r.URL.Path == "/healthz" || r.URL.Path == "/readyz") && r.Method == http.MethodGet {
				r.Header.Set("X-Role-Name", RoleUnauth.String())
				next.ServeHTTP(w, r)
				return
			}

			role, key, hasKey := authenticate(r, cfg)
			if role == RoleUnauth && !cfg.AllowUnauth {
				utils.JSONError(w, http.StatusUnauthorized, "unauthorized")
				logger.Warn("request_unauthorized", "path", r.URL.Path, "remote", r.RemoteAddr, "has_api_key", hasKey)
				return
			}
			r.Header.Set("X-Role-Name", role.String())

			if !limiters.Allow(key) {
				utils.JSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				logger.Warn("rate_limited", "path", r.URL.Path, "role", role.String())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole rejects requests whose middleware-resolved role is below min.
func RequireRole(min Role, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := RoleUnauth
		switch r.Header.Get("X-Role-Name") {
		case "backend":
			got = RoleBackend
		case "admin":
			got = RoleAdmin
		}
		if got < min {
			utils.JSONError(w, http.StatusForbidden, "forbidden")
			logger.Warn("request_forbidden", "path", r.URL.Path, "role", got.String())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func authenticate(r *http.Request, cfg SecConfig) (Role, string, bool) {
	// prefer authorization: bearer <key>, fallback to x-api-key
	authz := r.Header.Get("Authorization")
	var key string
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		key = strings.TrimSpace(authz[7:])
	}
	if key == "" {
		key = r.Header.Get("X-API-Key")
	}
	if key == "" {
		return RoleUnauth, clientIP(r), false
	}
	if _, ok := cfg.AdminKeys[key]; ok {
		return RoleAdmin, key, true
	}
	if _, ok := cfg.BackendKeys[key]; ok {
		return RoleBackend, key, true
	}
	return RoleUnauth, key, true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
