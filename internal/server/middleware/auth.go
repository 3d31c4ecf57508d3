// Package middleware holds the HTTP filters applied in front of the raw
// gateway and admin handlers.
package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"CodexLane/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	kratoshttp "github.com/go-kratos/kratos/v2/transport/http"
)

// NewAuthFilter enforces API-key authentication per surface: /admin
// (including the OAuth enrolment flow) requires the admin key, the gateway
// surface requires one of the configured keys, /healthz stays open.
// An empty gateway key list allows all gateway callers; an empty admin key
// disables the admin surface entirely.
func NewAuthFilter(c *conf.Auth, logger log.Logger) kratoshttp.FilterFunc {
	helper := log.NewHelper(logger)

	gatewayKeys := make(map[string]struct{}, len(c.APIKeys))
	for _, key := range c.APIKeys {
		if key != "" {
			gatewayKeys[key] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			switch {
			case path == "/healthz":

			case strings.HasPrefix(path, "/admin"):
				if c.AdminAPIKey == "" {
					deny(w, http.StatusForbidden, "admin API is disabled")
					return
				}
				if subtle.ConstantTimeCompare([]byte(extractKey(r)), []byte(c.AdminAPIKey)) != 1 {
					helper.Warnw("admin auth rejected", "path", path, "remote", r.RemoteAddr)
					deny(w, http.StatusUnauthorized, "invalid admin API key")
					return
				}

			default:
				if len(gatewayKeys) == 0 {
					break
				}
				if _, ok := gatewayKeys[extractKey(r)]; !ok {
					helper.Warnw("gateway auth rejected", "path", path, "remote", r.RemoteAddr)
					deny(w, http.StatusUnauthorized, "invalid API key")
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractKey reads the caller's key from Authorization: Bearer or x-api-key.
func extractKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
		return ""
	}
	return r.Header.Get("x-api-key")
}

func deny(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"type": "unauthorized", "message": message},
	})
}
