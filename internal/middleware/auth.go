package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// openPaths skip authentication so health checks keep working.
var openPaths = map[string]bool{"/health": true, "/ready": true, "/live": true}

// TokenAuth validates a bearer token from the Authorization header. An
// empty token disables the check.
func TokenAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if openPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			auth := r.Header.Get("Authorization")
			if auth == "" {
				http.Error(w, "missing Authorization header", http.StatusUnauthorized)
				return
			}

			// Support both "Bearer <key>" and "<key>" formats
			key := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			if key == "" {
				http.Error(w, "invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			// constant-time comparison
			if subtle.ConstantTimeCompare([]byte(key), []byte(token)) != 1 {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
