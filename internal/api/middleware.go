package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// APIKeyAuth guards routes with a shared backend key. The key is accepted
// either as an X-API-Key header or as an Authorization bearer token.
func APIKeyAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				auth := r.Header.Get("Authorization")
				if strings.HasPrefix(auth, "Bearer ") {
					key = strings.TrimPrefix(auth, "Bearer ")
				}
			}

			if key == "" {
				respondError(w, http.StatusUnauthorized, "Missing API key")
				return
			}

			// Constant-time comparison to prevent timing attacks
			if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) != 1 {
				respondError(w, http.StatusForbidden, "Invalid API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
