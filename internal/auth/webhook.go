package auth

import (
	"crypto/hmac"
	"net/http"

	"github.com/rs/zerolog/log"
)

// WebhookMiddleware guards the upstream webhook receiver. The upstream
// authenticates with either "Authorization: Bearer <secret>" or an
// "X-API-Key" header; both compare against the same shared secret.
func WebhookMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				log.Error().Msg("webhook secret not configured, rejecting")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			presented := r.Header.Get("X-API-Key")
			if presented == "" {
				if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
					presented = h[7:]
				}
			}

			// Constant-time comparison to prevent timing attacks
			if !hmac.Equal([]byte(presented), []byte(secret)) {
				log.Warn().Str("path", r.URL.Path).Msg("webhook auth failed")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
