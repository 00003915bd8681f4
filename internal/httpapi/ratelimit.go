package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/erauner12/fieldbridge-api/internal/auth"
	"github.com/erauner12/fieldbridge-api/internal/cache"
	"github.com/rs/zerolog/log"
)

// RateLimitInfo describes the per-tenant rate limiting policy
type RateLimitInfo struct {
	WindowSeconds int `json:"windowSeconds"` // e.g. 60
	MaxRequests   int `json:"maxRequests"`   // per window
}

// RateLimitMiddleware enforces a per-tenant request budget backed by the
// shared cache, so every replica counts against the same window. The counter
// key is bucketed by window start; INCR on a fresh key creates it and the
// first increment attaches the expiry.
//
// A cache outage fails open: rate limiting is protection, not correctness.
func RateLimitMiddleware(store *cache.Store, config RateLimitInfo) func(http.Handler) http.Handler {
	window := time.Duration(config.WindowSeconds) * time.Second

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := auth.TenantID(r.Context())
			if tenantID == "" {
				// Unauthenticated request: nothing to key the budget on
				next.ServeHTTP(w, r)
				return
			}

			windowStart := time.Now().Unix() / int64(config.WindowSeconds) * int64(config.WindowSeconds)
			key := "ratelimit:" + tenantID + ":" + strconv.FormatInt(windowStart, 10)

			count, err := store.Increment(r.Context(), key, 1)
			if err != nil {
				log.Warn().Err(err).Str("tenant", tenantID).Msg("rate limit counter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}
			if count == 1 {
				if err := store.Expire(r.Context(), key, window); err != nil {
					log.Warn().Err(err).Str("key", key).Msg("rate limit expiry attach failed")
				}
			}

			remaining := config.MaxRequests - int(count)
			if remaining < 0 {
				remaining = 0
			}
			resetAt := windowStart + int64(config.WindowSeconds)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.MaxRequests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

			if int(count) > config.MaxRequests {
				retryAfter := int(resetAt - time.Now().Unix())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

				log.Warn().
					Str("tenant", tenantID).
					Str("path", r.URL.Path).
					Int("retryAfter", retryAfter).
					Msg("rate limit exceeded")

				writeError(w, http.StatusTooManyRequests, "rate_limited",
					"Rate limit exceeded. Please retry after "+strconv.Itoa(retryAfter)+" seconds.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
