// Package auth authenticates API traffic. Interactive clients carry an
// HS256 JWT whose claims bind the request to a tenant and an upstream user;
// webhook callers use a shared secret instead.
package auth

import (
	"context"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

type ctxKey string

const (
	ctxTenantID ctxKey = "tenant_id"
	ctxUserID   ctxKey = "user_id"
	ctxSubject  ctxKey = "sub"
)

// JWTCfg holds JWT authentication configuration
type JWTCfg struct {
	HS256Secret string // HMAC secret for HS256 tokens
	DevMode     bool   // Allow X-Debug-* headers (DANGEROUS: only for local dev)
}

// Middleware creates HTTP middleware for JWT authentication.
// Supports two modes:
// 1. Production: Bearer token with JWT validation
// 2. Development: X-Debug-Tenant / X-Debug-User headers (ONLY when DevMode=true)
//
// On success the tenant id, upstream user id, and subject are stored in the
// request context.
func Middleware(cfg JWTCfg) func(http.Handler) http.Handler {
	if cfg.DevMode {
		log.Warn().Msg("SECURITY WARNING: DevMode enabled - X-Debug-* headers will bypass JWT authentication")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := ""
			if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
				tok = h[7:]
			}

			var (
				tenantID string
				userID   int64
				subject  string
			)

			// Development mode: accept debug headers ONLY when no token present
			if cfg.DevMode && tok == "" {
				tenantID = r.Header.Get("X-Debug-Tenant")
				userID = parseInt64(r.Header.Get("X-Debug-User"))
				subject = r.Header.Get("X-Debug-Sub")
				if tenantID != "" {
					log.Debug().Str("tenant", tenantID).Msg("using X-Debug-Tenant header (dev mode)")
				}
			}

			if tok != "" {
				claims := jwt.MapClaims{}
				t, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
					if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
						return nil, jwt.ErrSignatureInvalid
					}
					return []byte(cfg.HS256Secret), nil
				})
				if err != nil || !t.Valid {
					log.Warn().Err(err).Msg("jwt validation failed")
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}

				if s, ok := claims["tenant_id"].(string); ok {
					tenantID = s
				}
				userID = claimInt64(claims["user_id"])
				if s, ok := claims["sub"].(string); ok {
					subject = s
				}
			}

			// Every request must resolve to a tenant.
			if tenantID == "" {
				log.Warn().Msg("missing tenant_id claim")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ctxTenantID, tenantID)
			ctx = context.WithValue(ctx, ctxUserID, userID)
			ctx = context.WithValue(ctx, ctxSubject, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TenantID extracts the authenticated tenant from request context.
// Returns empty string if not authenticated (should never happen after middleware).
func TenantID(ctx context.Context) string {
	if s, ok := ctx.Value(ctxTenantID).(string); ok {
		return s
	}
	return ""
}

// UserID extracts the upstream user id bound to the token, 0 when absent.
func UserID(ctx context.Context) int64 {
	if n, ok := ctx.Value(ctxUserID).(int64); ok {
		return n
	}
	return 0
}

// Subject extracts the OIDC subject claim from request context.
func Subject(ctx context.Context) string {
	if s, ok := ctx.Value(ctxSubject).(string); ok {
		return s
	}
	return ""
}

func claimInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case string:
		return parseInt64(n)
	default:
		return 0
	}
}

func parseInt64(s string) int64 {
	var n int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int64(r-'0')
	}
	return n
}
