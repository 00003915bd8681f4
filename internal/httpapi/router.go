// Package httpapi is the HTTP front door: request decoding, auth, rate
// limiting, and the mapping from pipeline errors to the wire taxonomy.
package httpapi

import (
	"context"
	"net/http"

	"github.com/erauner12/fieldbridge-api/internal/auth"
	"github.com/erauner12/fieldbridge-api/internal/cache"
	"github.com/erauner12/fieldbridge-api/internal/delta"
	"github.com/erauner12/fieldbridge-api/internal/fanout"
	"github.com/erauner12/fieldbridge-api/internal/gateway"
	"github.com/erauner12/fieldbridge-api/internal/offline"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// Server holds dependencies for HTTP handlers
type Server struct {
	GW    *gateway.Gateway
	Hub   *fanout.Hub
	Cache *cache.Store
	Push  *offline.Processor

	JWT           auth.JWTCfg
	WebhookSecret string
	RateLimit     RateLimitInfo
}

// Routes creates the HTTP router with all endpoints
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated surface
	r.Get("/healthz", s.Health)
	r.Get("/v1/info", s.Info)

	// Tenant-scoped API
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.JWT))
		r.Use(RateLimitMiddleware(s.Cache, s.RateLimit))

		r.Post("/rpc/batch", s.ExecuteBatch)
		r.Post("/rpc/{operation}", s.ExecuteRPC)

		r.Post("/sync/pull", s.SyncPull)
		r.Get("/sync/state", s.SyncState)
		r.Post("/sync/reset", s.SyncReset)
		r.Get("/sync/activity", s.SyncActivity)

		r.Post("/offline-sync/push", s.OfflinePush)
		r.Post("/offline-sync/resolve-conflicts", s.ResolveConflicts)

		r.Get("/ws/{user_id}", s.WebSocket)
	})

	// Upstream push receiver, shared-secret auth instead of JWT
	r.Group(func(r chi.Router) {
		r.Use(auth.WebhookMiddleware(s.WebhookSecret))
		r.Post("/webhooks/receive", s.ReceiveWebhook)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}

// engine builds the pull plane for one tenant on top of its warm adapter.
// The wrappers are cheap; the adapter underneath is cached by the resolver.
func (s *Server) engine(ctx context.Context, tenantID string) (*delta.Engine, error) {
	tn, err := s.GW.Tenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return delta.NewEngine(s.GW.Resolver().Adapter(tn)), nil
}
