package tenant

import (
	"context"
	"sync"
	"time"

	"github.com/erauner12/fieldbridge-api/internal/upstream"
	"github.com/rs/zerolog/log"
)

// Resolver maps tenant ids to tenants and keeps one warm upstream adapter
// per tenant. Adapter construction is pluggable so tests can inject fakes.
type Resolver struct {
	store      Store
	newAdapter func(cfg upstream.Config) upstream.Caller

	mu       sync.RWMutex
	adapters map[string]upstream.Caller
}

// NewResolver creates a resolver over the given store.
func NewResolver(store Store) *Resolver {
	return &Resolver{
		store: store,
		newAdapter: func(cfg upstream.Config) upstream.Caller {
			return upstream.New(cfg)
		},
		adapters: make(map[string]upstream.Caller),
	}
}

// WithAdapterFactory overrides adapter construction (tests).
func (r *Resolver) WithAdapterFactory(f func(cfg upstream.Config) upstream.Caller) *Resolver {
	r.newAdapter = f
	return r
}

// Tenant loads the tenant row for id. Callers enforce status rules.
func (r *Resolver) Tenant(ctx context.Context, id string) (*Tenant, error) {
	return r.store.Get(ctx, id)
}

// TouchLastActive records traversal time, best-effort: the request must not
// fail because bookkeeping did.
func (r *Resolver) TouchLastActive(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.TouchLastActive(ctx, id); err != nil {
		log.Warn().Err(err).Str("tenantId", id).Msg("failed to touch last_active")
	}
}

// Adapter returns the warm upstream client for the tenant, creating it on
// first use. The adapter owns the tenant's session; callers share it.
func (r *Resolver) Adapter(t *Tenant) upstream.Caller {
	r.mu.RLock()
	a, ok := r.adapters[t.ID]
	r.mu.RUnlock()
	if ok {
		return a
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.adapters[t.ID]; ok {
		return a
	}

	a = r.newAdapter(upstream.Config{
		URL:      t.UpstreamURL,
		Database: t.UpstreamDB,
		Login:    t.UpstreamLogin,
		Secret:   t.UpstreamSecret,
	})
	r.adapters[t.ID] = a

	log.Debug().Str("tenantId", t.ID).Msg("upstream adapter created")
	return a
}

// Evict drops the warm adapter for a tenant (credentials rotated, tenant
// suspended).
func (r *Resolver) Evict(tenantID string) {
	r.mu.Lock()
	delete(r.adapters, tenantID)
	r.mu.Unlock()
}

// Shutdown clears all warm adapters.
func (r *Resolver) Shutdown() {
	r.mu.Lock()
	r.adapters = make(map[string]upstream.Caller)
	r.mu.Unlock()
}
