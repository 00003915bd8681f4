// Package gateway orchestrates tenant-scoped RPC: tenant check, operation
// validation, cache lookup, query optimization, execution, cache store, and
// write-path invalidation plus fan-out.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/erauner12/fieldbridge-api/internal/cache"
	"github.com/erauner12/fieldbridge-api/internal/fanout"
	"github.com/erauner12/fieldbridge-api/internal/queryx"
	"github.com/erauner12/fieldbridge-api/internal/tenant"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Request is one tenant-scoped operation.
type Request struct {
	Tenant string
	Op     string
	Model  string

	IDs    []int64
	Domain []any
	Fields []string
	Order  string
	Limit  int
	Offset int
	Values map[string]any

	// call_kw passthrough
	Method string
	Args   []any
	Kwargs map[string]any
}

// Response wraps the upstream result with pipeline annotations.
type Response struct {
	Result    any  `json:"result"`
	Cached    bool `json:"cached,omitempty"`
	Optimized bool `json:"optimized,omitempty"`
}

// Gateway executes requests against warm tenant adapters.
type Gateway struct {
	resolver *tenant.Resolver
	cache    *cache.Store
	hub      *fanout.Hub

	// flight coalesces concurrent cache-miss reads for the same key into
	// one upstream call.
	flight singleflight.Group
}

// New wires the gateway.
func New(resolver *tenant.Resolver, store *cache.Store, hub *fanout.Hub) *Gateway {
	return &Gateway{resolver: resolver, cache: store, hub: hub}
}

// Resolver exposes the tenant resolver (sync and offline planes share it).
func (g *Gateway) Resolver() *tenant.Resolver {
	return g.resolver
}

// Execute runs the full pipeline for one request.
func (g *Gateway) Execute(ctx context.Context, req Request) (*Response, error) {
	tn, err := g.checkTenant(ctx, req.Tenant)
	if err != nil {
		return nil, err
	}

	if !queryx.IsValidOp(req.Op) {
		return nil, ErrInvalidOp
	}
	if err := validateShape(req); err != nil {
		return nil, err
	}
	if req.Model != "" && !tn.ModelAllowed(req.Model) {
		return nil, ErrModelNotAllowed
	}

	policy := queryx.PolicyFor(req.Op)

	var key string
	if policy.Cacheable {
		key = cacheKeyFor(req)
		if data, err := g.cache.Get(ctx, key); err == nil {
			var result any
			if err := json.Unmarshal(data, &result); err == nil {
				log.Debug().Str("key", key).Msg("cache hit")
				return &Response{Result: result, Cached: true}, nil
			}
			// Corrupt entry: drop it and fall through to the upstream.
			g.cache.Delete(ctx, key)
		}
	}

	optimized := false
	if req.Op == queryx.OpSearchRead || req.Op == queryx.OpWebSearchRead {
		req, optimized = optimize(req)
	}

	adapter := g.resolver.Adapter(tn)
	model, method, args, kwargs := buildCall(req)

	var result any
	if policy.Cacheable {
		// Coalesce identical concurrent misses.
		v, err, _ := g.flight.Do(key, func() (any, error) {
			return adapter.Call(ctx, model, method, args, kwargs)
		})
		if err != nil {
			return nil, err
		}
		result = v
	} else {
		result, err = adapter.Call(ctx, model, method, args, kwargs)
		if err != nil {
			return nil, err
		}
	}

	if policy.Cacheable {
		if data, err := json.Marshal(result); err == nil {
			ttl := time.Duration(policy.TTLSecs) * time.Second
			if err := g.cache.Set(ctx, key, data, ttl); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("cache store failed")
			}
		}
	}

	if queryx.IsWriteOp(req.Op) {
		g.invalidateAndBroadcast(ctx, req, result)
	}

	return &Response{Result: result, Optimized: optimized}, nil
}

// BatchItem is the outcome of one operation in a batch.
type BatchItem struct {
	Status   string    `json:"status"` // success|failed
	Response *Response `json:"response,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// ExecuteBatch runs a sequence of operations. Per-item failures do not
// abort the batch unless stopOnError is set.
func (g *Gateway) ExecuteBatch(ctx context.Context, reqs []Request, stopOnError bool) []BatchItem {
	items := make([]BatchItem, 0, len(reqs))
	for _, req := range reqs {
		resp, err := g.Execute(ctx, req)
		if err != nil {
			items = append(items, BatchItem{Status: "failed", Error: err.Error()})
			if stopOnError {
				break
			}
			continue
		}
		items = append(items, BatchItem{Status: "success", Response: resp})
	}
	return items
}

// checkTenant enforces lifecycle rules and records the traversal.
func (g *Gateway) checkTenant(ctx context.Context, id string) (*tenant.Tenant, error) {
	if id == "" {
		return nil, ErrUnknownTenant
	}
	tn, err := g.resolver.Tenant(ctx, id)
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			return nil, ErrUnknownTenant
		}
		return nil, err
	}

	switch tn.Status {
	case tenant.StatusSuspended:
		return nil, ErrTenantSuspended
	case tenant.StatusDeleted:
		return nil, ErrTenantDeleted
	}

	go g.resolver.TouchLastActive(tn.ID)
	return tn, nil
}

// Tenant resolves and lifecycle-checks a tenant for the sync planes, which
// bypass the RPC pipeline but share the same rejection rules.
func (g *Gateway) Tenant(ctx context.Context, id string) (*tenant.Tenant, error) {
	return g.checkTenant(ctx, id)
}

func validateShape(req Request) error {
	switch req.Op {
	case queryx.OpCallKw:
		if req.Method == "" {
			return ErrMissingMethod
		}
	case queryx.OpCreate:
		if req.Values == nil {
			return ErrMissingValues
		}
	case queryx.OpWrite, queryx.OpWebSave:
		if len(req.IDs) == 0 {
			return ErrMissingIDs
		}
		if req.Values == nil {
			return ErrMissingValues
		}
	case queryx.OpUnlink:
		if len(req.IDs) == 0 {
			return ErrMissingIDs
		}
	}
	if req.Model == "" {
		return ErrMissingModel
	}
	return nil
}

// optimize applies the read-path rewrites and reports whether anything
// changed.
func optimize(req Request) (Request, bool) {
	changed := false

	if fields := queryx.OptimizeFields(req.Model, req.Fields); len(fields) != len(req.Fields) {
		req.Fields = fields
		changed = true
	}

	if domain := queryx.OptimizePredicate(req.Domain); !sameOrder(domain, req.Domain) {
		req.Domain = domain
		changed = true
	}

	if clamped := queryx.ClampLimit(req.Op, req.Limit); clamped != req.Limit {
		req.Limit = clamped
		changed = true
	}

	if req.Order == "" {
		req.Order = "id DESC"
		changed = true
	}

	return req, changed
}

func sameOrder(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		af, _ := json.Marshal(a[i])
		bf, _ := json.Marshal(b[i])
		if string(af) != string(bf) {
			return false
		}
	}
	return true
}

// cacheKeyFor fingerprints the normalized request arguments.
func cacheKeyFor(req Request) string {
	fp := map[string]any{
		"domain": req.Domain,
		"fields": req.Fields,
		"order":  req.Order,
		"limit":  req.Limit,
		"offset": req.Offset,
		"ids":    req.IDs,
	}
	if len(req.Kwargs) > 0 {
		fp["kwargs"] = req.Kwargs
	}
	return queryx.CacheKey(req.Tenant, req.Op, req.Model, fp)
}

// buildCall maps a request onto the upstream method signature.
func buildCall(req Request) (model, method string, args []any, kwargs map[string]any) {
	model = req.Model
	method = req.Op
	kwargs = map[string]any{}

	ids := make([]any, len(req.IDs))
	for i, id := range req.IDs {
		ids[i] = id
	}

	switch req.Op {
	case queryx.OpSearch, queryx.OpSearchCount:
		args = []any{req.Domain}
		if req.Op == queryx.OpSearch {
			addPagination(kwargs, req)
		}
	case queryx.OpSearchRead, queryx.OpWebSearchRead:
		args = []any{req.Domain}
		if req.Fields != nil {
			kwargs["fields"] = req.Fields
		}
		addPagination(kwargs, req)
	case queryx.OpRead, queryx.OpWebRead:
		args = []any{ids}
		if req.Fields != nil {
			kwargs["fields"] = req.Fields
		}
	case queryx.OpNameSearch:
		args = []any{}
		kwargs["args"] = req.Domain
		if req.Limit > 0 {
			kwargs["limit"] = req.Limit
		}
	case queryx.OpNameGet:
		args = []any{ids}
	case queryx.OpFieldsGet:
		args = []any{}
	case queryx.OpCreate:
		args = []any{req.Values}
	case queryx.OpWrite, queryx.OpWebSave:
		args = []any{ids, req.Values}
		if req.Op == queryx.OpWebSave {
			method = "web_save"
		}
	case queryx.OpUnlink:
		args = []any{ids}
	case queryx.OpCallKw:
		method = req.Method
		args = req.Args
		kwargs = req.Kwargs
		if kwargs == nil {
			kwargs = map[string]any{}
		}
	}

	return model, method, args, kwargs
}

func addPagination(kwargs map[string]any, req Request) {
	if req.Limit > 0 {
		kwargs["limit"] = req.Limit
	}
	if req.Offset > 0 {
		kwargs["offset"] = req.Offset
	}
	if req.Order != "" {
		kwargs["order"] = req.Order
	}
}

// invalidateAndBroadcast evicts every cache entry the write could have made
// stale and notifies record subscribers.
func (g *Gateway) invalidateAndBroadcast(ctx context.Context, req Request, result any) {
	for _, pattern := range queryx.InvalidationPatterns(req.Tenant, req.Model) {
		if n, err := g.cache.DeletePattern(ctx, pattern); err != nil {
			log.Warn().Err(err).Str("pattern", pattern).Msg("cache invalidation failed")
		} else if n > 0 {
			log.Debug().Str("pattern", pattern).Int("deleted", n).Msg("cache invalidated")
		}
	}

	kind := req.Op
	switch req.Op {
	case queryx.OpUnlink:
		kind = "delete"
	case queryx.OpWebSave:
		kind = "write"
	}

	ids := req.IDs
	if req.Op == queryx.OpCreate {
		if id := asInt64(result); id > 0 {
			ids = []int64{id}
		}
	}

	for _, id := range ids {
		g.hub.BroadcastRecordUpdate(req.Tenant, req.Model, id, kind, req.Values)
	}
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
