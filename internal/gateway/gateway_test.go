package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/erauner12/fieldbridge-api/internal/cache"
	"github.com/erauner12/fieldbridge-api/internal/fanout"
	"github.com/erauner12/fieldbridge-api/internal/queryx"
	"github.com/erauner12/fieldbridge-api/internal/tenant"
	"github.com/erauner12/fieldbridge-api/internal/upstream"
	"github.com/redis/go-redis/v9"
)

// memTenants is an in-memory tenant.Store.
type memTenants struct {
	mu      sync.Mutex
	tenants map[string]*tenant.Tenant
}

func (m *memTenants) Get(_ context.Context, id string) (*tenant.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, tenant.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memTenants) TouchLastActive(context.Context, string) error { return nil }

// countingCaller returns a fixed result and counts invocations.
type countingCaller struct {
	mu     sync.Mutex
	calls  int
	last   recordedCall
	result any
	err    error
}

type recordedCall struct {
	model  string
	method string
	args   []any
	kwargs map[string]any
}

func (c *countingCaller) Call(_ context.Context, model, method string, args []any, kwargs map[string]any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.last = recordedCall{model: model, method: method, args: args, kwargs: kwargs}
	if c.err != nil {
		return nil, c.err
	}
	return c.result, nil
}

func (c *countingCaller) Authenticate(context.Context) (upstream.SessionInfo, error) {
	return upstream.SessionInfo{UserID: 1}, nil
}

func (c *countingCaller) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// memChannel collects fan-out deliveries.
type memChannel struct {
	mu   sync.Mutex
	msgs []fanout.Message
}

func (c *memChannel) Send(msg fanout.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *memChannel) Close() error { return nil }

func (c *memChannel) received() []fanout.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]fanout.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

type testRig struct {
	gw     *Gateway
	caller *countingCaller
	hub    *fanout.Hub
}

func newTestRig(t *testing.T, tenants map[string]*tenant.Tenant) *testRig {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	store := cache.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { store.Close() })

	caller := &countingCaller{result: []any{map[string]any{"id": 1.0, "name": "A"}}}
	resolver := tenant.NewResolver(&memTenants{tenants: tenants}).
		WithAdapterFactory(func(upstream.Config) upstream.Caller { return caller })

	hub := fanout.NewHub()
	return &testRig{gw: New(resolver, store, hub), caller: caller, hub: hub}
}

func activeTenant(id string) *tenant.Tenant {
	return &tenant.Tenant{ID: id, Name: "Acme", Status: tenant.StatusActive, UpstreamURL: "http://x"}
}

func TestExecute_CacheHitOnRepeatedRead(t *testing.T) {
	rig := newTestRig(t, map[string]*tenant.Tenant{"t1": activeTenant("t1")})
	ctx := context.Background()

	req := Request{
		Tenant: "t1", Op: queryx.OpSearchRead, Model: "res.partner",
		Domain: []any{[]any{"is_company", "=", true}},
		Fields: []string{"name", "email"},
		Limit:  10,
	}

	first, err := rig.gw.Execute(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if first.Cached {
		t.Error("first read should not be cached")
	}

	second, err := rig.gw.Execute(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Cached {
		t.Error("second identical read should hit the cache")
	}
	if rig.caller.callCount() != 1 {
		t.Errorf("upstream invoked %d times, want 1", rig.caller.callCount())
	}
}

func TestExecute_WriteInvalidatesCacheAndFansOut(t *testing.T) {
	rig := newTestRig(t, map[string]*tenant.Tenant{"t1": activeTenant("t1")})
	ctx := context.Background()

	read := Request{
		Tenant: "t1", Op: queryx.OpSearchRead, Model: "res.partner",
		Domain: []any{[]any{"is_company", "=", true}},
		Fields: []string{"name", "email"}, Limit: 10,
	}
	if _, err := rig.gw.Execute(ctx, read); err != nil {
		t.Fatal(err)
	}

	// Subscribe a user to record 5 before the write.
	ch := &memChannel{}
	rig.hub.Attach("u1", ch)
	rig.hub.SubscribeRecords("u1", "t1", "res.partner", []int64{5})

	write := Request{
		Tenant: "t1", Op: queryx.OpWrite, Model: "res.partner",
		IDs: []int64{5}, Values: map[string]any{"name": "X"},
	}
	if _, err := rig.gw.Execute(ctx, write); err != nil {
		t.Fatal(err)
	}

	// The read must miss now and go upstream again.
	resp, err := rig.gw.Execute(ctx, read)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Cached {
		t.Error("read after write should not be served from cache")
	}
	if rig.caller.callCount() != 3 {
		t.Errorf("upstream invoked %d times, want 3 (read, write, re-read)", rig.caller.callCount())
	}

	msgs := ch.received()
	if len(msgs) != 1 {
		t.Fatalf("subscriber got %d messages, want 1", len(msgs))
	}
	m := msgs[0]
	if m.Type != "model_update" || m.Model != "res.partner" || m.RecordID != 5 || m.Operation != "write" {
		t.Errorf("unexpected broadcast %+v", m)
	}
}

func TestExecute_CreateBroadcastsNewID(t *testing.T) {
	rig := newTestRig(t, map[string]*tenant.Tenant{"t1": activeTenant("t1")})
	rig.caller.result = float64(42)

	ch := &memChannel{}
	rig.hub.Attach("u1", ch)
	rig.hub.SubscribeRecords("u1", "t1", "res.partner", []int64{42})

	_, err := rig.gw.Execute(context.Background(), Request{
		Tenant: "t1", Op: queryx.OpCreate, Model: "res.partner",
		Values: map[string]any{"name": "New Co"},
	})
	if err != nil {
		t.Fatal(err)
	}

	msgs := ch.received()
	if len(msgs) != 1 || msgs[0].Operation != "create" || msgs[0].RecordID != 42 {
		t.Errorf("create broadcast wrong: %+v", msgs)
	}
}

func TestExecute_SuspendedTenantRejectedBeforeUpstream(t *testing.T) {
	suspended := activeTenant("t1")
	suspended.Status = tenant.StatusSuspended
	rig := newTestRig(t, map[string]*tenant.Tenant{"t1": suspended})

	_, err := rig.gw.Execute(context.Background(), Request{
		Tenant: "t1", Op: queryx.OpSearchRead, Model: "res.partner",
	})
	if !errors.Is(err, ErrTenantSuspended) {
		t.Fatalf("expected ErrTenantSuspended, got %v", err)
	}
	if rig.caller.callCount() != 0 {
		t.Error("suspended tenant must not reach the upstream")
	}
}

func TestExecute_DeletedTenantGone(t *testing.T) {
	deleted := activeTenant("t1")
	deleted.Status = tenant.StatusDeleted
	rig := newTestRig(t, map[string]*tenant.Tenant{"t1": deleted})

	_, err := rig.gw.Execute(context.Background(), Request{
		Tenant: "t1", Op: queryx.OpRead, Model: "res.partner", IDs: []int64{1},
	})
	if !errors.Is(err, ErrTenantDeleted) {
		t.Fatalf("expected ErrTenantDeleted, got %v", err)
	}
}

func TestExecute_UnknownTenant(t *testing.T) {
	rig := newTestRig(t, map[string]*tenant.Tenant{})

	_, err := rig.gw.Execute(context.Background(), Request{
		Tenant: "ghost", Op: queryx.OpSearch, Model: "res.partner",
	})
	if !errors.Is(err, ErrUnknownTenant) {
		t.Fatalf("expected ErrUnknownTenant, got %v", err)
	}
}

func TestExecute_InvalidOpRejectedBeforeUpstream(t *testing.T) {
	rig := newTestRig(t, map[string]*tenant.Tenant{"t1": activeTenant("t1")})

	_, err := rig.gw.Execute(context.Background(), Request{
		Tenant: "t1", Op: "drop_everything", Model: "res.partner",
	})
	if !errors.Is(err, ErrInvalidOp) {
		t.Fatalf("expected ErrInvalidOp, got %v", err)
	}
	if rig.caller.callCount() != 0 {
		t.Error("invalid op must not reach the upstream")
	}
}

func TestExecute_ModelAllowlist(t *testing.T) {
	limited := activeTenant("t1")
	limited.AllowedModels = []string{"res.partner"}
	rig := newTestRig(t, map[string]*tenant.Tenant{"t1": limited})

	_, err := rig.gw.Execute(context.Background(), Request{
		Tenant: "t1", Op: queryx.OpSearchRead, Model: "account.move",
	})
	if !errors.Is(err, ErrModelNotAllowed) {
		t.Fatalf("expected ErrModelNotAllowed, got %v", err)
	}
}

func TestExecute_SearchReadOptimized(t *testing.T) {
	rig := newTestRig(t, map[string]*tenant.Tenant{"t1": activeTenant("t1")})

	resp, err := rig.gw.Execute(context.Background(), Request{
		Tenant: "t1", Op: queryx.OpSearchRead, Model: "sale.order",
		Fields: []string{"partner_id"},
		Limit:  5000, // above ceiling
	})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Optimized {
		t.Error("response should be annotated optimized")
	}

	rig.caller.mu.Lock()
	last := rig.caller.last
	rig.caller.mu.Unlock()

	if got := last.kwargs["limit"]; got != 200 {
		t.Errorf("limit not clamped: %v", got)
	}
	if got := last.kwargs["order"]; got != "id DESC" {
		t.Errorf("default order missing: %v", got)
	}
	fields, _ := last.kwargs["fields"].([]string)
	if len(fields) <= 1 {
		t.Errorf("relational fields not expanded: %v", fields)
	}
}

func TestExecute_ShapeValidation(t *testing.T) {
	rig := newTestRig(t, map[string]*tenant.Tenant{"t1": activeTenant("t1")})
	ctx := context.Background()

	cases := []struct {
		name string
		req  Request
		want error
	}{
		{"write without ids", Request{Tenant: "t1", Op: queryx.OpWrite, Model: "x", Values: map[string]any{}}, ErrMissingIDs},
		{"write without values", Request{Tenant: "t1", Op: queryx.OpWrite, Model: "x", IDs: []int64{1}}, ErrMissingValues},
		{"create without values", Request{Tenant: "t1", Op: queryx.OpCreate, Model: "x"}, ErrMissingValues},
		{"unlink without ids", Request{Tenant: "t1", Op: queryx.OpUnlink, Model: "x"}, ErrMissingIDs},
		{"call_kw without method", Request{Tenant: "t1", Op: queryx.OpCallKw, Model: "x"}, ErrMissingMethod},
		{"missing model", Request{Tenant: "t1", Op: queryx.OpSearch}, ErrMissingModel},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := rig.gw.Execute(ctx, tc.req); !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestExecuteBatch_StopOnError(t *testing.T) {
	rig := newTestRig(t, map[string]*tenant.Tenant{"t1": activeTenant("t1")})

	reqs := []Request{
		{Tenant: "t1", Op: queryx.OpSearchCount, Model: "res.partner"},
		{Tenant: "t1", Op: "bogus", Model: "res.partner"},
		{Tenant: "t1", Op: queryx.OpSearchCount, Model: "res.partner"},
	}

	items := rig.gw.ExecuteBatch(context.Background(), reqs, true)
	if len(items) != 2 {
		t.Fatalf("expected stop after failure, got %d items", len(items))
	}
	if items[0].Status != "success" || items[1].Status != "failed" {
		t.Errorf("unexpected statuses: %+v", items)
	}

	items = rig.gw.ExecuteBatch(context.Background(), reqs, false)
	if len(items) != 3 {
		t.Fatalf("expected all items without stop_on_error, got %d", len(items))
	}
	if items[2].Status != "success" {
		t.Errorf("third item should succeed: %+v", items[2])
	}
}

func TestExecute_CallKwPassthrough(t *testing.T) {
	rig := newTestRig(t, map[string]*tenant.Tenant{"t1": activeTenant("t1")})
	rig.caller.result = "done"

	resp, err := rig.gw.Execute(context.Background(), Request{
		Tenant: "t1", Op: queryx.OpCallKw, Model: "sale.order",
		Method: "action_confirm",
		Args:   []any{[]any{7}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Result != "done" {
		t.Errorf("result = %v", resp.Result)
	}

	rig.caller.mu.Lock()
	defer rig.caller.mu.Unlock()
	if rig.caller.last.method != "action_confirm" {
		t.Errorf("method = %q, want action_confirm", rig.caller.last.method)
	}
}
