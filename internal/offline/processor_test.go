package offline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/erauner12/fieldbridge-api/internal/gateway"
	"github.com/erauner12/fieldbridge-api/internal/queryx"
)

// fakeExec records pipeline requests and plays back configured results.
type fakeExec struct {
	mu      sync.Mutex
	calls   []gateway.Request
	nextIDs []int64        // ids handed out to creates, in order
	readRec map[string]any // merged into every read result
	failOps map[string]error
}

func (f *fakeExec) Execute(_ context.Context, req gateway.Request) (*gateway.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)

	if err := f.failOps[req.Op]; err != nil {
		return nil, err
	}

	switch req.Op {
	case queryx.OpCreate:
		var id int64 = 1
		if len(f.nextIDs) > 0 {
			id = f.nextIDs[0]
			f.nextIDs = f.nextIDs[1:]
		}
		return &gateway.Response{Result: float64(id)}, nil
	case queryx.OpRead:
		rec := map[string]any{"id": float64(req.IDs[0])}
		for k, v := range f.readRec {
			rec[k] = v
		}
		return &gateway.Response{Result: []any{rec}}, nil
	default:
		return &gateway.Response{Result: true}, nil
	}
}

func (f *fakeExec) callsFor(op string) []gateway.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []gateway.Request
	for _, c := range f.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestPush_DependencyOrderAndPlaceholderResolution(t *testing.T) {
	exec := &fakeExec{nextIDs: []int64{42, 99}}
	p := NewProcessor(exec)

	res, err := p.Push(context.Background(), PushRequest{
		Tenant: "t1", DeviceID: "d-1", Strategy: StrategyServerWins,
		Changes: []Change{
			{
				LocalID: "L2", Action: "create", Model: "sale.order",
				Values:         map[string]any{"partner_id": "local_L1"},
				LocalTimestamp: ts("2024-01-01T00:00:01Z"),
				Dependencies:   []string{"L1"},
			},
			{
				LocalID: "L1", Action: "create", Model: "res.partner",
				Values:         map[string]any{"name": "New Co"},
				LocalTimestamp: ts("2024-01-01T00:00:00Z"),
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if res.Succeeded != 2 || res.Failed != 0 || res.Conflicts != 0 {
		t.Fatalf("counts wrong: %+v", res)
	}
	if res.IDMapping["L1"] != 42 || res.IDMapping["L2"] != 99 {
		t.Errorf("id mapping wrong: %v", res.IDMapping)
	}
	if res.SyncToken == "" {
		t.Error("missing sync token")
	}

	creates := exec.callsFor(queryx.OpCreate)
	if len(creates) != 2 {
		t.Fatalf("got %d creates", len(creates))
	}
	// L1 must run first despite arriving second, and L2's placeholder must
	// resolve to L1's server id.
	if creates[0].Model != "res.partner" {
		t.Errorf("dependency order violated: first create was %s", creates[0].Model)
	}
	if got := creates[1].Values["partner_id"]; got != int64(42) {
		t.Errorf("placeholder not resolved: partner_id = %v", got)
	}
}

func TestPush_UnmappedPlaceholderStaysLiteral(t *testing.T) {
	exec := &fakeExec{}
	p := NewProcessor(exec)

	_, err := p.Push(context.Background(), PushRequest{
		Tenant: "t1",
		Changes: []Change{{
			LocalID: "L1", Action: "create", Model: "sale.order",
			Values: map[string]any{"partner_id": "local_UNKNOWN"},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := exec.callsFor(queryx.OpCreate)[0].Values["partner_id"]; got != "local_UNKNOWN" {
		t.Errorf("unmapped placeholder rewritten: %v", got)
	}
}

func TestPush_ConflictServerWinsSkips(t *testing.T) {
	exec := &fakeExec{readRec: map[string]any{
		"write_date": "2024-02-15 12:00:00", // newer than local edit
		"phone":      "+999",
	}}
	p := NewProcessor(exec)

	res, err := p.Push(context.Background(), PushRequest{
		Tenant: "t1", Strategy: StrategyServerWins,
		Changes: []Change{{
			LocalID: "L9", Action: "update", Model: "res.partner",
			RecordID: 7, Version: 2,
			Values:         map[string]any{"phone": "+1"},
			LocalTimestamp: ts("2024-02-10T11:00:00Z"),
		}},
	})
	if err != nil {
		t.Fatal(err)
	}

	if res.Conflicts != 1 || res.Succeeded != 0 {
		t.Fatalf("counts wrong: %+v", res)
	}
	item := res.Results[0]
	if item.Status != "conflict" || item.Resolution != "skipped" {
		t.Errorf("item = %+v", item)
	}
	if len(exec.callsFor(queryx.OpWrite)) != 0 {
		t.Error("server_wins must not write")
	}
}

func TestPush_ConflictClientWinsWrites(t *testing.T) {
	exec := &fakeExec{readRec: map[string]any{"write_date": "2024-02-15 12:00:00"}}
	p := NewProcessor(exec)

	res, err := p.Push(context.Background(), PushRequest{
		Tenant: "t1", Strategy: StrategyClientWins,
		Changes: []Change{{
			LocalID: "L1", Action: "update", Model: "res.partner",
			RecordID: 7, Version: 2,
			Values:         map[string]any{"phone": "+1"},
			LocalTimestamp: ts("2024-02-10T11:00:00Z"),
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Succeeded != 1 || res.Conflicts != 0 {
		t.Fatalf("counts wrong: %+v", res)
	}
	if len(exec.callsFor(queryx.OpWrite)) != 1 {
		t.Error("client_wins should write despite newer server record")
	}
}

func TestPush_ConflictManualCarriesDescriptor(t *testing.T) {
	exec := &fakeExec{readRec: map[string]any{
		"write_date": "2024-02-15 12:00:00",
		"phone":      "+999",
	}}
	p := NewProcessor(exec)

	res, err := p.Push(context.Background(), PushRequest{
		Tenant: "t1", Strategy: StrategyManual,
		Changes: []Change{{
			LocalID: "L1", Action: "update", Model: "res.partner",
			RecordID: 7, Version: 3,
			Values:         map[string]any{"phone": "+1"},
			LocalTimestamp: ts("2024-02-10T11:00:00Z"),
		}},
	})
	if err != nil {
		t.Fatal(err)
	}

	c := res.Results[0].Conflict
	if c == nil {
		t.Fatal("manual strategy must attach the conflict descriptor")
	}
	if c.RecordID != 7 || c.LocalVersion != 3 {
		t.Errorf("descriptor wrong: %+v", c)
	}
	if c.ServerValues["phone"] != "+999" || c.LocalValues["phone"] != "+1" {
		t.Errorf("value sets wrong: %+v", c)
	}
	if len(c.Fields) != 1 || c.Fields[0] != "phone" {
		t.Errorf("conflicting fields wrong: %v", c.Fields)
	}
	if len(exec.callsFor(queryx.OpWrite)) != 0 {
		t.Error("manual must not write")
	}
}

func TestPush_NewestWinsLocalNewerProceeds(t *testing.T) {
	exec := &fakeExec{readRec: map[string]any{"write_date": "2024-02-01 00:00:00"}}
	p := NewProcessor(exec)

	res, err := p.Push(context.Background(), PushRequest{
		Tenant: "t1", Strategy: StrategyNewestWins,
		Changes: []Change{{
			LocalID: "L1", Action: "update", Model: "res.partner",
			RecordID: 7, Version: 2,
			Values:         map[string]any{"phone": "+1"},
			LocalTimestamp: ts("2024-02-10T11:00:00Z"),
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Succeeded != 1 || len(exec.callsFor(queryx.OpWrite)) != 1 {
		t.Fatalf("local-newer update should write: %+v", res)
	}
}

func TestPush_FirstVersionUpdateSkipsConflictCheck(t *testing.T) {
	exec := &fakeExec{}
	p := NewProcessor(exec)

	_, err := p.Push(context.Background(), PushRequest{
		Tenant: "t1", Strategy: StrategyServerWins,
		Changes: []Change{{
			LocalID: "L1", Action: "update", Model: "res.partner",
			RecordID: 7, Version: 1,
			Values: map[string]any{"phone": "+1"},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(exec.callsFor(queryx.OpRead)) != 0 {
		t.Error("version 1 update should not read the server record")
	}
	if len(exec.callsFor(queryx.OpWrite)) != 1 {
		t.Error("version 1 update should write directly")
	}
}

func TestPush_DeleteAndMissingRecordID(t *testing.T) {
	exec := &fakeExec{}
	p := NewProcessor(exec)

	res, err := p.Push(context.Background(), PushRequest{
		Tenant: "t1",
		Changes: []Change{
			{LocalID: "L1", Action: "delete", Model: "res.partner", RecordID: 7},
			{LocalID: "L2", Action: "delete", Model: "res.partner"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Succeeded != 1 || res.Failed != 1 {
		t.Fatalf("counts wrong: %+v", res)
	}
	if len(exec.callsFor(queryx.OpUnlink)) != 1 {
		t.Error("exactly one unlink expected")
	}
}

func TestPush_CycleFailsWholePush(t *testing.T) {
	p := NewProcessor(&fakeExec{})

	_, err := p.Push(context.Background(), PushRequest{
		Tenant: "t1",
		Changes: []Change{
			{LocalID: "A", Action: "create", Model: "x", Dependencies: []string{"B"}},
			{LocalID: "B", Action: "create", Model: "x", Dependencies: []string{"A"}},
		},
	})
	if !errors.Is(err, ErrDependencyCycle) {
		t.Fatalf("expected ErrDependencyCycle, got %v", err)
	}
}

func TestPush_DuplicateLocalID(t *testing.T) {
	p := NewProcessor(&fakeExec{})

	_, err := p.Push(context.Background(), PushRequest{
		Tenant: "t1",
		Changes: []Change{
			{LocalID: "A", Action: "create", Model: "x"},
			{LocalID: "A", Action: "create", Model: "y"},
		},
	})
	if !errors.Is(err, ErrDuplicateLocalID) {
		t.Fatalf("expected ErrDuplicateLocalID, got %v", err)
	}
}

func TestPush_MergeStrategyRejected(t *testing.T) {
	p := NewProcessor(&fakeExec{})

	_, err := p.Push(context.Background(), PushRequest{
		Tenant:   "t1",
		Strategy: StrategyMerge,
		Changes:  []Change{{LocalID: "A", Action: "create", Model: "x"}},
	})
	if !errors.Is(err, ErrInvalidStrategy) {
		t.Fatalf("expected ErrInvalidStrategy, got %v", err)
	}
}

func TestPush_PriorityOrderWithinLevel(t *testing.T) {
	exec := &fakeExec{}
	p := NewProcessor(exec)

	base := ts("2024-01-01T00:00:00Z")
	_, err := p.Push(context.Background(), PushRequest{
		Tenant: "t1",
		Changes: []Change{
			{LocalID: "low", Action: "create", Model: "m.low", Priority: 1, LocalTimestamp: base},
			{LocalID: "high", Action: "create", Model: "m.high", Priority: 9, LocalTimestamp: base},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	creates := exec.callsFor(queryx.OpCreate)
	if creates[0].Model != "m.high" {
		t.Errorf("priority order violated: first was %s", creates[0].Model)
	}
}

func TestPush_StopOnError(t *testing.T) {
	exec := &fakeExec{failOps: map[string]error{queryx.OpCreate: errors.New("boom")}}
	p := NewProcessor(exec)

	base := ts("2024-01-01T00:00:00Z")
	res, err := p.Push(context.Background(), PushRequest{
		Tenant: "t1", StopOnError: true,
		Changes: []Change{
			{LocalID: "A", Action: "create", Model: "x", LocalTimestamp: base},
			{LocalID: "B", Action: "delete", Model: "x", RecordID: 1, LocalTimestamp: base.Add(time.Second)},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Results) != 1 || res.Failed != 1 {
		t.Fatalf("push should stop after the failure: %+v", res)
	}
}

func TestResolveConflicts(t *testing.T) {
	exec := &fakeExec{}
	p := NewProcessor(exec)

	conflict := Conflict{
		LocalID: "L1", Model: "res.partner", RecordID: 7,
		LocalValues:     map[string]any{"phone": "+1"},
		ServerValues:    map[string]any{"phone": "+999"},
		LocalTimestamp:  ts("2024-02-10T11:00:00Z"),
		ServerTimestamp: ts("2024-02-15T12:00:00Z"),
	}

	results := p.ResolveConflicts(context.Background(), "t1", []Resolution{
		{Conflict: conflict, Strategy: StrategyServerWins},
		{Conflict: conflict, Strategy: StrategyMerge, MergedValues: map[string]any{"phone": "+1 ext 2"}},
		{Conflict: conflict, Strategy: StrategyMerge}, // missing merged values
		{Conflict: conflict, Strategy: StrategyClientWins},
	})

	if results[0].Status != "success" || results[0].Resolution != "skipped" {
		t.Errorf("server_wins: %+v", results[0])
	}
	if results[1].Status != "success" {
		t.Errorf("merge: %+v", results[1])
	}
	if results[2].Status != "failed" {
		t.Errorf("merge without values should fail: %+v", results[2])
	}
	if results[3].Status != "success" {
		t.Errorf("client_wins: %+v", results[3])
	}

	writes := exec.callsFor(queryx.OpWrite)
	if len(writes) != 2 {
		t.Fatalf("expected 2 writes, got %d", len(writes))
	}
	if writes[0].Values["phone"] != "+1 ext 2" {
		t.Errorf("merge wrote %v", writes[0].Values)
	}
	if writes[1].Values["phone"] != "+1" {
		t.Errorf("client_wins wrote %v", writes[1].Values)
	}
}
