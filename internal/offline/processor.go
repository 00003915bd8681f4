// Package offline applies batches of client-buffered mutations: dependency
// ordering, local-id placeholder resolution, conflict detection against the
// server's write timestamps, and per-change results.
package offline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/erauner12/fieldbridge-api/internal/gateway"
	"github.com/erauner12/fieldbridge-api/internal/queryx"
	"github.com/erauner12/fieldbridge-api/internal/upstream"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	defaultBatchSize = 50
	maxBatchSize     = 500

	// placeholderPrefix marks string values that refer to another change's
	// local_id instead of a server record id.
	placeholderPrefix = "local_"
)

// Conflict strategies. Merge is only reachable through the explicit
// resolve endpoint; a push request naming it is rejected.
const (
	StrategyServerWins = "server_wins"
	StrategyClientWins = "client_wins"
	StrategyNewestWins = "newest_wins"
	StrategyManual     = "manual"
	StrategyMerge      = "merge"
)

var (
	ErrDependencyCycle  = errors.New("dependency cycle in change set")
	ErrDuplicateLocalID = errors.New("duplicate local_id in change set")
	ErrInvalidStrategy  = errors.New("invalid conflict strategy")
)

// Change is one client-local mutation awaiting upload.
type Change struct {
	LocalID        string         `json:"local_id"`
	Action         string         `json:"action"` // create|update|delete
	Model          string         `json:"model"`
	RecordID       int64          `json:"record_id,omitempty"`
	Values         map[string]any `json:"data,omitempty"`
	LocalTimestamp time.Time      `json:"local_timestamp"`
	Version        int            `json:"version,omitempty"`
	Dependencies   []string       `json:"dependencies,omitempty"`
	Priority       int            `json:"priority,omitempty"`
}

// Conflict describes a rejected or deferred update.
type Conflict struct {
	LocalID         string         `json:"local_id"`
	Model           string         `json:"model"`
	RecordID        int64          `json:"record_id"`
	LocalValues     map[string]any `json:"local_values"`
	ServerValues    map[string]any `json:"server_values,omitempty"`
	LocalTimestamp  time.Time      `json:"local_timestamp"`
	ServerTimestamp time.Time      `json:"server_timestamp"`
	LocalVersion    int            `json:"local_version,omitempty"`
	Fields          []string       `json:"conflicting_fields,omitempty"`
}

// ItemResult records the outcome of one change.
type ItemResult struct {
	LocalID      string    `json:"local_id"`
	Status       string    `json:"status"` // success|failed|conflict
	ServerID     int64     `json:"server_id,omitempty"`
	Error        string    `json:"error,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
	Resolution   string    `json:"resolution,omitempty"`
	Conflict     *Conflict `json:"conflict,omitempty"`
	ProcessingMS int64     `json:"processing_ms"`
}

// PushRequest is one upload batch from a device.
type PushRequest struct {
	Tenant      string
	DeviceID    string
	Changes     []Change
	Strategy    string
	StopOnError bool
	BatchSize   int
}

// PushResult aggregates the batch outcome.
type PushResult struct {
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Conflicts int              `json:"conflicts"`
	Results   []ItemResult     `json:"results"`
	IDMapping map[string]int64 `json:"id_mapping"`
	SyncToken string           `json:"sync_token"`
}

// Executor is the RPC pipeline the processor pushes through. Writes going
// through it inherit cache invalidation and fan-out.
type Executor interface {
	Execute(ctx context.Context, req gateway.Request) (*gateway.Response, error)
}

// Processor applies offline change sets.
type Processor struct {
	exec Executor
	now  func() time.Time
}

func NewProcessor(exec Executor) *Processor {
	return &Processor{exec: exec, now: time.Now}
}

// Push processes the whole change set and returns per-change results plus
// the local_id mapping produced by creates.
func (p *Processor) Push(ctx context.Context, req PushRequest) (*PushResult, error) {
	strategy := req.Strategy
	if strategy == "" {
		strategy = StrategyServerWins
	}
	switch strategy {
	case StrategyServerWins, StrategyClientWins, StrategyNewestWins, StrategyManual:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy)
	}

	ordered, err := sortChanges(req.Changes)
	if err != nil {
		return nil, err
	}

	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if batchSize > maxBatchSize {
		batchSize = maxBatchSize
	}

	res := &PushResult{
		Results:   make([]ItemResult, 0, len(ordered)),
		IDMapping: make(map[string]int64),
		SyncToken: uuid.New().String(),
	}

loop:
	for start := 0; start < len(ordered); start += batchSize {
		end := start + batchSize
		if end > len(ordered) {
			end = len(ordered)
		}
		for _, ch := range ordered[start:end] {
			item := p.apply(ctx, req.Tenant, ch, strategy, res.IDMapping)
			res.Results = append(res.Results, item)
			switch item.Status {
			case "success":
				res.Succeeded++
			case "conflict":
				res.Conflicts++
			default:
				res.Failed++
				if req.StopOnError {
					break loop
				}
			}
		}
	}

	log.Info().
		Str("tenant", req.Tenant).
		Str("deviceId", req.DeviceID).
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Int("conflicts", res.Conflicts).
		Msg("offline push processed")
	return res, nil
}

// apply runs one change and records its outcome.
func (p *Processor) apply(ctx context.Context, tenantID string, ch Change, strategy string, mapping map[string]int64) ItemResult {
	started := p.now()
	item := ItemResult{LocalID: ch.LocalID}

	values := resolvePlaceholders(ch.Values, mapping)

	switch ch.Action {
	case "create":
		resp, err := p.exec.Execute(ctx, gateway.Request{
			Tenant: tenantID, Op: queryx.OpCreate, Model: ch.Model,
			Values: asValueMap(values),
		})
		if err != nil {
			failItem(&item, err)
			break
		}
		id := asInt64(resp.Result)
		if id <= 0 {
			item.Status = "failed"
			item.Error = "create returned no record id"
			break
		}
		mapping[ch.LocalID] = id
		item.Status = "success"
		item.ServerID = id

	case "update":
		p.applyUpdate(ctx, tenantID, ch, strategy, values, &item)

	case "delete":
		if ch.RecordID == 0 {
			item.Status = "failed"
			item.Error = "record_id is required for delete"
			break
		}
		if _, err := p.exec.Execute(ctx, gateway.Request{
			Tenant: tenantID, Op: queryx.OpUnlink, Model: ch.Model,
			IDs: []int64{ch.RecordID},
		}); err != nil {
			failItem(&item, err)
			break
		}
		item.Status = "success"
		item.ServerID = ch.RecordID

	default:
		item.Status = "failed"
		item.Error = fmt.Sprintf("unknown action %q", ch.Action)
	}

	item.ProcessingMS = p.now().Sub(started).Milliseconds()
	return item
}

func (p *Processor) applyUpdate(ctx context.Context, tenantID string, ch Change, strategy string, values any, item *ItemResult) {
	if ch.RecordID == 0 {
		item.Status = "failed"
		item.Error = "record_id is required for update"
		return
	}
	valueMap := asValueMap(values)

	// A version above 1 means the client edited a record it believes the
	// server already has; check whether the server moved past it.
	if ch.Version > 1 {
		conflict, err := p.detectConflict(ctx, tenantID, ch, valueMap, strategy)
		if err != nil {
			failItem(item, err)
			return
		}
		if conflict != nil {
			item.Status = "conflict"
			item.Conflict = conflict
			switch strategy {
			case StrategyServerWins:
				item.Resolution = "skipped"
			case StrategyNewestWins:
				item.Resolution = "server_newer"
			case StrategyManual:
				item.Resolution = "manual"
			}
			return
		}
	}

	if _, err := p.exec.Execute(ctx, gateway.Request{
		Tenant: tenantID, Op: queryx.OpWrite, Model: ch.Model,
		IDs: []int64{ch.RecordID}, Values: valueMap,
	}); err != nil {
		failItem(item, err)
		return
	}
	item.Status = "success"
	item.ServerID = ch.RecordID
}

// detectConflict reads the server record and compares write timestamps.
// A nil conflict means the write may go ahead, either because the server is
// not newer or because the strategy overrides it.
func (p *Processor) detectConflict(ctx context.Context, tenantID string, ch Change, values map[string]any, strategy string) (*Conflict, error) {
	fields := make([]string, 0, len(values)+1)
	for k := range values {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	fields = append(fields, "write_date")

	resp, err := p.exec.Execute(ctx, gateway.Request{
		Tenant: tenantID, Op: queryx.OpRead, Model: ch.Model,
		IDs: []int64{ch.RecordID}, Fields: fields,
	})
	if err != nil {
		return nil, err
	}

	server := firstRecord(resp.Result)
	if server == nil {
		return nil, fmt.Errorf("record %s/%d not found on server", ch.Model, ch.RecordID)
	}

	serverTime, ok := parseServerTime(server["write_date"])
	if !ok || !serverTime.After(ch.LocalTimestamp) {
		return nil, nil
	}

	// Server is newer. client_wins still writes; newest_wins writes only
	// when the local edit is at least as recent, which it is not here.
	if strategy == StrategyClientWins {
		return nil, nil
	}

	conflict := &Conflict{
		LocalID:         ch.LocalID,
		Model:           ch.Model,
		RecordID:        ch.RecordID,
		LocalValues:     values,
		ServerValues:    map[string]any{},
		LocalTimestamp:  ch.LocalTimestamp,
		ServerTimestamp: serverTime,
		LocalVersion:    ch.Version,
	}
	for k, local := range values {
		remote, present := server[k]
		conflict.ServerValues[k] = remote
		if !present || fmt.Sprintf("%v", remote) != fmt.Sprintf("%v", local) {
			conflict.Fields = append(conflict.Fields, k)
		}
	}
	sort.Strings(conflict.Fields)
	return conflict, nil
}

// Resolution is a client decision for one outstanding conflict.
type Resolution struct {
	Conflict     Conflict       `json:"conflict"`
	Strategy     string         `json:"strategy"`
	MergedValues map[string]any `json:"merged_values,omitempty"`
}

// ResolveConflicts applies explicit per-conflict decisions. Merge is valid
// here and writes the client-supplied merged value set.
func (p *Processor) ResolveConflicts(ctx context.Context, tenantID string, resolutions []Resolution) []ItemResult {
	results := make([]ItemResult, 0, len(resolutions))
	for _, r := range resolutions {
		started := p.now()
		item := ItemResult{LocalID: r.Conflict.LocalID}

		var values map[string]any
		write := true
		switch r.Strategy {
		case StrategyServerWins:
			write = false
			item.Status = "success"
			item.Resolution = "skipped"
		case StrategyClientWins:
			values = r.Conflict.LocalValues
		case StrategyNewestWins:
			if r.Conflict.LocalTimestamp.Before(r.Conflict.ServerTimestamp) {
				write = false
				item.Status = "success"
				item.Resolution = "server_newer"
			} else {
				values = r.Conflict.LocalValues
			}
		case StrategyMerge:
			if len(r.MergedValues) == 0 {
				item.Status = "failed"
				item.Error = "merge resolution requires merged_values"
				write = false
			} else {
				values = r.MergedValues
			}
		default:
			item.Status = "failed"
			item.Error = fmt.Sprintf("invalid strategy %q", r.Strategy)
			write = false
		}

		if write {
			if _, err := p.exec.Execute(ctx, gateway.Request{
				Tenant: tenantID, Op: queryx.OpWrite, Model: r.Conflict.Model,
				IDs: []int64{r.Conflict.RecordID}, Values: values,
			}); err != nil {
				failItem(&item, err)
			} else {
				item.Status = "success"
				item.ServerID = r.Conflict.RecordID
				item.Resolution = r.Strategy
			}
		}

		item.ProcessingMS = p.now().Sub(started).Milliseconds()
		results = append(results, item)
	}
	return results
}

// sortChanges orders the set with Kahn's algorithm over local_ids. Within a
// level: priority descending, then local_timestamp ascending. Dependencies
// naming unknown local_ids are treated as already satisfied.
func sortChanges(changes []Change) ([]Change, error) {
	byID := make(map[string]int, len(changes))
	for i, ch := range changes {
		if _, dup := byID[ch.LocalID]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateLocalID, ch.LocalID)
		}
		byID[ch.LocalID] = i
	}

	indegree := make([]int, len(changes))
	dependents := make([][]int, len(changes))
	for i, ch := range changes {
		for _, dep := range ch.Dependencies {
			j, known := byID[dep]
			if !known {
				continue
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	level := make([]int, 0, len(changes))
	for i := range changes {
		if indegree[i] == 0 {
			level = append(level, i)
		}
	}

	ordered := make([]Change, 0, len(changes))
	for len(level) > 0 {
		sort.Slice(level, func(a, b int) bool {
			ca, cb := changes[level[a]], changes[level[b]]
			if ca.Priority != cb.Priority {
				return ca.Priority > cb.Priority
			}
			if !ca.LocalTimestamp.Equal(cb.LocalTimestamp) {
				return ca.LocalTimestamp.Before(cb.LocalTimestamp)
			}
			return ca.LocalID < cb.LocalID
		})

		var next []int
		for _, i := range level {
			ordered = append(ordered, changes[i])
			for _, dep := range dependents[i] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		level = next
	}

	if len(ordered) != len(changes) {
		return nil, ErrDependencyCycle
	}
	return ordered, nil
}

// resolvePlaceholders replaces "local_<id>" strings with mapped server ids,
// walking nested maps and slices. Unmapped placeholders stay literal.
func resolvePlaceholders(v any, mapping map[string]int64) any {
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, placeholderPrefix) {
			if id, ok := mapping[strings.TrimPrefix(val, placeholderPrefix)]; ok {
				return id
			}
		}
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = resolvePlaceholders(inner, mapping)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = resolvePlaceholders(inner, mapping)
		}
		return out
	default:
		return v
	}
}

func asValueMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func failItem(item *ItemResult, err error) {
	item.Status = "failed"
	item.Error = err.Error()
	var ue *upstream.Error
	if errors.As(err, &ue) {
		item.ErrorCode = string(ue.Kind)
	}
}

func firstRecord(result any) map[string]any {
	list, ok := result.([]any)
	if !ok || len(list) == 0 {
		return nil
	}
	rec, _ := list[0].(map[string]any)
	return rec
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

// parseServerTime accepts both the upstream's "2006-01-02 15:04:05" format
// and RFC 3339.
func parseServerTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}
