// Package changefeed reads the upstream's append-only change log. The
// reader never mutates events; acknowledge-style status changes are driven
// by the delta engine through upstream methods.
package changefeed

import (
	"context"
	"fmt"

	"github.com/erauner12/fieldbridge-api/internal/upstream"
)

// EventModel is the upstream model backing the change log.
const EventModel = "sync.event.log"

// MaxBatch bounds a single read from the change log.
const MaxBatch = 1000

// Event is one row of the change log. event_id is the sole ordering key.
type Event struct {
	EventID       int64    `json:"event_id"`
	Model         string   `json:"model"`
	RecordID      int64    `json:"record_id"`
	Kind          string   `json:"kind"` // create|update|delete|manual
	Timestamp     string   `json:"timestamp"`
	Priority      string   `json:"priority,omitempty"`
	Category      string   `json:"category,omitempty"`
	Payload       any      `json:"payload,omitempty"`
	ChangedFields []string `json:"changed_fields,omitempty"`
	Status        string   `json:"status,omitempty"`
	RetryCount    int      `json:"retry_count,omitempty"`
}

// Filter narrows a change-log read.
type Filter struct {
	Models     []string
	Priorities []string
	Status     string
	Limit      int
}

// Reader reads change events for one tenant through its upstream adapter.
type Reader struct {
	caller upstream.Caller
}

// NewReader wraps a tenant's upstream adapter.
func NewReader(caller upstream.Caller) *Reader {
	return &Reader{caller: caller}
}

var eventFields = []string{
	"id", "model", "record_id", "event", "timestamp",
	"priority", "category", "payload", "changed_fields",
	"status", "retry_count",
}

// After returns events with id strictly greater than cursor, ordered id
// ascending. This is the watermark-advance read path.
func (r *Reader) After(ctx context.Context, cursor int64, f Filter) ([]Event, error) {
	domain := []any{[]any{"id", ">", cursor}}
	domain = appendFilters(domain, f)
	return r.search(ctx, domain, "id asc", f.Limit)
}

// Recent returns the latest events ordered timestamp descending. Display
// only; never used to advance a watermark.
func (r *Reader) Recent(ctx context.Context, f Filter) ([]Event, error) {
	domain := appendFilters([]any{}, f)
	return r.search(ctx, domain, "timestamp desc", f.Limit)
}

func appendFilters(domain []any, f Filter) []any {
	if len(f.Models) > 0 {
		domain = append(domain, []any{"model", "in", toAny(f.Models)})
	}
	if len(f.Priorities) > 0 {
		domain = append(domain, []any{"priority", "in", toAny(f.Priorities)})
	}
	if f.Status != "" {
		domain = append(domain, []any{"status", "=", f.Status})
	}
	return domain
}

func (r *Reader) search(ctx context.Context, domain []any, order string, limit int) ([]Event, error) {
	if limit <= 0 || limit > MaxBatch {
		limit = MaxBatch
	}

	result, err := r.caller.Call(ctx, EventModel, "search_read",
		[]any{domain},
		map[string]any{
			"fields": toAny(eventFields),
			"order":  order,
			"limit":  limit,
		})
	if err != nil {
		return nil, fmt.Errorf("change log read: %w", err)
	}

	rows, ok := result.([]any)
	if !ok {
		return nil, fmt.Errorf("change log read: unexpected result shape %T", result)
	}

	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		m, ok := row.(map[string]any)
		if !ok {
			continue
		}
		events = append(events, decodeEvent(m))
	}
	return events, nil
}

func decodeEvent(m map[string]any) Event {
	e := Event{
		EventID:    asInt64(m["id"]),
		Model:      asString(m["model"]),
		RecordID:   asInt64(m["record_id"]),
		Kind:       asString(m["event"]),
		Timestamp:  asString(m["timestamp"]),
		Priority:   asString(m["priority"]),
		Category:   asString(m["category"]),
		Payload:    m["payload"],
		Status:     asString(m["status"]),
		RetryCount: int(asInt64(m["retry_count"])),
	}
	if raw, ok := m["changed_fields"].([]any); ok {
		for _, f := range raw {
			if s, ok := f.(string); ok {
				e.ChangedFields = append(e.ChangedFields, s)
			}
		}
	}
	return e
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

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func toAny[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
