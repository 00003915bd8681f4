// Package syncstate keeps per-device sync watermarks. Rows live in the
// upstream (model sync.device.state) and are reached through ordinary RPC,
// so the upstream stays the single source of truth for sync progress.
package syncstate

import (
	"context"
	"fmt"
	"time"

	"github.com/erauner12/fieldbridge-api/internal/upstream"
	"github.com/rs/zerolog/log"
)

// StateModel is the upstream model holding sync-state rows.
const StateModel = "sync.device.state"

// Row is one device's sync state, keyed (user, device, app_profile).
type Row struct {
	ID                int64  `json:"id"`
	UserID            int64  `json:"user_id"`
	DeviceID          string `json:"device_id"`
	AppProfile        string `json:"app_profile"`
	LastEventID       int64  `json:"last_event_id"`
	LastSyncTime      string `json:"last_sync_time,omitempty"`
	SyncCount         int64  `json:"sync_count"`
	TotalEventsSynced int64  `json:"total_events_synced"`
	IsActive          bool   `json:"is_active"`
}

// Store reads and advances sync-state rows for one tenant.
type Store struct {
	caller upstream.Caller

	// now is swappable for tests.
	now func() time.Time
}

// NewStore wraps a tenant's upstream adapter.
func NewStore(caller upstream.Caller) *Store {
	return &Store{caller: caller, now: time.Now}
}

var rowFields = []string{
	"id", "user_id", "device_id", "app_profile",
	"last_event_id", "last_sync_time", "sync_count",
	"total_events_synced", "is_active",
}

// GetOrCreate returns the row for (user, device, profile), creating it with
// a zero watermark on first use. Idempotent.
func (s *Store) GetOrCreate(ctx context.Context, userID int64, deviceID, appProfile string) (Row, error) {
	row, found, err := s.find(ctx, userID, deviceID, appProfile)
	if err != nil {
		return Row{}, err
	}
	if found {
		return row, nil
	}

	created, err := s.caller.Call(ctx, StateModel, "create", []any{map[string]any{
		"user_id":             userID,
		"device_id":           deviceID,
		"app_profile":         appProfile,
		"last_event_id":       0,
		"sync_count":          0,
		"total_events_synced": 0,
		"is_active":           true,
	}}, nil)
	if err != nil {
		return Row{}, fmt.Errorf("sync state create: %w", err)
	}

	log.Info().
		Int64("userId", userID).
		Str("deviceId", deviceID).
		Str("appProfile", appProfile).
		Msg("sync state row created")

	return Row{
		ID:         asInt64(created),
		UserID:     userID,
		DeviceID:   deviceID,
		AppProfile: appProfile,
		IsActive:   true,
	}, nil
}

// Get returns the row without creating it.
func (s *Store) Get(ctx context.Context, userID int64, deviceID, appProfile string) (Row, bool, error) {
	return s.find(ctx, userID, deviceID, appProfile)
}

func (s *Store) find(ctx context.Context, userID int64, deviceID, appProfile string) (Row, bool, error) {
	return s.searchOne(ctx, []any{
		[]any{"user_id", "=", userID},
		[]any{"device_id", "=", deviceID},
		[]any{"app_profile", "=", appProfile},
	})
}

func (s *Store) findByID(ctx context.Context, rowID int64) (Row, bool, error) {
	return s.searchOne(ctx, []any{[]any{"id", "=", rowID}})
}

func (s *Store) searchOne(ctx context.Context, domain []any) (Row, bool, error) {
	result, err := s.caller.Call(ctx, StateModel, "search_read",
		[]any{domain},
		map[string]any{"fields": toAny(rowFields), "limit": 1})
	if err != nil {
		return Row{}, false, fmt.Errorf("sync state lookup: %w", err)
	}

	rows, ok := result.([]any)
	if !ok || len(rows) == 0 {
		return Row{}, false, nil
	}
	m, ok := rows[0].(map[string]any)
	if !ok {
		return Row{}, false, fmt.Errorf("sync state lookup: unexpected row shape")
	}
	return decodeRow(m), true, nil
}

// Advance moves the watermark forward. Monotone: a newLastEventID at or
// below the stored watermark is a no-op, so concurrent pulls that raced on
// the same batch can both call Advance safely.
func (s *Store) Advance(ctx context.Context, row Row, newLastEventID int64, eventsAdded int) (Row, error) {
	if newLastEventID <= row.LastEventID {
		return row, nil
	}

	// The caller's row is a snapshot; a concurrent pull may have moved the
	// stored watermark past it already. Re-read before writing so the stored
	// value only ever goes up.
	current, found, err := s.findByID(ctx, row.ID)
	if err != nil {
		return row, fmt.Errorf("sync state advance: %w", err)
	}
	if found {
		row = current
	}
	if newLastEventID <= row.LastEventID {
		return row, nil
	}

	now := s.now().UTC().Format("2006-01-02 15:04:05")
	values := map[string]any{
		"last_event_id":       newLastEventID,
		"last_sync_time":      now,
		"sync_count":          row.SyncCount + 1,
		"total_events_synced": row.TotalEventsSynced + int64(eventsAdded),
	}

	_, err = s.caller.Call(ctx, StateModel, "write",
		[]any{[]any{row.ID}, values}, nil)
	if err != nil {
		return row, fmt.Errorf("sync state advance: %w", err)
	}

	row.LastEventID = newLastEventID
	row.LastSyncTime = now
	row.SyncCount++
	row.TotalEventsSynced += int64(eventsAdded)
	return row, nil
}

// Reset zeroes the watermark to force a full resync on the next pull.
func (s *Store) Reset(ctx context.Context, rowID int64) error {
	_, err := s.caller.Call(ctx, StateModel, "write",
		[]any{[]any{rowID}, map[string]any{
			"last_event_id": 0,
			"sync_count":    0,
		}}, nil)
	if err != nil {
		return fmt.Errorf("sync state reset: %w", err)
	}
	return nil
}

func decodeRow(m map[string]any) Row {
	r := Row{
		ID:                asInt64(m["id"]),
		UserID:            asInt64(m["user_id"]),
		LastEventID:       asInt64(m["last_event_id"]),
		SyncCount:         asInt64(m["sync_count"]),
		TotalEventsSynced: asInt64(m["total_events_synced"]),
	}
	r.DeviceID, _ = m["device_id"].(string)
	r.AppProfile, _ = m["app_profile"].(string)
	r.LastSyncTime, _ = m["last_sync_time"].(string)
	r.IsActive, _ = m["is_active"].(bool)
	return r
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

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
