// Package delta implements the pull side of change propagation: given a
// client identity, return events strictly after its watermark and advance
// the watermark.
package delta

import (
	"context"
	"errors"
	"fmt"

	"github.com/erauner12/fieldbridge-api/internal/changefeed"
	"github.com/erauner12/fieldbridge-api/internal/syncstate"
	"github.com/erauner12/fieldbridge-api/internal/upstream"
	"github.com/rs/zerolog/log"
)

// ErrUnknownProfile is returned when the app profile has no model set and
// the caller supplied no explicit model filter.
var ErrUnknownProfile = errors.New("unknown app profile")

// PullRequest identifies the client and scopes the pull.
type PullRequest struct {
	UserID         int64
	DeviceID       string
	AppProfile     string
	ModelFilter    []string
	PriorityFilter []string
	Limit          int
}

// PullResult is what the client receives.
type PullResult struct {
	HasUpdates     bool               `json:"has_updates"`
	NewEventsCount int                `json:"new_events_count"`
	Events         []changefeed.Event `json:"events"`
	LastEventID    int64              `json:"last_event_id"`
}

// Engine combines the change-log reader with the sync-state store for one
// tenant.
type Engine struct {
	reader *changefeed.Reader
	states *syncstate.Store
	caller upstream.Caller
}

// NewEngine builds a pull engine over a tenant's upstream adapter.
func NewEngine(caller upstream.Caller) *Engine {
	return &Engine{
		reader: changefeed.NewReader(caller),
		states: syncstate.NewStore(caller),
		caller: caller,
	}
}

// States exposes the sync-state store for the state/reset endpoints.
func (e *Engine) States() *syncstate.Store {
	return e.states
}

// Reader exposes the change-log reader for the activity endpoint.
func (e *Engine) Reader() *changefeed.Reader {
	return e.reader
}

// Pull returns events strictly newer than the device's watermark and
// advances it. An empty batch leaves the watermark untouched.
func (e *Engine) Pull(ctx context.Context, req PullRequest) (PullResult, error) {
	row, err := e.states.GetOrCreate(ctx, req.UserID, req.DeviceID, req.AppProfile)
	if err != nil {
		return PullResult{}, err
	}

	models := req.ModelFilter
	if len(models) == 0 {
		if !KnownProfile(req.AppProfile) {
			return PullResult{}, fmt.Errorf("%w: %q", ErrUnknownProfile, req.AppProfile)
		}
		models = ModelsForProfile(req.AppProfile)
	}

	events, err := e.reader.After(ctx, row.LastEventID, changefeed.Filter{
		Models:     models,
		Priorities: req.PriorityFilter,
		Limit:      req.Limit,
	})
	if err != nil {
		return PullResult{}, err
	}

	if len(events) == 0 {
		return PullResult{
			HasUpdates:  false,
			Events:      []changefeed.Event{},
			LastEventID: row.LastEventID,
		}, nil
	}

	newLast := row.LastEventID
	for _, ev := range events {
		if ev.EventID > newLast {
			newLast = ev.EventID
		}
	}

	if _, err := e.states.Advance(ctx, row, newLast, len(events)); err != nil {
		return PullResult{}, err
	}

	e.acknowledge(ctx, req.UserID, events)

	return PullResult{
		HasUpdates:     true,
		NewEventsCount: len(events),
		Events:         events,
		LastEventID:    newLast,
	}, nil
}

// acknowledge marks the delivered events upstream. Best-effort: the
// watermark has already advanced, so a failure here only delays status
// bookkeeping and must not fail the pull.
func (e *Engine) acknowledge(ctx context.Context, userID int64, events []changefeed.Event) {
	ids := make([]any, len(events))
	for i, ev := range events {
		ids[i] = ev.EventID
	}

	if _, err := e.caller.Call(ctx, changefeed.EventModel, "acknowledge", []any{ids}, nil); err != nil {
		log.Warn().Err(err).Int("events", len(ids)).Msg("event acknowledge failed")
	}
	if _, err := e.caller.Call(ctx, changefeed.EventModel, "mark_as_synced_by_user",
		[]any{ids, userID}, nil); err != nil {
		log.Warn().Err(err).Int64("userId", userID).Msg("mark_as_synced_by_user failed")
	}
}
