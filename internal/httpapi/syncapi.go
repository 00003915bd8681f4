package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/erauner12/fieldbridge-api/internal/auth"
	"github.com/erauner12/fieldbridge-api/internal/changefeed"
	"github.com/erauner12/fieldbridge-api/internal/delta"
)

type pullBody struct {
	DeviceID       string   `json:"device_id"`
	AppProfile     string   `json:"app_profile"`
	Limit          int      `json:"limit,omitempty"`
	ModelFilter    []string `json:"model_filter,omitempty"`
	PriorityFilter []string `json:"priority_filter,omitempty"`
}

// SyncPull handles POST /sync/pull
func (s *Server) SyncPull(w http.ResponseWriter, r *http.Request) {
	var body pullBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if body.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "device_id is required")
		return
	}

	userID := auth.UserID(r.Context())
	if userID == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "token carries no user_id claim")
		return
	}

	eng, err := s.engine(r.Context(), auth.TenantID(r.Context()))
	if err != nil {
		respondError(w, err)
		return
	}

	res, err := eng.Pull(r.Context(), delta.PullRequest{
		UserID:         userID,
		DeviceID:       body.DeviceID,
		AppProfile:     body.AppProfile,
		ModelFilter:    body.ModelFilter,
		PriorityFilter: body.PriorityFilter,
		Limit:          body.Limit,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SyncState handles GET /sync/state?device_id=...&app_profile=...
func (s *Server) SyncState(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	appProfile := r.URL.Query().Get("app_profile")
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "device_id is required")
		return
	}

	eng, err := s.engine(r.Context(), auth.TenantID(r.Context()))
	if err != nil {
		respondError(w, err)
		return
	}

	row, found, err := eng.States().Get(r.Context(), auth.UserID(r.Context()), deviceID, appProfile)
	if err != nil {
		respondError(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "no sync state for this device")
		return
	}
	writeJSON(w, http.StatusOK, row)
}

type resetBody struct {
	DeviceID   string `json:"device_id"`
	AppProfile string `json:"app_profile"`
}

// SyncReset handles POST /sync/reset. The next pull after a reset replays
// the change log from the beginning.
func (s *Server) SyncReset(w http.ResponseWriter, r *http.Request) {
	var body resetBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if body.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "device_id is required")
		return
	}

	eng, err := s.engine(r.Context(), auth.TenantID(r.Context()))
	if err != nil {
		respondError(w, err)
		return
	}

	row, err := eng.States().GetOrCreate(r.Context(), auth.UserID(r.Context()), body.DeviceID, body.AppProfile)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := eng.States().Reset(r.Context(), row.ID); err != nil {
		respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "reset",
		"device_id": body.DeviceID,
	})
}

// SyncActivity handles GET /sync/activity?limit=...&status=...
// Returns the most recent change-log entries for operational inspection.
func (s *Server) SyncActivity(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	eng, err := s.engine(r.Context(), auth.TenantID(r.Context()))
	if err != nil {
		respondError(w, err)
		return
	}

	events, err := eng.Reader().Recent(r.Context(), changefeed.Filter{
		Status: r.URL.Query().Get("status"),
		Limit:  limit,
	})
	if err != nil {
		respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}
