package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/erauner12/fieldbridge-api/internal/auth"
	"github.com/erauner12/fieldbridge-api/internal/offline"
)

type offlinePushBody struct {
	DeviceID         string           `json:"device_id"`
	Changes          []offline.Change `json:"changes"`
	ConflictStrategy string           `json:"conflict_strategy,omitempty"`
	StopOnError      bool             `json:"stop_on_error,omitempty"`
	BatchSize        int              `json:"batch_size,omitempty"`
}

// OfflinePush handles POST /offline-sync/push
func (s *Server) OfflinePush(w http.ResponseWriter, r *http.Request) {
	var body offlinePushBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if body.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "device_id is required")
		return
	}
	if len(body.Changes) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "changes must not be empty")
		return
	}

	// Lifecycle check up front so a suspended tenant is rejected before any
	// write is attempted.
	tenantID := auth.TenantID(r.Context())
	if _, err := s.GW.Tenant(r.Context(), tenantID); err != nil {
		respondError(w, err)
		return
	}

	res, err := s.Push.Push(r.Context(), offline.PushRequest{
		Tenant:      tenantID,
		DeviceID:    body.DeviceID,
		Changes:     body.Changes,
		Strategy:    body.ConflictStrategy,
		StopOnError: body.StopOnError,
		BatchSize:   body.BatchSize,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type resolveBody struct {
	DeviceID    string               `json:"device_id"`
	Resolutions []offline.Resolution `json:"resolutions"`
}

// ResolveConflicts handles POST /offline-sync/resolve-conflicts
func (s *Server) ResolveConflicts(w http.ResponseWriter, r *http.Request) {
	var body resolveBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if len(body.Resolutions) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "resolutions must not be empty")
		return
	}

	tenantID := auth.TenantID(r.Context())
	if _, err := s.GW.Tenant(r.Context(), tenantID); err != nil {
		respondError(w, err)
		return
	}

	results := s.Push.ResolveConflicts(r.Context(), tenantID, body.Resolutions)

	resolved := 0
	for _, item := range results {
		if item.Status == "success" {
			resolved++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results":  results,
		"resolved": resolved,
		"total":    len(results),
	})
}
