package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/erauner12/fieldbridge-api/internal/fanout"
	"github.com/rs/zerolog/log"
)

// webhookBody is the payload the upstream posts on record mutations.
type webhookBody struct {
	TenantID  string `json:"tenant_id"`
	Model     string `json:"model"`
	RecordID  int64  `json:"record_id"`
	Event     string `json:"event"` // create|update|delete
	Priority  string `json:"priority,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// ReceiveWebhook handles POST /webhooks/receive. The upstream pushes record
// mutations here; they are fanned out to record subscribers and to the
// model's named channel. Nothing is persisted — clients that miss a push
// catch up through the pull plane.
func (s *Server) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	var body webhookBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if body.TenantID == "" || body.Model == "" || body.RecordID == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "tenant_id, model and record_id are required")
		return
	}
	if body.Timestamp == "" {
		body.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	s.Hub.BroadcastRecordUpdate(body.TenantID, body.Model, body.RecordID, body.Event, body.Data)

	s.Hub.BroadcastToChannel(modelChannel(body.TenantID, body.Model), fanout.Message{
		Type:      "notification",
		Model:     body.Model,
		RecordID:  body.RecordID,
		Operation: body.Event,
		Data:      body.Data,
		Timestamp: body.Timestamp,
	})

	if body.Priority == "high" {
		s.Hub.BroadcastToChannel(criticalChannel(body.TenantID), fanout.Message{
			Type:      "critical_event",
			Model:     body.Model,
			RecordID:  body.RecordID,
			Operation: body.Event,
			Data:      body.Data,
			Timestamp: body.Timestamp,
		})
	}

	log.Debug().
		Str("tenant", body.TenantID).
		Str("model", body.Model).
		Int64("recordId", body.RecordID).
		Str("event", body.Event).
		Msg("webhook fanned out")

	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func modelChannel(tenantID, model string) string {
	return "model:" + tenantID + ":" + model
}

func criticalChannel(tenantID string) string {
	return "critical:" + tenantID
}
