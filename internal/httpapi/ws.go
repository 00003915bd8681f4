package httpapi

import (
	"net/http"
	"strconv"

	"github.com/erauner12/fieldbridge-api/internal/auth"
	"github.com/erauner12/fieldbridge-api/internal/fanout"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients connect cross-origin from app shells; the bearer token
	// is the actual access control.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClientMessage is what connected clients send.
type wsClientMessage struct {
	Type      string  `json:"type"` // subscribe|unsubscribe|subscribe_model|unsubscribe_model|subscribe_critical|unsubscribe_critical|ping
	Model     string  `json:"model,omitempty"`
	RecordIDs []int64 `json:"record_ids,omitempty"`
}

// WebSocket handles GET /ws/{user_id}: upgrades, attaches the connection to
// the hub, then serves subscription commands until the peer goes away.
func (s *Server) WebSocket(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	tenantID := auth.TenantID(r.Context())

	// The path segment must name the caller; otherwise anyone with a valid
	// token could attach to another user's delivery stream.
	if claim := auth.UserID(r.Context()); claim == 0 || userID != strconv.FormatInt(claim, 10) {
		writeError(w, http.StatusForbidden, "permission_denied", "user_id does not match the token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	ch := fanout.NewWSChannel(conn)
	s.Hub.Attach(userID, ch)
	defer func() {
		s.Hub.Detach(userID, ch)
		conn.Close()
	}()

	log.Info().Str("userId", userID).Str("tenant", tenantID).Msg("websocket connected")

	ch.Send(fanout.Message{
		Type: "status",
		Data: map[string]any{"connected": true, "user_id": userID},
	})

	for {
		var msg wsClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("userId", userID).Msg("websocket closed unexpectedly")
			}
			return
		}

		switch msg.Type {
		case "subscribe":
			if msg.Model == "" || len(msg.RecordIDs) == 0 {
				ch.Send(fanout.Message{Type: "error", Data: "subscribe requires model and record_ids"})
				continue
			}
			s.Hub.SubscribeRecords(userID, tenantID, msg.Model, msg.RecordIDs)
			ch.Send(fanout.Message{Type: "status", Model: msg.Model, Data: "subscribed"})

		case "unsubscribe":
			s.Hub.UnsubscribeRecords(userID, tenantID, msg.Model, msg.RecordIDs)
			ch.Send(fanout.Message{Type: "status", Model: msg.Model, Data: "unsubscribed"})

		case "subscribe_model":
			if msg.Model == "" {
				ch.Send(fanout.Message{Type: "error", Data: "subscribe_model requires model"})
				continue
			}
			s.Hub.SubscribeChannel(userID, modelChannel(tenantID, msg.Model))
			ch.Send(fanout.Message{Type: "status", Model: msg.Model, Data: "subscribed"})

		case "unsubscribe_model":
			s.Hub.UnsubscribeChannel(userID, modelChannel(tenantID, msg.Model))
			ch.Send(fanout.Message{Type: "status", Model: msg.Model, Data: "unsubscribed"})

		case "subscribe_critical":
			s.Hub.SubscribeChannel(userID, criticalChannel(tenantID))
			ch.Send(fanout.Message{Type: "status", Data: "subscribed"})

		case "unsubscribe_critical":
			s.Hub.UnsubscribeChannel(userID, criticalChannel(tenantID))
			ch.Send(fanout.Message{Type: "status", Data: "unsubscribed"})

		case "ping":
			ch.Send(fanout.Message{Type: "pong"})

		default:
			ch.Send(fanout.Message{Type: "error", Data: "unknown message type"})
		}
	}
}
