// Package fanout broadcasts mutation events to connected subscribers.
// Delivery is best-effort and fire-and-forget: nothing is persisted, and a
// channel that fails delivery is dropped silently.
package fanout

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Message is one server-to-client notification.
type Message struct {
	Type      string `json:"type"` // notification|status|error|pong|model_update|critical_event
	Channel   string `json:"channel,omitempty"`
	Model     string `json:"model,omitempty"`
	RecordID  int64  `json:"record_id,omitempty"`
	Operation string `json:"operation,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Channel is one delivery path to a connected client (usually a WebSocket).
type Channel interface {
	Send(msg Message) error
	Close() error
}

type recordKey struct {
	tenant   string
	model    string
	recordID int64
}

// Hub tracks who is listening to what. Subscribe/unsubscribe take the write
// lock; broadcasts copy the target set under the read lock and deliver
// outside it.
type Hub struct {
	mu sync.RWMutex

	// user id -> open channels
	subscribers map[string]map[Channel]bool
	// named channel -> user ids
	channelSubs map[string]map[string]bool
	// (tenant, model, record) -> user ids
	recordSubs map[recordKey]map[string]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[Channel]bool),
		channelSubs: make(map[string]map[string]bool),
		recordSubs:  make(map[recordKey]map[string]bool),
	}
}

// Attach registers a delivery channel for a user.
func (h *Hub) Attach(userID string, ch Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribers[userID] == nil {
		h.subscribers[userID] = make(map[Channel]bool)
	}
	h.subscribers[userID][ch] = true
}

// Detach removes one channel. When the user's last channel goes away, all of
// their channel and record subscriptions are purged too.
func (h *Hub) Detach(userID string, ch Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(userID, ch)
}

func (h *Hub) detachLocked(userID string, ch Channel) {
	set := h.subscribers[userID]
	if set == nil {
		return
	}
	delete(set, ch)
	if len(set) > 0 {
		return
	}

	delete(h.subscribers, userID)
	for name, users := range h.channelSubs {
		delete(users, userID)
		if len(users) == 0 {
			delete(h.channelSubs, name)
		}
	}
	for key, users := range h.recordSubs {
		delete(users, userID)
		if len(users) == 0 {
			delete(h.recordSubs, key)
		}
	}
}

// SubscribeChannel adds the user to a named channel.
func (h *Hub) SubscribeChannel(userID, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channelSubs[channel] == nil {
		h.channelSubs[channel] = make(map[string]bool)
	}
	h.channelSubs[channel][userID] = true
}

// UnsubscribeChannel removes the user from a named channel.
func (h *Hub) UnsubscribeChannel(userID, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if users := h.channelSubs[channel]; users != nil {
		delete(users, userID)
		if len(users) == 0 {
			delete(h.channelSubs, channel)
		}
	}
}

// SubscribeRecords registers interest in specific records.
func (h *Hub) SubscribeRecords(userID, tenant, model string, recordIDs []int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range recordIDs {
		key := recordKey{tenant: tenant, model: model, recordID: id}
		if h.recordSubs[key] == nil {
			h.recordSubs[key] = make(map[string]bool)
		}
		h.recordSubs[key][userID] = true
	}
}

// UnsubscribeRecords removes record interest.
func (h *Hub) UnsubscribeRecords(userID, tenant, model string, recordIDs []int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range recordIDs {
		key := recordKey{tenant: tenant, model: model, recordID: id}
		if users := h.recordSubs[key]; users != nil {
			delete(users, userID)
			if len(users) == 0 {
				delete(h.recordSubs, key)
			}
		}
	}
}

// BroadcastToUser delivers to every channel the user has open. Channels
// that fail are detached silently.
func (h *Hub) BroadcastToUser(userID string, msg Message) {
	h.mu.RLock()
	channels := make([]Channel, 0, len(h.subscribers[userID]))
	for ch := range h.subscribers[userID] {
		channels = append(channels, ch)
	}
	h.mu.RUnlock()

	for _, ch := range channels {
		if err := ch.Send(msg); err != nil {
			log.Debug().Err(err).Str("userId", userID).Msg("dropping dead fanout channel")
			ch.Close()
			h.Detach(userID, ch)
		}
	}
}

// BroadcastToChannel delivers to every member of a named channel.
func (h *Hub) BroadcastToChannel(channel string, msg Message) {
	h.mu.RLock()
	users := make([]string, 0, len(h.channelSubs[channel]))
	for u := range h.channelSubs[channel] {
		users = append(users, u)
	}
	h.mu.RUnlock()

	msg.Channel = channel
	for _, u := range users {
		h.BroadcastToUser(u, msg)
	}
}

// BroadcastRecordUpdate notifies every user subscribed to
// (tenant, model, recordID).
func (h *Hub) BroadcastRecordUpdate(tenant, model string, recordID int64, operation string, payload any) {
	key := recordKey{tenant: tenant, model: model, recordID: recordID}

	h.mu.RLock()
	users := make([]string, 0, len(h.recordSubs[key]))
	for u := range h.recordSubs[key] {
		users = append(users, u)
	}
	h.mu.RUnlock()

	if len(users) == 0 {
		return
	}

	msg := Message{
		Type:      "model_update",
		Model:     model,
		RecordID:  recordID,
		Operation: operation,
		Data:      payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	for _, u := range users {
		h.BroadcastToUser(u, msg)
	}
}

// ConnectionCount reports how many users currently have open channels.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
