package fanout

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// WSChannel adapts a gorilla websocket connection to the Channel interface.
// gorilla connections allow at most one concurrent writer, so sends are
// serialized by a mutex.
type WSChannel struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSChannel wraps an upgraded connection.
func NewWSChannel(conn *websocket.Conn) *WSChannel {
	return &WSChannel{conn: conn}
}

// Send writes one message with a bounded deadline. A slow or dead peer
// surfaces as an error and gets the channel dropped by the hub.
func (c *WSChannel) Send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

// Close closes the underlying connection.
func (c *WSChannel) Close() error {
	return c.conn.Close()
}
