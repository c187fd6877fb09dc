package signaling

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/octatecode/collabmesh/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. SDP bodies fit comfortably.
	maxMessageSize = 64 * 1024

	// Outbound buffer per socket. A client that cannot drain this many
	// messages is treated as slow and misses broadcasts.
	sendBuffer = 256
)

// Client wraps a single server-side websocket connection. The binding
// fields (userID, roomID, userName) are owned by the hub goroutine and
// must not be touched elsewhere.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan *protocol.Message

	remoteAddr string

	userID   string
	roomID   string
	userName string
}

// NewClient creates a client for an upgraded connection. The caller
// registers it with the hub and starts both pumps.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	addr := ""
	if conn != nil {
		addr = conn.RemoteAddr().String()
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan *protocol.Message, sendBuffer),
		remoteAddr: addr,
	}
}

// ReadPump pumps messages from the websocket connection to the hub.
//
// The application runs ReadPump in a per-connection goroutine. All reads
// happen here, so there is at most one reader per connection.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg protocol.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("socket read error", "addr", c.remoteAddr, "err", err)
			}
			break
		}
		select {
		case c.hub.inbound <- envelope{client: c, msg: &msg}:
		case <-c.hub.done:
			return
		}
	}
}

// WritePump pumps messages from the hub to the websocket connection and
// keeps the transport alive with periodic pings. All writes happen here,
// so there is at most one writer per connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				slog.Debug("socket write error", "addr", c.remoteAddr, "err", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
