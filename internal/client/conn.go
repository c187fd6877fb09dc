package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/octatecode/collabmesh/internal/protocol"
)

// Status is the client's connection state. It changes only through the
// Conn and is observed via the OnStatus callback, never polled mid
// transition.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusOffline
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusOffline:
		return "offline"
	}
	return "unknown"
}

// TokenSource obtains the short-lived token required before every auth.
type TokenSource interface {
	Token(ctx context.Context, userID, roomID string) (string, error)
}

// HTTPTokenSource fetches tokens from POST {base}/api/auth/token.
type HTTPTokenSource struct {
	BaseURL string
	Client  *http.Client
}

func (t *HTTPTokenSource) Token(ctx context.Context, userID, roomID string) (string, error) {
	body, _ := json.Marshal(map[string]string{"userId": userID, "roomId": roomID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/api/auth/token", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := t.Client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %s", resp.Status)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.Token == "" {
		return "", fmt.Errorf("malformed token response")
	}
	return out.Token, nil
}

// BackoffPolicy is the reconnect schedule: delay doubles per failed
// attempt up to Max, and the controller gives up for good after
// MaxAttempts consecutive failures.
type BackoffPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Delay returns the wait before the given attempt (0-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// Conn owns the client's socket lifecycle: connect, authenticate,
// reconnect with backoff, and queue outbound messages while offline.
type Conn struct {
	serverURL string
	userID    string
	roomID    string
	userName  string
	tokens    TokenSource
	policy    BackoffPolicy
	logger    *slog.Logger

	// OnStatus, when set, is invoked on every status change, from the
	// goroutine performing the transition. Set before Connect. It must
	// not call back into the Conn.
	OnStatus func(Status)

	incoming chan *protocol.Message

	mu       sync.Mutex
	ws       *websocket.Conn
	outgoing chan *protocol.Message
	connDone chan struct{}
	status   Status
	attempts int
	queue    []*protocol.Message
	retry    *time.Timer
	closed   bool
	gen      int
}

// NewConn creates a controller for one (userID, roomID) identity. Nothing
// happens until Connect.
func NewConn(serverURL, userID, roomID, userName string, tokens TokenSource, policy BackoffPolicy, logger *slog.Logger) *Conn {
	return &Conn{
		serverURL: serverURL,
		userID:    userID,
		roomID:    roomID,
		userName:  userName,
		tokens:    tokens,
		policy:    policy,
		logger:    logger,
		incoming:  make(chan *protocol.Message, 64),
		status:    StatusDisconnected,
	}
}

// Incoming returns the channel of messages received from the server. It
// stays open across reconnects.
func (c *Conn) Incoming() <-chan *protocol.Message {
	return c.incoming
}

// Status returns the current connection status.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect fetches a fresh token, dials the server, authenticates, and
// flushes any queued messages in FIFO order. A token fetch failure aborts
// the attempt before any dial.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("connection closed")
	}
	c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()

	token, err := c.tokens.Token(ctx, c.userID, c.roomID)
	if err != nil {
		c.mu.Lock()
		c.setStatusLocked(StatusDisconnected)
		c.mu.Unlock()
		return fmt.Errorf("obtain auth token: %w", err)
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.serverURL, nil)
	if err != nil {
		c.mu.Lock()
		c.setStatusLocked(StatusDisconnected)
		c.mu.Unlock()
		return fmt.Errorf("dial %s: %w", c.serverURL, err)
	}

	authMsg := protocol.MustMessage(protocol.TypeAuth, c.roomID, c.userID,
		protocol.AuthPayload{Token: token, UserName: c.userName})
	if err := ws.WriteJSON(authMsg); err != nil {
		ws.Close()
		c.mu.Lock()
		c.setStatusLocked(StatusDisconnected)
		c.mu.Unlock()
		return fmt.Errorf("send auth: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return fmt.Errorf("connection closed")
	}
	c.gen++
	gen := c.gen
	c.ws = ws
	c.outgoing = make(chan *protocol.Message, 64)
	c.connDone = make(chan struct{})
	c.attempts = 0
	c.setStatusLocked(StatusConnected)

	outgoing, connDone := c.outgoing, c.connDone

	// Queued messages go out ahead of anything new.
	c.flushLocked()
	c.mu.Unlock()

	go c.readPump(ws, gen)
	go c.writePump(ws, outgoing, connDone)
	return nil
}

// Send delivers a message to the server, queueing it while offline or
// while the writer is saturated. Messages are never dropped here, and
// queued messages always go out before newer ones.
func (c *Conn) Send(msg *protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.queue = append(c.queue, msg)
	c.flushLocked()
}

// flushLocked moves queued messages into the writer in FIFO order until
// the buffer fills. The writer tops the buffer up again after every
// delivery, so a saturated buffer delays the queue without stranding it.
// Caller holds c.mu.
func (c *Conn) flushLocked() {
	if c.status != StatusConnected || c.outgoing == nil {
		return
	}
	for len(c.queue) > 0 {
		select {
		case c.outgoing <- c.queue[0]:
			c.queue = c.queue[1:]
		default:
			return
		}
	}
}

func (c *Conn) flush() {
	c.mu.Lock()
	c.flushLocked()
	c.mu.Unlock()
}

// Close ends the connection for good: the retry timer is stopped, the
// socket closed, and no further reconnects or callbacks fire.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	ws := c.ws
	c.ws = nil
	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}
	c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
}

func (c *Conn) readPump(ws *websocket.Conn, gen int) {
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg protocol.Message
		if err := ws.ReadJSON(&msg); err != nil {
			c.handleClosed(gen)
			return
		}
		select {
		case c.incoming <- &msg:
		default:
			c.logger.Warn("incoming buffer full, dropping message", "type", msg.Type)
		}
	}
}

func (c *Conn) writePump(ws *websocket.Conn, outgoing chan *protocol.Message, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-outgoing:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(msg); err != nil {
				// Whatever is left in outgoing is re-queued by
				// readPump's close detection; just stop writing.
				return
			}
			c.flush()
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// handleClosed reacts to an unexpected connection loss. Explicit Close
// and stale generations are ignored.
func (c *Conn) handleClosed(gen int) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}
	// Messages the writer never delivered go back to the front of the
	// queue for the next connect.
	if c.outgoing != nil {
		var undelivered []*protocol.Message
	drain:
		for {
			select {
			case msg := <-c.outgoing:
				undelivered = append(undelivered, msg)
			default:
				break drain
			}
		}
		if len(undelivered) > 0 {
			c.queue = append(undelivered, c.queue...)
		}
		c.outgoing = nil
	}
	c.setStatusLocked(StatusDisconnected)
	c.scheduleReconnectLocked()
	c.mu.Unlock()
}

// scheduleReconnectLocked arms the retry timer with the current backoff
// delay, or surfaces a terminal offline status when attempts are
// exhausted. Caller holds c.mu.
func (c *Conn) scheduleReconnectLocked() {
	if c.attempts >= c.policy.MaxAttempts {
		c.logger.Warn("reconnect attempts exhausted", "attempts", c.attempts)
		c.setStatusLocked(StatusOffline)
		return
	}

	delay := c.policy.Delay(c.attempts)
	c.logger.Info("reconnecting", "delay", delay, "attempt", c.attempts+1)
	c.retry = time.AfterFunc(delay, c.tryReconnect)
}

func (c *Conn) tryReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		c.logger.Warn("reconnect failed", "err", err)
		c.mu.Lock()
		if !c.closed {
			c.attempts++
			c.scheduleReconnectLocked()
		}
		c.mu.Unlock()
	}
}

func (c *Conn) setStatusLocked(status Status) {
	if c.status == status {
		return
	}
	c.status = status
	if c.OnStatus != nil {
		c.OnStatus(status)
	}
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)
