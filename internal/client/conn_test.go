package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/octatecode/collabmesh/internal/protocol"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticTokens struct{}

func (staticTokens) Token(ctx context.Context, userID, roomID string) (string, error) {
	return "tok", nil
}

func testPolicy() BackoffPolicy {
	return BackoffPolicy{Base: 10 * time.Millisecond, Max: 40 * time.Millisecond, MaxAttempts: 10}
}

// newWsServer accepts websocket connections and forwards every received
// message. closeAfterAuth drops that many connections right after their
// first message, to exercise reconnects.
func newWsServer(t *testing.T, closeAfterAuth int) (*httptest.Server, chan *protocol.Message) {
	t.Helper()
	received := make(chan *protocol.Message, 64)
	upgrader := websocket.Upgrader{}

	var mu sync.Mutex
	dropped := 0

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg protocol.Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			received <- &msg

			mu.Lock()
			drop := dropped < closeAfterAuth
			if drop {
				dropped++
			}
			mu.Unlock()
			if drop {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts, received
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func waitMsg(t *testing.T, ch chan *protocol.Message) *protocol.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server to receive a message")
		return nil
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	policy := BackoffPolicy{Base: 100 * time.Millisecond, Max: 400 * time.Millisecond, MaxAttempts: 10}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{10, 400 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := policy.Delay(tc.attempt); got != tc.want {
			t.Errorf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestStatusString(t *testing.T) {
	t.Parallel()

	cases := map[Status]string{
		StatusDisconnected: "disconnected",
		StatusConnecting:   "connecting",
		StatusConnected:    "connected",
		StatusOffline:      "offline",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", status, got, want)
		}
	}
}

func TestHTTPTokenSource(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/auth/token" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"token":"issued-token"}`))
	}))
	t.Cleanup(ts.Close)

	source := &HTTPTokenSource{BaseURL: ts.URL}
	token, err := source.Token(context.Background(), "u1", "r1")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if token != "issued-token" {
		t.Errorf("got %q", token)
	}
}

func TestHTTPTokenSourceRejectsFailure(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	t.Cleanup(ts.Close)

	source := &HTTPTokenSource{BaseURL: ts.URL}
	if _, err := source.Token(context.Background(), "u1", "r1"); err == nil {
		t.Fatal("expected an error")
	}
}

func TestConnectAuthenticatesFirst(t *testing.T) {
	t.Parallel()

	ts, received := newWsServer(t, 0)
	c := NewConn(wsURL(ts), "u1", "r1", "alice", staticTokens{}, testPolicy(), quietLogger())
	t.Cleanup(c.Close)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.Status() != StatusConnected {
		t.Errorf("expected connected, got %s", c.Status())
	}

	first := waitMsg(t, received)
	if first.Type != protocol.TypeAuth {
		t.Fatalf("first message must be auth, got %q", first.Type)
	}
	var payload protocol.AuthPayload
	if err := first.DecodeData(&payload); err != nil || payload.Token != "tok" {
		t.Fatalf("unexpected auth payload: %s", first.Data)
	}
}

func TestOfflineQueueFlushedInOrder(t *testing.T) {
	t.Parallel()

	ts, received := newWsServer(t, 0)
	c := NewConn(wsURL(ts), "u1", "r1", "alice", staticTokens{}, testPolicy(), quietLogger())
	t.Cleanup(c.Close)

	// Queued before any connection exists.
	for _, id := range []string{"first", "second", "third"} {
		c.Send(&protocol.Message{Type: protocol.TypeOperation, UserID: id})
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if msg := waitMsg(t, received); msg.Type != protocol.TypeAuth {
		t.Fatalf("expected auth first, got %q", msg.Type)
	}
	for _, want := range []string{"first", "second", "third"} {
		msg := waitMsg(t, received)
		if msg.UserID != want {
			t.Errorf("queue order broken: got %q, want %q", msg.UserID, want)
		}
	}
}

func TestSaturatedWriterDrainsWithoutReconnect(t *testing.T) {
	t.Parallel()

	c := NewConn("ws://unused", "u1", "r1", "alice", staticTokens{},
		BackoffPolicy{Base: time.Hour, Max: time.Hour, MaxAttempts: 1}, quietLogger())
	t.Cleanup(c.Close)

	// A connected writer with a single-slot buffer.
	c.mu.Lock()
	c.status = StatusConnected
	c.outgoing = make(chan *protocol.Message, 1)
	c.mu.Unlock()

	for _, id := range []string{"first", "second", "third"} {
		c.Send(&protocol.Message{Type: protocol.TypeOperation, UserID: id})
	}

	// Each delivery frees a slot and the writer tops the buffer up; the
	// overflow drains in order on the live connection.
	for _, want := range []string{"first", "second", "third"} {
		msg := <-c.outgoing
		if msg.UserID != want {
			t.Fatalf("got %q, want %q", msg.UserID, want)
		}
		c.flush()
	}

	c.mu.Lock()
	remaining := len(c.queue)
	c.mu.Unlock()
	if remaining != 0 {
		t.Errorf("%d messages stranded in the queue", remaining)
	}
}

func TestConnectionLossRequeuesUndelivered(t *testing.T) {
	t.Parallel()

	c := NewConn("ws://unused", "u1", "r1", "alice", staticTokens{},
		BackoffPolicy{Base: time.Hour, Max: time.Hour, MaxAttempts: 1}, quietLogger())
	t.Cleanup(c.Close)

	c.mu.Lock()
	c.status = StatusConnected
	c.gen = 1
	c.connDone = make(chan struct{})
	c.outgoing = make(chan *protocol.Message, 4)
	c.outgoing <- &protocol.Message{Type: protocol.TypeOperation, UserID: "first"}
	c.outgoing <- &protocol.Message{Type: protocol.TypeOperation, UserID: "second"}
	c.queue = []*protocol.Message{{Type: protocol.TypeOperation, UserID: "third"}}
	c.mu.Unlock()

	c.handleClosed(1)

	c.mu.Lock()
	var order []string
	for _, msg := range c.queue {
		order = append(order, msg.UserID)
	}
	c.mu.Unlock()

	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("queue is %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("queue is %v, want %v", order, want)
		}
	}
	if c.Status() != StatusDisconnected {
		t.Errorf("expected disconnected, got %s", c.Status())
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	t.Parallel()

	// The server drops the first connection right after its auth.
	ts, received := newWsServer(t, 1)
	c := NewConn(wsURL(ts), "u1", "r1", "alice", staticTokens{}, testPolicy(), quietLogger())
	t.Cleanup(c.Close)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// First auth, then the drop, then the re-auth from the reconnect.
	if msg := waitMsg(t, received); msg.Type != protocol.TypeAuth {
		t.Fatalf("expected auth, got %q", msg.Type)
	}
	if msg := waitMsg(t, received); msg.Type != protocol.TypeAuth {
		t.Fatalf("expected auth on reconnect, got %q", msg.Type)
	}

	deadline := time.Now().Add(5 * time.Second)
	for c.Status() != StatusConnected {
		if time.Now().After(deadline) {
			t.Fatalf("never reconnected, status %s", c.Status())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOfflineAfterExhaustedAttempts(t *testing.T) {
	t.Parallel()

	c := NewConn("ws://127.0.0.1:1/ws", "u1", "r1", "alice", staticTokens{},
		BackoffPolicy{Base: time.Millisecond, Max: 2 * time.Millisecond, MaxAttempts: 2}, quietLogger())
	t.Cleanup(c.Close)

	var mu sync.Mutex
	var transitions []Status
	c.OnStatus = func(s Status) {
		mu.Lock()
		transitions = append(transitions, s)
		mu.Unlock()
	}

	// Nothing is listening; the initial attempt fails and the automatic
	// retries exhaust themselves.
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected connect failure")
	}
	c.mu.Lock()
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	deadline := time.Now().Add(5 * time.Second)
	for c.Status() != StatusOffline {
		if time.Now().After(deadline) {
			t.Fatalf("never went offline, status %s", c.Status())
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if transitions[len(transitions)-1] != StatusOffline {
		t.Errorf("last transition should be offline: %v", transitions)
	}
}

func TestCloseIsTerminal(t *testing.T) {
	t.Parallel()

	ts, _ := newWsServer(t, 0)
	c := NewConn(wsURL(ts), "u1", "r1", "alice", staticTokens{}, testPolicy(), quietLogger())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Close()

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("Connect after Close must fail")
	}
	if c.Status() != StatusDisconnected {
		t.Errorf("expected disconnected, got %s", c.Status())
	}
}
