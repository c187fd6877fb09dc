package client

import (
	"fmt"
	"testing"
	"time"

	"github.com/octatecode/collabmesh/internal/config"
	"github.com/octatecode/collabmesh/internal/protocol"
)

func sessionConfig() *config.Config {
	return &config.Config{
		ServerURL:            "ws://localhost:3001/ws",
		HeartbeatInterval:    30 * time.Second,
		PresenceInterval:     5 * time.Second,
		MaxReconnectAttempts: 3,
		BaseBackoff:          10 * time.Millisecond,
		MaxBackoff:           40 * time.Millisecond,
		STUNServer:           config.DefaultSTUN,
	}
}

func TestMarkSeenDeduplicates(t *testing.T) {
	t.Parallel()

	s := &Session{seen: make(map[string]struct{})}
	if !s.markSeen("op-1") {
		t.Fatal("first sighting must be fresh")
	}
	if s.markSeen("op-1") {
		t.Fatal("second sighting must be suppressed")
	}
	if !s.markSeen("op-2") {
		t.Fatal("distinct id must be fresh")
	}
}

func TestMarkSeenWindowIsBounded(t *testing.T) {
	t.Parallel()

	s := &Session{seen: make(map[string]struct{})}
	for i := 0; i <= seenLimit; i++ {
		s.markSeen(fmt.Sprintf("op-%d", i))
	}

	// The oldest entry fell out of the window.
	if !s.markSeen("op-0") {
		t.Error("evicted id should read as fresh again")
	}
	if len(s.seen) > seenLimit+1 {
		t.Errorf("window grew unbounded: %d", len(s.seen))
	}
}

func TestHandleRemoteOperationSuppressesDuplicates(t *testing.T) {
	t.Parallel()

	var delivered []string
	s := &Session{
		seen: make(map[string]struct{}),
		handlers: Handlers{
			OnOperation: func(op protocol.Operation) {
				delivered = append(delivered, op.ID)
			},
		},
	}

	op := protocol.Operation{ID: "op-1", Kind: protocol.OpInsert, Content: "x"}

	// The same operation arriving over a data channel and the relay.
	s.handleRemoteOperation(op)
	s.handleRemoteOperation(op)

	if len(delivered) != 1 || delivered[0] != "op-1" {
		t.Errorf("expected a single delivery, got %v", delivered)
	}
}

func TestSignalAddressesPeer(t *testing.T) {
	t.Parallel()

	s := NewSession(sessionConfig(), "r1", "u1", "alice", Handlers{}, nil, quietLogger())
	t.Cleanup(s.Close)

	s.Signal(protocol.TypeSDPOffer, "u2", map[string]string{"type": "offer", "sdp": "v=0"})

	// Disconnected, so the message sits in the offline queue.
	s.conn.mu.Lock()
	queue := s.conn.queue
	s.conn.mu.Unlock()
	if len(queue) != 1 {
		t.Fatalf("expected 1 queued signal, got %d", len(queue))
	}
	msg := queue[0]
	if msg.Type != protocol.TypeSDPOffer || msg.From != "u1" || msg.To != "u2" || msg.RoomID != "r1" {
		t.Errorf("bad signal envelope: %+v", msg)
	}
}

func TestSendOperationFallsBackToRelay(t *testing.T) {
	t.Parallel()

	s := NewSession(sessionConfig(), "r1", "u1", "alice", Handlers{}, nil, quietLogger())
	t.Cleanup(s.Close)

	op := s.SendOperation(protocol.OpInsert, 0, "hello")
	if op.RoomID != "r1" || op.UserID != "u1" || op.ID == "" {
		t.Errorf("bad local operation: %+v", op)
	}

	// No peers and no connection: the operation must be queued for the
	// server relay, not lost.
	s.conn.mu.Lock()
	queue := s.conn.queue
	s.conn.mu.Unlock()
	if len(queue) != 1 || queue[0].Type != protocol.TypeOperation {
		t.Fatalf("expected queued relay operation, got %+v", queue)
	}

	// Our own operation echoed back must be suppressed.
	delivered := 0
	s.handlers.OnOperation = func(protocol.Operation) { delivered++ }
	s.handleRemoteOperation(op)
	if delivered != 0 {
		t.Error("own operation must not be redelivered")
	}
}
