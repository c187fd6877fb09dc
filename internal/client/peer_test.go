package client

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/octatecode/collabmesh/internal/config"
	"github.com/octatecode/collabmesh/internal/protocol"
)

type capturedSignal struct {
	msgType string
	to      string
	data    json.RawMessage
}

// captureSignaler records outgoing signals instead of sending them.
type captureSignaler struct {
	mu      sync.Mutex
	signals []capturedSignal
}

func (s *captureSignaler) Signal(msgType, to string, payload any) {
	data, _ := json.Marshal(payload)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, capturedSignal{msgType: msgType, to: to, data: data})
}

func (s *captureSignaler) byType(msgType string) []capturedSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []capturedSignal
	for _, sig := range s.signals {
		if sig.msgType == msgType {
			out = append(out, sig)
		}
	}
	return out
}

func (s *captureSignaler) waitFor(t *testing.T, msgType string) capturedSignal {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if sigs := s.byType(msgType); len(sigs) > 0 {
			return sigs[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no %s signal produced", msgType)
	return capturedSignal{}
}

func testConfig() *config.Config {
	return &config.Config{STUNServer: config.DefaultSTUN}
}

func newTestNegotiator(t *testing.T, sink *captureSignaler, onOp func(protocol.Operation)) *Negotiator {
	t.Helper()
	if onOp == nil {
		onOp = func(protocol.Operation) {}
	}
	n := NewNegotiator(testConfig(), sink, onOp, quietLogger())
	t.Cleanup(n.Close)
	return n
}

func TestOfferProducesSignal(t *testing.T) {
	t.Parallel()

	sink := &captureSignaler{}
	n := newTestNegotiator(t, sink, nil)

	if err := n.Offer("peer-b"); err != nil {
		t.Fatalf("Offer: %v", err)
	}

	offer := sink.waitFor(t, protocol.TypeSDPOffer)
	if offer.to != "peer-b" {
		t.Errorf("offer addressed to %q", offer.to)
	}
	var desc struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}
	if err := json.Unmarshal(offer.data, &desc); err != nil || desc.Type != "offer" || desc.SDP == "" {
		t.Errorf("malformed offer payload: %s", offer.data)
	}
}

func TestOfferIdempotentPerPeer(t *testing.T) {
	t.Parallel()

	sink := &captureSignaler{}
	n := newTestNegotiator(t, sink, nil)

	if err := n.Offer("peer-b"); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	sink.waitFor(t, protocol.TypeSDPOffer)

	if err := n.Offer("peer-b"); err != nil {
		t.Fatalf("second Offer: %v", err)
	}
	if offers := sink.byType(protocol.TypeSDPOffer); len(offers) != 1 {
		t.Errorf("expected exactly one offer, got %d", len(offers))
	}
}

func TestOfferAnswerExchange(t *testing.T) {
	t.Parallel()

	sinkA := &captureSignaler{}
	sinkB := &captureSignaler{}
	a := newTestNegotiator(t, sinkA, nil)
	b := newTestNegotiator(t, sinkB, nil)

	if err := a.Offer("b"); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	offer := sinkA.waitFor(t, protocol.TypeSDPOffer)

	if err := b.HandleOffer("a", offer.data); err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	answer := sinkB.waitFor(t, protocol.TypeSDPAnswer)
	if answer.to != "a" {
		t.Errorf("answer addressed to %q", answer.to)
	}

	if err := a.HandleAnswer("b", answer.data); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}

	a.mu.Lock()
	remoteSet := a.peers["b"].remoteSet
	a.mu.Unlock()
	if !remoteSet {
		t.Error("offering side should have the remote description after the answer")
	}
}

func TestCandidateBufferedUntilRemoteDescription(t *testing.T) {
	t.Parallel()

	sink := &captureSignaler{}
	n := newTestNegotiator(t, sink, nil)

	if err := n.Offer("b"); err != nil {
		t.Fatalf("Offer: %v", err)
	}

	// The answer has not arrived yet; candidates must wait for it. A
	// bogus candidate proves nothing was applied.
	candidate, _ := json.Marshal(map[string]any{"candidate": "candidate:bogus"})
	if err := n.HandleCandidate("b", candidate); err != nil {
		t.Fatalf("HandleCandidate should buffer, got %v", err)
	}

	n.mu.Lock()
	pending := len(n.peers["b"].pending)
	n.mu.Unlock()
	if pending != 1 {
		t.Errorf("expected 1 buffered candidate, got %d", pending)
	}
}

func TestCandidateForUnknownPeerIgnored(t *testing.T) {
	t.Parallel()

	sink := &captureSignaler{}
	n := newTestNegotiator(t, sink, nil)

	candidate, _ := json.Marshal(map[string]any{"candidate": "candidate:whatever"})
	if err := n.HandleCandidate("ghost", candidate); err != nil {
		t.Fatalf("unknown peer must be ignored, got %v", err)
	}
}

func TestSendOperationCountsUnreachedPeers(t *testing.T) {
	t.Parallel()

	sink := &captureSignaler{}
	n := newTestNegotiator(t, sink, nil)

	if err := n.Offer("b"); err != nil {
		t.Fatalf("Offer: %v", err)
	}

	// Negotiation never completes, so the channel is not open.
	op := protocol.NewOperation("r1", "u1", protocol.OpInsert, 0, "x")
	sent, unreached := n.SendOperation(op)
	if sent != 0 || unreached != 1 {
		t.Errorf("sent=%d unreached=%d, want 0/1", sent, unreached)
	}
	if len(n.OpenPeers()) != 0 {
		t.Errorf("no peer should be open: %v", n.OpenPeers())
	}
}

func TestDropForgetsPeer(t *testing.T) {
	t.Parallel()

	sink := &captureSignaler{}
	n := newTestNegotiator(t, sink, nil)

	if err := n.Offer("b"); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	n.Drop("b")

	op := protocol.NewOperation("r1", "u1", protocol.OpDelete, 0, "")
	if sent, unreached := n.SendOperation(op); sent != 0 || unreached != 0 {
		t.Errorf("dropped peer still counted: sent=%d unreached=%d", sent, unreached)
	}

	// Dropping twice is harmless.
	n.Drop("b")
}
