package client

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	pion "github.com/pion/webrtc/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/octatecode/collabmesh/internal/config"
	"github.com/octatecode/collabmesh/internal/protocol"
)

// Signaler sends a signaling message addressed to one peer through the
// server. Implemented by the Session over its Conn.
type Signaler interface {
	Signal(msgType, to string, payload any)
}

// frame is the msgpack envelope carried on data channels.
type frame struct {
	Type      string              `msgpack:"type"`
	Operation *protocol.Operation `msgpack:"operation,omitempty"`
}

const frameOperation = "operation"

// peerLink tracks one remote peer: its connection, its operations
// channel, and ICE candidates that arrived before the remote description.
type peerLink struct {
	pc        *pion.PeerConnection
	channel   *pion.DataChannel
	open      bool
	remoteSet bool
	pending   []pion.ICECandidateInit
}

// Negotiator establishes direct data channels with room peers. On
// peer-joined the existing member offers; the newcomer answers. Once a
// channel is open, operations for that peer bypass the server relay.
type Negotiator struct {
	cfg      *config.Config
	signaler Signaler
	logger   *slog.Logger

	// onOperation receives operations arriving over any data channel.
	onOperation func(protocol.Operation)

	mu     sync.Mutex
	peers  map[string]*peerLink
	closed bool
}

func NewNegotiator(cfg *config.Config, signaler Signaler, onOperation func(protocol.Operation), logger *slog.Logger) *Negotiator {
	return &Negotiator{
		cfg:         cfg,
		signaler:    signaler,
		logger:      logger,
		onOperation: onOperation,
		peers:       make(map[string]*peerLink),
	}
}

// newPeerConnection builds a PeerConnection with the configured ICE
// servers.
func (n *Negotiator) newPeerConnection() (*pion.PeerConnection, error) {
	iceServers := []pion.ICEServer{{URLs: n.cfg.GetSTUNServers()}}

	if turn := n.cfg.GetTURNServers(); turn != nil {
		username, password := n.cfg.GetTURNCredentials()
		iceServers = append(iceServers, pion.ICEServer{
			URLs:       turn,
			Username:   username,
			Credential: password,
		})
	}

	pc, err := pion.NewPeerConnection(pion.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return pc, nil
}

// Offer starts negotiation toward a newly joined peer: one ordered data
// channel for operations, trickled ICE candidates, then an SDP offer.
// A second call for a peer already being negotiated is a no-op.
func (n *Negotiator) Offer(peerID string) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	if _, ok := n.peers[peerID]; ok {
		n.mu.Unlock()
		return nil
	}
	link := &peerLink{}
	n.peers[peerID] = link
	n.mu.Unlock()

	pc, err := n.newPeerConnection()
	if err != nil {
		n.drop(peerID)
		return err
	}
	n.mu.Lock()
	link.pc = pc
	n.mu.Unlock()

	n.wireICE(pc, peerID)

	ordered := true
	dc, err := pc.CreateDataChannel("operations", &pion.DataChannelInit{Ordered: &ordered})
	if err != nil {
		n.drop(peerID)
		return fmt.Errorf("create data channel: %w", err)
	}
	n.wireChannel(peerID, link, dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		n.drop(peerID)
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		n.drop(peerID)
		return fmt.Errorf("set local description: %w", err)
	}

	n.signaler.Signal(protocol.TypeSDPOffer, peerID, pc.LocalDescription())
	n.logger.Debug("sent offer", "peer", peerID)
	return nil
}

// HandleOffer answers an incoming offer. The answering side accepts the
// offerer's data channel through the OnDataChannel event.
func (n *Negotiator) HandleOffer(from string, data json.RawMessage) error {
	var desc pion.SessionDescription
	if err := json.Unmarshal(data, &desc); err != nil {
		return fmt.Errorf("%w: sdp-offer: %v", protocol.ErrBadPayload, err)
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	link, ok := n.peers[from]
	if !ok {
		link = &peerLink{}
		n.peers[from] = link
	}
	pc := link.pc
	n.mu.Unlock()

	if pc == nil {
		var err error
		pc, err = n.newPeerConnection()
		if err != nil {
			n.drop(from)
			return err
		}
		n.mu.Lock()
		link.pc = pc
		n.mu.Unlock()

		n.wireICE(pc, from)
		pc.OnDataChannel(func(dc *pion.DataChannel) {
			n.wireChannel(from, link, dc)
		})
	}

	if err := pc.SetRemoteDescription(desc); err != nil {
		n.drop(from)
		return fmt.Errorf("set remote description: %w", err)
	}
	n.flushPending(from, link)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		n.drop(from)
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		n.drop(from)
		return fmt.Errorf("set local description: %w", err)
	}

	n.signaler.Signal(protocol.TypeSDPAnswer, from, pc.LocalDescription())
	n.logger.Debug("sent answer", "peer", from)
	return nil
}

// HandleAnswer applies a remote answer to a pending offer.
func (n *Negotiator) HandleAnswer(from string, data json.RawMessage) error {
	var desc pion.SessionDescription
	if err := json.Unmarshal(data, &desc); err != nil {
		return fmt.Errorf("%w: sdp-answer: %v", protocol.ErrBadPayload, err)
	}

	n.mu.Lock()
	link, ok := n.peers[from]
	pc := (*pion.PeerConnection)(nil)
	if ok {
		pc = link.pc
	}
	n.mu.Unlock()
	if pc == nil {
		n.logger.Debug("answer for unknown peer", "peer", from)
		return nil
	}

	if err := pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	n.flushPending(from, link)
	return nil
}

// HandleCandidate applies a remote ICE candidate, buffering it until the
// matching remote description is set. Applying candidates before the
// description silently breaks connectivity.
func (n *Negotiator) HandleCandidate(from string, data json.RawMessage) error {
	var candidate pion.ICECandidateInit
	if err := json.Unmarshal(data, &candidate); err != nil {
		return fmt.Errorf("%w: ice-candidate: %v", protocol.ErrBadPayload, err)
	}

	n.mu.Lock()
	link, ok := n.peers[from]
	if !ok {
		n.mu.Unlock()
		n.logger.Debug("candidate for unknown peer", "peer", from)
		return nil
	}
	if !link.remoteSet {
		link.pending = append(link.pending, candidate)
		n.mu.Unlock()
		return nil
	}
	pc := link.pc
	n.mu.Unlock()

	if err := pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("add ICE candidate: %w", err)
	}
	return nil
}

// flushPending marks the remote description as set and applies every
// buffered candidate in arrival order.
func (n *Negotiator) flushPending(peerID string, link *peerLink) {
	n.mu.Lock()
	link.remoteSet = true
	pending := link.pending
	link.pending = nil
	pc := link.pc
	n.mu.Unlock()

	for _, candidate := range pending {
		if err := pc.AddICECandidate(candidate); err != nil {
			n.logger.Warn("buffered candidate rejected", "peer", peerID, "err", err)
		}
	}
}

func (n *Negotiator) wireICE(pc *pion.PeerConnection, peerID string) {
	pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			return
		}
		n.signaler.Signal(protocol.TypeICECandidate, peerID, c.ToJSON())
	})
	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		n.logger.Debug("ice state", "peer", peerID, "state", state.String())
	})
}

func (n *Negotiator) wireChannel(peerID string, link *peerLink, dc *pion.DataChannel) {
	dc.OnOpen(func() {
		n.mu.Lock()
		link.channel = dc
		link.open = true
		n.mu.Unlock()
		n.logger.Info("data channel open", "peer", peerID)
	})

	dc.OnMessage(func(msg pion.DataChannelMessage) {
		var f frame
		if err := msgpack.Unmarshal(msg.Data, &f); err != nil {
			n.logger.Warn("bad channel frame", "peer", peerID, "err", err)
			return
		}
		if f.Type == frameOperation && f.Operation != nil {
			n.onOperation(*f.Operation)
		}
	})

	dc.OnClose(func() {
		n.mu.Lock()
		if link.channel == dc {
			link.open = false
		}
		n.mu.Unlock()
		n.logger.Debug("data channel closed", "peer", peerID)
	})
}

// SendOperation delivers the operation over every open data channel.
// It returns how many peers received it directly and how many known
// peers still lack a channel (and therefore need the server relay).
func (n *Negotiator) SendOperation(op protocol.Operation) (sent, unreached int) {
	data, err := msgpack.Marshal(frame{Type: frameOperation, Operation: &op})
	if err != nil {
		n.logger.Error("marshal operation frame", "err", err)
		n.mu.Lock()
		unreached = len(n.peers)
		n.mu.Unlock()
		return 0, unreached
	}

	n.mu.Lock()
	channels := make([]*pion.DataChannel, 0, len(n.peers))
	for _, link := range n.peers {
		if link.open && link.channel != nil {
			channels = append(channels, link.channel)
		} else {
			unreached++
		}
	}
	n.mu.Unlock()

	for _, dc := range channels {
		if err := dc.Send(data); err != nil {
			n.logger.Warn("channel send failed", "err", err)
			continue
		}
		sent++
	}
	return sent, unreached
}

// OpenPeers lists peers with an open operations channel.
func (n *Negotiator) OpenPeers() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.peers))
	for id, link := range n.peers {
		if link.open {
			out = append(out, id)
		}
	}
	return out
}

// Drop closes and discards the connection to a departed peer. Operations
// addressed to it afterwards are simply not sent; room membership, not
// channel existence, is authoritative for presence.
func (n *Negotiator) Drop(peerID string) {
	n.drop(peerID)
}

func (n *Negotiator) drop(peerID string) {
	n.mu.Lock()
	link, ok := n.peers[peerID]
	delete(n.peers, peerID)
	n.mu.Unlock()
	if !ok {
		return
	}
	if link.channel != nil {
		link.channel.Close()
	}
	if link.pc != nil {
		link.pc.Close()
	}
}

// Close tears down every peer connection.
func (n *Negotiator) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	peers := n.peers
	n.peers = make(map[string]*peerLink)
	n.mu.Unlock()

	for _, link := range peers {
		if link.channel != nil {
			link.channel.Close()
		}
		if link.pc != nil {
			link.pc.Close()
		}
	}
}
