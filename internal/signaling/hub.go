package signaling

import (
	"log/slog"
	"time"

	"github.com/octatecode/collabmesh/internal/protocol"
	"github.com/octatecode/collabmesh/internal/room"
)

// TokenVerifier validates the short-lived token an auth message carries
// against the identity pair on its envelope.
type TokenVerifier interface {
	VerifyFor(token, userID, roomID string) error
}

// envelope pairs an inbound message with the socket it arrived on.
type envelope struct {
	client *Client
	msg    *protocol.Message
}

// sweepEvent carries a membership change produced by the liveness sweep
// into the hub goroutine.
type sweepEvent struct {
	roomID     string
	userID     string // empty for room-closed
	roomClosed bool
}

// Hub is the signaling router and broadcast fanout. A single goroutine
// (Run) owns all connection bindings; sockets, the sweeper, and shutdown
// talk to it exclusively through channels.
type Hub struct {
	store  *room.Store
	tokens TokenVerifier
	logger *slog.Logger

	register   chan *Client
	unregister chan *Client
	inbound    chan envelope
	events     chan sweepEvent
	done       chan struct{}

	// clients is every open socket, authenticated or not.
	clients map[*Client]struct{}

	// bindings maps roomID -> userID -> socket. At most one socket per
	// identity; re-auth rebinds in place.
	bindings map[string]map[string]*Client
}

// NewHub creates a hub over the given store. The verifier gates the auth
// transition; everything else requires an established binding.
func NewHub(store *room.Store, tokens TokenVerifier, logger *slog.Logger) *Hub {
	return &Hub{
		store:      store,
		tokens:     tokens,
		logger:     logger,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan envelope, 64),
		events:     make(chan sweepEvent, 64),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
		bindings:   make(map[string]map[string]*Client),
	}
}

// Register hands a freshly upgraded socket to the hub.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

// PeerReaped implements room.Notifier: a heartbeat-timeout removal must
// produce the same broadcast as an explicit leave.
func (h *Hub) PeerReaped(roomID, userID string) {
	select {
	case h.events <- sweepEvent{roomID: roomID, userID: userID}:
	case <-h.done:
	}
}

// RoomClosed implements room.Notifier.
func (h *Hub) RoomClosed(roomID string) {
	select {
	case h.events <- sweepEvent{roomID: roomID, roomClosed: true}:
	case <-h.done:
	}
}

// Stop terminates the hub loop and closes every socket's send channel.
func (h *Hub) Stop() {
	close(h.done)
}

// Run is the hub's event loop. It is the only goroutine that touches
// clients and bindings.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = struct{}{}
			h.logger.Debug("client registered", "addr", client.remoteAddr)

		case client := <-h.unregister:
			h.handleDisconnect(client)

		case env := <-h.inbound:
			h.route(env.client, env.msg)

		case ev := <-h.events:
			h.handleSweepEvent(ev)

		case <-h.done:
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]struct{})
			h.bindings = make(map[string]map[string]*Client)
			return
		}
	}
}

// route dispatches one message. Unauthenticated sockets may only auth;
// everything else gets an explicit error reply so the caller knows to
// re-authenticate. Unknown types are logged and ignored.
func (h *Hub) route(c *Client, msg *protocol.Message) {
	if msg.Type == protocol.TypeAuth {
		h.handleAuth(c, msg)
		return
	}
	if c.userID == "" {
		h.sendError(c, "not authenticated")
		return
	}

	switch msg.Type {
	case protocol.TypeCreateRoom:
		h.handleCreateRoom(c, msg)
	case protocol.TypeJoinRoom:
		h.handleJoinRoom(c, msg)
	case protocol.TypeLeaveRoom:
		h.handleLeaveRoom(c)
	case protocol.TypeSDPOffer, protocol.TypeSDPAnswer, protocol.TypeICECandidate:
		h.relaySignal(c, msg)
	case protocol.TypeOperation:
		h.handleOperation(c, msg)
	case protocol.TypePresence:
		h.handlePresence(c, msg)
	case protocol.TypeHeartbeat:
		h.handleHeartbeat(c)
	default:
		h.logger.Warn("unknown message type", "type", msg.Type, "user", c.userID)
	}
}

func (h *Hub) handleAuth(c *Client, msg *protocol.Message) {
	if msg.UserID == "" || msg.RoomID == "" {
		h.sendError(c, "missing userId or roomId")
		return
	}

	var payload protocol.AuthPayload
	if err := msg.DecodeData(&payload); err != nil {
		h.sendError(c, "malformed auth payload")
		return
	}
	if err := h.tokens.VerifyFor(payload.Token, msg.UserID, msg.RoomID); err != nil {
		h.logger.Warn("auth rejected", "addr", c.remoteAddr, "user", msg.UserID, "err", err)
		h.sendError(c, "invalid token")
		return
	}

	// A second auth on the same socket rebinds in place; it never
	// duplicates a binding. Moving to a different room releases the old
	// membership first.
	if c.userID != "" {
		h.unbind(c)
		if c.roomID != "" && c.roomID != msg.RoomID {
			h.store.LeaveRoom(c.roomID, c.userID)
			h.broadcast(c.roomID, protocol.MustMessage(protocol.TypePeerLeft, c.roomID, c.userID,
				protocol.PeerPayload{UserID: c.userID}), c.userID)
		}
	}

	c.userID = msg.UserID
	c.roomID = msg.RoomID
	c.userName = payload.UserName
	if h.bindings[c.roomID] == nil {
		h.bindings[c.roomID] = make(map[string]*Client)
	}
	h.bindings[c.roomID][c.userID] = c

	h.logger.Info("client authenticated", "user", c.userID, "room", c.roomID)
	h.sendTo(c, protocol.MustMessage(protocol.TypeAuth, c.roomID, c.userID,
		protocol.AuthAckPayload{Status: "authenticated"}))
}

func (h *Hub) handleCreateRoom(c *Client, msg *protocol.Message) {
	if msg.RoomID != "" && msg.RoomID != c.roomID {
		h.sendError(c, "roomId does not match authenticated room")
		return
	}

	var payload protocol.CreateRoomPayload
	if err := msg.DecodeData(&payload); err != nil {
		h.sendError(c, "malformed create-room payload")
		return
	}

	var doc *room.DocumentContext
	if payload.FileID != "" || payload.Content != "" || payload.Version != 0 {
		doc = &room.DocumentContext{
			FileID:  payload.FileID,
			Content: payload.Content,
			Version: payload.Version,
		}
	}

	info, err := h.store.CreateRoom(c.roomID, payload.RoomName, c.userID, payload.UserName, doc)
	if err != nil {
		h.sendError(c, "room already exists")
		return
	}
	if payload.UserName != "" {
		c.userName = payload.UserName
	}

	h.logger.Info("room created", "room", c.roomID, "host", c.userID)
	h.sendTo(c, protocol.MustMessage(protocol.TypeRoomCreated, c.roomID, c.userID,
		protocol.RoomPayload{Room: info}))
}

func (h *Hub) handleJoinRoom(c *Client, msg *protocol.Message) {
	if msg.RoomID != "" && msg.RoomID != c.roomID {
		h.sendError(c, "roomId does not match authenticated room")
		return
	}

	var payload protocol.JoinRoomPayload
	if err := msg.DecodeData(&payload); err != nil {
		h.sendError(c, "malformed join-room payload")
		return
	}

	info, err := h.store.JoinRoom(c.roomID, c.userID, payload.UserName)
	if err != nil {
		h.sendError(c, "room not found")
		return
	}
	if payload.UserName != "" {
		c.userName = payload.UserName
	}

	h.logger.Info("peer joined", "room", c.roomID, "user", c.userID, "peers", info.PeerCount)
	h.sendTo(c, protocol.MustMessage(protocol.TypeRoomJoined, c.roomID, c.userID,
		protocol.RoomPayload{Room: info}))
	h.broadcast(c.roomID, protocol.MustMessage(protocol.TypePeerJoined, c.roomID, c.userID,
		protocol.PeerPayload{UserID: c.userID, UserName: payload.UserName}), c.userID)
}

func (h *Hub) handleLeaveRoom(c *Client) {
	roomID, userID := c.roomID, c.userID
	h.store.LeaveRoom(roomID, userID)
	h.unbind(c)
	c.userID, c.roomID, c.userName = "", "", ""

	h.logger.Info("peer left", "room", roomID, "user", userID)
	h.broadcast(roomID, protocol.MustMessage(protocol.TypePeerLeft, roomID, userID,
		protocol.PeerPayload{UserID: userID}), userID)
}

// relaySignal forwards an SDP offer/answer or ICE candidate verbatim to
// the addressed peer. A missing target is not an error to the sender: the
// signal may simply have raced the peer's departure.
func (h *Hub) relaySignal(c *Client, msg *protocol.Message) {
	if msg.To == "" {
		h.sendError(c, "signal without target")
		return
	}
	target, ok := h.bindings[c.roomID][msg.To]
	if !ok {
		h.logger.Debug("signal dropped, target absent",
			"type", msg.Type, "room", c.roomID, "from", c.userID, "to", msg.To)
		return
	}

	relay := &protocol.Message{
		Type:      msg.Type,
		RoomID:    c.roomID,
		From:      c.userID,
		To:        msg.To,
		Data:      msg.Data,
		Timestamp: time.Now().UnixMilli(),
	}
	h.sendTo(target, relay)
}

func (h *Hub) handleOperation(c *Client, msg *protocol.Message) {
	var op protocol.Operation
	if err := msg.DecodeData(&op); err != nil {
		h.sendError(c, "malformed operation payload")
		return
	}
	// The binding, not the payload, is authoritative for identity.
	op.RoomID = c.roomID
	op.UserID = c.userID
	if err := op.Validate(); err != nil {
		h.sendError(c, "invalid operation")
		return
	}

	stamped, ok := h.store.RecordOperation(c.roomID, op)
	if !ok {
		// Room torn down under the sender; acceptable loss.
		h.logger.Debug("operation dropped, room gone", "room", c.roomID, "user", c.userID)
		return
	}

	h.broadcast(c.roomID, protocol.MustMessage(protocol.TypeOperation, c.roomID, c.userID, stamped), c.userID)
}

func (h *Hub) handlePresence(c *Client, msg *protocol.Message) {
	var payload protocol.PresencePayload
	if err := msg.DecodeData(&payload); err != nil {
		h.sendError(c, "malformed presence payload")
		return
	}
	payload.UserID = c.userID
	h.store.Touch(c.roomID)
	h.broadcast(c.roomID, protocol.MustMessage(protocol.TypePresence, c.roomID, c.userID, payload), c.userID)
}

func (h *Hub) handleHeartbeat(c *Client) {
	if !h.store.UpdateHeartbeat(c.roomID, c.userID) {
		h.logger.Debug("heartbeat for unknown peer", "room", c.roomID, "user", c.userID)
		return
	}
	h.sendTo(c, &protocol.Message{
		Type:      protocol.TypeHeartbeat,
		RoomID:    c.roomID,
		UserID:    c.userID,
		Timestamp: time.Now().UnixMilli(),
	})
}

// unbind releases a socket's room binding, if it still holds it. A
// rebind may have handed the identity to a newer socket; that binding
// stays. The room's entry disappears with its last binding.
func (h *Hub) unbind(c *Client) {
	if c.roomID == "" {
		return
	}
	members, ok := h.bindings[c.roomID]
	if !ok || members[c.userID] != c {
		return
	}
	delete(members, c.userID)
	if len(members) == 0 {
		delete(h.bindings, c.roomID)
	}
}

// handleDisconnect treats an abrupt socket close as an implicit leave.
func (h *Hub) handleDisconnect(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)

	if c.userID != "" {
		roomID, userID := c.roomID, c.userID
		h.unbind(c)
		h.store.LeaveRoom(roomID, userID)
		h.logger.Info("client disconnected", "room", roomID, "user", userID)
		h.broadcast(roomID, protocol.MustMessage(protocol.TypePeerLeft, roomID, userID,
			protocol.PeerPayload{UserID: userID}), userID)
	} else {
		h.logger.Debug("client disconnected", "addr", c.remoteAddr)
	}
	close(c.send)
}

func (h *Hub) handleSweepEvent(ev sweepEvent) {
	if ev.roomClosed {
		// Sockets may still be bound to an inactivity-closed room; tell
		// them and release the bindings.
		for _, client := range h.bindings[ev.roomID] {
			h.sendError(client, "room closed")
			client.userID, client.roomID, client.userName = "", "", ""
		}
		delete(h.bindings, ev.roomID)
		return
	}

	if client, ok := h.bindings[ev.roomID][ev.userID]; ok {
		delete(h.bindings[ev.roomID], ev.userID)
		client.userID, client.roomID, client.userName = "", "", ""
	}
	h.broadcast(ev.roomID, protocol.MustMessage(protocol.TypePeerLeft, ev.roomID, ev.userID,
		protocol.PeerPayload{UserID: ev.userID}), ev.userID)
}

// broadcast delivers a message to every socket bound to the room, except
// exceptUserID when non-empty. The recipient set is computed once, up
// front; delivery is best-effort per recipient.
func (h *Hub) broadcast(roomID string, msg *protocol.Message, exceptUserID string) {
	members := h.bindings[roomID]
	recipients := make([]*Client, 0, len(members))
	for userID, client := range members {
		if exceptUserID != "" && userID == exceptUserID {
			continue
		}
		recipients = append(recipients, client)
	}
	for _, client := range recipients {
		h.sendTo(client, msg)
	}
}

// sendTo enqueues without blocking; a full buffer means the recipient is
// too slow and misses this message rather than stalling the hub.
func (h *Hub) sendTo(c *Client, msg *protocol.Message) {
	select {
	case c.send <- msg:
	default:
		h.logger.Warn("dropping message for slow client", "addr", c.remoteAddr, "type", msg.Type)
	}
}

func (h *Hub) sendError(c *Client, text string) {
	h.sendTo(c, protocol.MustMessage(protocol.TypeError, "", "", protocol.ErrorPayload{Error: text}))
}
