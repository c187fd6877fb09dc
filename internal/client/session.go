package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/octatecode/collabmesh/internal/config"
	"github.com/octatecode/collabmesh/internal/protocol"
)

// seenLimit bounds the duplicate-suppression window. Operations can reach
// a client twice when a sender has channels to some peers but must still
// use the server relay for others.
const seenLimit = 1024

// Handlers are the session's observable events. Nil handlers are skipped.
type Handlers struct {
	OnRoom      func(protocol.RoomInfo)
	OnOperation func(protocol.Operation)
	OnPeerJoin  func(userID, userName string)
	OnPeerLeave func(userID string)
	OnPresence  func(protocol.PresencePayload)
	OnStatus    func(Status)
	OnError     func(string)
}

// PresenceFunc reports the local cursor state for the periodic presence
// broadcast. Returning nil skips that tick.
type PresenceFunc func() *protocol.PresencePayload

// Session is the client-side orchestrator for one collaboration room: it
// owns the connection, the heartbeat and presence timers, and the peer
// negotiator, and routes inbound traffic between them.
type Session struct {
	cfg      *config.Config
	conn     *Conn
	neg      *Negotiator
	logger   *slog.Logger
	handlers Handlers
	presence PresenceFunc

	roomID   string
	userID   string
	userName string

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSession wires a session for the given identity. Nothing connects
// until Host or Join.
func NewSession(cfg *config.Config, roomID, userID, userName string, handlers Handlers, presence PresenceFunc, logger *slog.Logger) *Session {
	s := &Session{
		cfg:      cfg,
		logger:   logger,
		handlers: handlers,
		presence: presence,
		roomID:   roomID,
		userID:   userID,
		userName: userName,
		seen:     make(map[string]struct{}),
		done:     make(chan struct{}),
	}

	tokens := &HTTPTokenSource{BaseURL: cfg.HTTPBaseURL()}
	policy := BackoffPolicy{Base: cfg.BaseBackoff, Max: cfg.MaxBackoff, MaxAttempts: cfg.MaxReconnectAttempts}
	s.conn = NewConn(cfg.ServerURL, userID, roomID, userName, tokens, policy, logger)
	s.conn.OnStatus = func(status Status) {
		if handlers.OnStatus != nil {
			handlers.OnStatus(status)
		}
	}
	s.neg = NewNegotiator(cfg, s, s.handleRemoteOperation, logger)
	return s
}

// Signal implements Signaler for the negotiator: signaling traffic always
// travels through the server.
func (s *Session) Signal(msgType, to string, payload any) {
	msg, err := protocol.NewMessage(msgType, s.roomID, s.userID, payload)
	if err != nil {
		s.logger.Error("build signal", "type", msgType, "err", err)
		return
	}
	msg.From = s.userID
	msg.To = to
	s.conn.Send(msg)
}

// Host connects and creates the room with this user as host.
func (s *Session) Host(ctx context.Context, roomName, fileID, content string) error {
	if err := s.conn.Connect(ctx); err != nil {
		return err
	}
	s.conn.Send(protocol.MustMessage(protocol.TypeCreateRoom, s.roomID, s.userID,
		protocol.CreateRoomPayload{
			RoomName: roomName,
			UserName: s.userName,
			FileID:   fileID,
			Content:  content,
		}))
	s.start()
	return nil
}

// Join connects and joins the existing room.
func (s *Session) Join(ctx context.Context) error {
	if err := s.conn.Connect(ctx); err != nil {
		return err
	}
	s.conn.Send(protocol.MustMessage(protocol.TypeJoinRoom, s.roomID, s.userID,
		protocol.JoinRoomPayload{UserName: s.userName}))
	s.start()
	return nil
}

func (s *Session) start() {
	s.wg.Add(1)
	go s.run()
}

func (s *Session) run() {
	defer s.wg.Done()

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	presence := time.NewTicker(s.cfg.PresenceInterval)
	defer heartbeat.Stop()
	defer presence.Stop()

	for {
		select {
		case msg := <-s.conn.Incoming():
			s.dispatch(msg)

		case <-heartbeat.C:
			s.conn.Send(&protocol.Message{
				Type:      protocol.TypeHeartbeat,
				RoomID:    s.roomID,
				UserID:    s.userID,
				Timestamp: time.Now().UnixMilli(),
			})

		case <-presence.C:
			if s.presence == nil {
				continue
			}
			if p := s.presence(); p != nil {
				s.conn.Send(protocol.MustMessage(protocol.TypePresence, s.roomID, s.userID, *p))
			}

		case <-s.done:
			return
		}
	}
}

// dispatch routes one server message. Messages from the same socket
// arrive and are processed in send order.
func (s *Session) dispatch(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeRoomCreated, protocol.TypeRoomJoined:
		var payload protocol.RoomPayload
		if err := msg.DecodeData(&payload); err != nil {
			s.logger.Warn("bad room snapshot", "err", err)
			return
		}
		if s.handlers.OnRoom != nil {
			s.handlers.OnRoom(payload.Room)
		}

	case protocol.TypePeerJoined:
		var payload protocol.PeerPayload
		if err := msg.DecodeData(&payload); err != nil {
			s.logger.Warn("bad peer-joined payload", "err", err)
			return
		}
		if s.handlers.OnPeerJoin != nil {
			s.handlers.OnPeerJoin(payload.UserID, payload.UserName)
		}
		// We were here first, so we are the offering side.
		if err := s.neg.Offer(payload.UserID); err != nil {
			s.logger.Warn("offer failed", "peer", payload.UserID, "err", err)
		}

	case protocol.TypePeerLeft:
		var payload protocol.PeerPayload
		if err := msg.DecodeData(&payload); err != nil {
			s.logger.Warn("bad peer-left payload", "err", err)
			return
		}
		s.neg.Drop(payload.UserID)
		if s.handlers.OnPeerLeave != nil {
			s.handlers.OnPeerLeave(payload.UserID)
		}

	case protocol.TypeSDPOffer:
		if err := s.neg.HandleOffer(msg.From, msg.Data); err != nil {
			s.logger.Warn("handle offer", "peer", msg.From, "err", err)
		}

	case protocol.TypeSDPAnswer:
		if err := s.neg.HandleAnswer(msg.From, msg.Data); err != nil {
			s.logger.Warn("handle answer", "peer", msg.From, "err", err)
		}

	case protocol.TypeICECandidate:
		if err := s.neg.HandleCandidate(msg.From, msg.Data); err != nil {
			s.logger.Warn("handle candidate", "peer", msg.From, "err", err)
		}

	case protocol.TypeOperation:
		var op protocol.Operation
		if err := msg.DecodeData(&op); err != nil {
			s.logger.Warn("bad operation payload", "err", err)
			return
		}
		s.handleRemoteOperation(op)

	case protocol.TypePresence:
		var payload protocol.PresencePayload
		if err := msg.DecodeData(&payload); err != nil {
			return
		}
		if s.handlers.OnPresence != nil {
			s.handlers.OnPresence(payload)
		}

	case protocol.TypeHeartbeat, protocol.TypeAuth:
		// Acks; liveness is tracked server-side.

	case protocol.TypeError:
		var payload protocol.ErrorPayload
		_ = msg.DecodeData(&payload)
		s.logger.Warn("server error", "error", payload.Error)
		if s.handlers.OnError != nil {
			s.handlers.OnError(payload.Error)
		}

	default:
		s.logger.Debug("ignoring message", "type", msg.Type)
	}
}

// handleRemoteOperation deduplicates by operation ID: the same operation
// can arrive over a data channel and the server relay.
func (s *Session) handleRemoteOperation(op protocol.Operation) {
	if !s.markSeen(op.ID) {
		return
	}
	if s.handlers.OnOperation != nil {
		s.handlers.OnOperation(op)
	}
}

func (s *Session) markSeen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[id]; dup {
		return false
	}
	s.seen[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > seenLimit {
		delete(s.seen, s.order[0])
		s.order = s.order[1:]
	}
	return true
}

// SendOperation builds a local operation and sends it to every peer over
// an open data channel; peers without one are covered by the server
// relay, which stays active until the mesh is complete.
func (s *Session) SendOperation(kind string, position int, content string) protocol.Operation {
	op := protocol.NewOperation(s.roomID, s.userID, kind, position, content)
	s.markSeen(op.ID)

	sent, unreached := s.neg.SendOperation(op)
	if sent == 0 || unreached > 0 {
		s.conn.Send(protocol.MustMessage(protocol.TypeOperation, s.roomID, s.userID, op))
	}
	return op
}

// Status reports the connection status.
func (s *Session) Status() Status {
	return s.conn.Status()
}

// Leave announces departure before teardown. Best effort; an abrupt
// close is handled server-side identically.
func (s *Session) Leave() {
	s.conn.Send(&protocol.Message{
		Type:      protocol.TypeLeaveRoom,
		RoomID:    s.roomID,
		UserID:    s.userID,
		Timestamp: time.Now().UnixMilli(),
	})
}

// Close tears the session down: timers stop, peer connections close, and
// the socket (with its backoff timer) shuts down. No callbacks fire once
// Close returns.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.neg.Close()
		s.conn.Close()
	})
}
