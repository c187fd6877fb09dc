package room

import (
	"errors"
	"sync"
	"time"

	"github.com/octatecode/collabmesh/internal/protocol"
)

var (
	ErrRoomExists   = errors.New("room already exists")
	ErrRoomNotFound = errors.New("room not found")
)

// DocumentContext is the optional initial document state attached to a
// room at creation. The content is opaque to the server.
type DocumentContext struct {
	FileID  string
	Content string
	Version int64
}

// peer is the store's record of one room member. Socket bindings live in
// the signaling layer; the store holds identity and liveness metadata only.
type peer struct {
	userID        string
	userName      string
	isHost        bool
	connectedAt   time.Time
	lastHeartbeat time.Time
}

// room is the authoritative state of one collaboration session.
type room struct {
	id       string
	name     string
	hostID   string
	hostName string
	fileID   string
	content  string

	// version is the room-scoped operation counter. It only increases.
	version int64

	state        protocol.RoomState
	createdAt    time.Time
	lastActivity time.Time
	peers        map[string]*peer
	ops          []protocol.Operation
}

// Store is the authoritative in-memory registry of rooms. All access goes
// through its methods; the single mutex is the coarse ownership point for
// room and peer state. No method blocks on I/O while holding the lock.
type Store struct {
	mu sync.RWMutex

	rooms map[string]*room

	// opCount is the global operation counter, for statistics only.
	opCount   int64
	startTime time.Time

	inactivityTimeout time.Duration
	heartbeatTimeout  time.Duration
}

// NewStore creates a Store with the given liveness thresholds. A room
// idle longer than inactivityTimeout, or a peer silent longer than
// heartbeatTimeout, is reaped by Sweep.
func NewStore(inactivityTimeout, heartbeatTimeout time.Duration) *Store {
	return &Store{
		rooms:             make(map[string]*room),
		startTime:         time.Now(),
		inactivityTimeout: inactivityTimeout,
		heartbeatTimeout:  heartbeatTimeout,
	}
}

// CreateRoom registers a new room with the creator as its only peer and
// host. Returns ErrRoomExists if the ID is taken.
func (s *Store) CreateRoom(roomID, roomName, hostID, hostName string, doc *DocumentContext) (protocol.RoomInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[roomID]; ok {
		return protocol.RoomInfo{}, ErrRoomExists
	}

	now := time.Now()
	r := &room{
		id:           roomID,
		name:         roomName,
		hostID:       hostID,
		hostName:     hostName,
		state:        protocol.RoomActive,
		createdAt:    now,
		lastActivity: now,
		peers: map[string]*peer{
			hostID: {
				userID:        hostID,
				userName:      hostName,
				isHost:        true,
				connectedAt:   now,
				lastHeartbeat: now,
			},
		},
	}
	if doc != nil {
		r.fileID = doc.FileID
		r.content = doc.Content
		r.version = doc.Version
	}
	s.rooms[roomID] = r
	return snapshot(r), nil
}

// JoinRoom adds a peer to an existing room. Joining with an identity
// already present is a no-op that returns the room unchanged. Returns
// ErrRoomNotFound if the room does not exist.
func (s *Store) JoinRoom(roomID, userID, userName string) (protocol.RoomInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return protocol.RoomInfo{}, ErrRoomNotFound
	}
	if _, ok := r.peers[userID]; ok {
		return snapshot(r), nil
	}

	now := time.Now()
	r.peers[userID] = &peer{
		userID:        userID,
		userName:      userName,
		connectedAt:   now,
		lastHeartbeat: now,
	}
	r.state = protocol.RoomActive
	r.lastActivity = now
	return snapshot(r), nil
}

// LeaveRoom removes the peer if present. Absent room or peer is a no-op;
// disconnects race with cleanup and that is fine. Emptying a room moves
// it to IDLE; deletion is the sweeper's call, not leave's.
func (s *Store) LeaveRoom(roomID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaveLocked(roomID, userID)
}

func (s *Store) leaveLocked(roomID, userID string) {
	r, ok := s.rooms[roomID]
	if !ok {
		return
	}
	if _, ok := r.peers[userID]; !ok {
		return
	}
	delete(r.peers, userID)
	r.lastActivity = time.Now()
	if len(r.peers) == 0 {
		r.state = protocol.RoomIdle
	}
}

// UpdateHeartbeat refreshes a peer's liveness and the room's activity.
// Returns false if the room or peer is gone; the caller must not
// broadcast an ack in that case.
func (s *Store) UpdateHeartbeat(roomID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return false
	}
	p, ok := r.peers[userID]
	if !ok {
		return false
	}
	now := time.Now()
	p.lastHeartbeat = now
	r.lastActivity = now
	return true
}

// Touch bumps a room's last-activity timestamp, for broadcasts that are
// not heartbeats (operations, presence).
func (s *Store) Touch(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		r.lastActivity = time.Now()
	}
}

// RecordOperation stamps the next room version on the operation, appends
// it to the room's log, and returns the stamped copy. An operation for a
// room that no longer exists is silently dropped (ok == false): it
// arrived after teardown, which is acceptable loss.
func (s *Store) RecordOperation(roomID string, op protocol.Operation) (protocol.Operation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return protocol.Operation{}, false
	}
	r.version++
	op.Version = r.version
	r.ops = append(r.ops, op)
	r.lastActivity = time.Now()
	s.opCount++
	return op, true
}

// Room returns a snapshot of one room.
func (s *Store) Room(roomID string) (protocol.RoomInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return protocol.RoomInfo{}, false
	}
	return snapshot(r), true
}

// Peers returns a snapshot of a room's member list, nil if the room is
// unknown.
func (s *Store) Peers(roomID string) []protocol.PeerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	return peerList(r)
}

// Rooms returns snapshots of every room.
func (s *Store) Rooms() []protocol.RoomInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.RoomInfo, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, snapshot(r))
	}
	return out
}

// Operations returns a copy of a room's operation log.
func (s *Store) Operations(roomID string) []protocol.Operation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]protocol.Operation, len(r.ops))
	copy(out, r.ops)
	return out
}

// Shutdown discards all rooms and logs.
func (s *Store) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = make(map[string]*room)
}

func snapshot(r *room) protocol.RoomInfo {
	return protocol.RoomInfo{
		RoomID:       r.id,
		RoomName:     r.name,
		HostID:       r.hostID,
		HostName:     r.hostName,
		FileID:       r.fileID,
		Content:      r.content,
		Version:      r.version,
		PeerCount:    len(r.peers),
		State:        r.state,
		CreatedAt:    r.createdAt.UnixMilli(),
		LastActivity: r.lastActivity.UnixMilli(),
		Peers:        peerList(r),
	}
}

func peerList(r *room) []protocol.PeerInfo {
	peers := make([]protocol.PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, protocol.PeerInfo{
			UserID:        p.userID,
			UserName:      p.userName,
			IsHost:        p.isHost,
			ConnectedAt:   p.connectedAt.UnixMilli(),
			LastHeartbeat: p.lastHeartbeat.UnixMilli(),
		})
	}
	return peers
}
