package protocol

// RoomState is the lifecycle state of a room.
type RoomState string

const (
	RoomActive  RoomState = "active"
	RoomIdle    RoomState = "idle"
	RoomClosing RoomState = "closing"
	RoomClosed  RoomState = "closed"
)

// PeerInfo is a point-in-time view of one room member.
type PeerInfo struct {
	UserID        string `json:"userId"`
	UserName      string `json:"userName"`
	IsHost        bool   `json:"isHost"`
	ConnectedAt   int64  `json:"connectedAt"`
	LastHeartbeat int64  `json:"lastHeartbeat"`
}

// RoomInfo is a point-in-time snapshot of a room. Callers must not assume
// it stays valid; the store hands out copies only.
type RoomInfo struct {
	RoomID       string     `json:"roomId"`
	RoomName     string     `json:"roomName"`
	HostID       string     `json:"hostId"`
	HostName     string     `json:"hostName"`
	FileID       string     `json:"fileId,omitempty"`
	Content      string     `json:"content,omitempty"`
	Version      int64      `json:"version"`
	PeerCount    int        `json:"peerCount"`
	State        RoomState  `json:"state"`
	CreatedAt    int64      `json:"createdAt"`
	LastActivity int64      `json:"lastActivity"`
	Peers        []PeerInfo `json:"peers"`
}
