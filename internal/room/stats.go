package room

import (
	"encoding/json"
	"time"
)

// Stats is a server-wide statistics snapshot.
type Stats struct {
	Uptime           int64   `json:"uptime"`
	ActiveRooms      int     `json:"activeRooms"`
	TotalConnections int     `json:"totalConnections"`
	TotalOperations  int64   `json:"totalOperations"`
	OpsPerSecond     float64 `json:"opsPerSecond"`
}

// RoomStats is a per-room statistics snapshot. Bandwidth is approximated
// from the serialized size of the operation log.
type RoomStats struct {
	RoomID         string `json:"roomId"`
	PeerCount      int    `json:"peerCount"`
	OperationCount int    `json:"operationCount"`
	BytesSent      int64  `json:"bytesSent"`
	CreatedAt      int64  `json:"createdAt"`
	LastActivity   int64  `json:"lastActivity"`
}

// Stats reports uptime, room/connection counts and operation throughput.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, r := range s.rooms {
		total += len(r.peers)
	}

	uptime := time.Since(s.startTime)
	perSec := 0.0
	if secs := uptime.Seconds(); secs > 0 {
		perSec = float64(s.opCount) / secs
	}

	return Stats{
		Uptime:           uptime.Milliseconds(),
		ActiveRooms:      len(s.rooms),
		TotalConnections: total,
		TotalOperations:  s.opCount,
		OpsPerSecond:     perSec,
	}
}

// RoomStats reports counts for one room, false if the room is unknown.
func (s *Store) RoomStats(roomID string) (RoomStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return RoomStats{}, false
	}

	var sent int64
	for _, op := range r.ops {
		if data, err := json.Marshal(op); err == nil {
			sent += int64(len(data))
		}
	}

	return RoomStats{
		RoomID:         r.id,
		PeerCount:      len(r.peers),
		OperationCount: len(r.ops),
		BytesSent:      sent,
		CreatedAt:      r.createdAt.UnixMilli(),
		LastActivity:   r.lastActivity.UnixMilli(),
	}, true
}
