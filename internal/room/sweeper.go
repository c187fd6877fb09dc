package room

import (
	"log/slog"
	"time"

	"github.com/octatecode/collabmesh/internal/protocol"
)

// PeerRef names one peer within one room.
type PeerRef struct {
	RoomID string
	UserID string
}

// SweepResult reports what one liveness sweep removed.
type SweepResult struct {
	ReapedPeers []PeerRef
	ClosedRooms []string
}

// Sweep scans every room once: rooms idle past the inactivity timeout are
// deleted, peers silent past the heartbeat timeout are removed through
// the same path as an explicit leave, and rooms emptied by that removal
// are deleted too. Deletions are collected during the scan and applied
// after it completes, so the room collection is never mutated while being
// iterated.
func (s *Store) Sweep(now time.Time) SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result SweepResult
	toDelete := make(map[string]bool)

	for roomID, r := range s.rooms {
		if now.Sub(r.lastActivity) > s.inactivityTimeout {
			toDelete[roomID] = true
			continue
		}

		var dead []string
		for userID, p := range r.peers {
			if now.Sub(p.lastHeartbeat) > s.heartbeatTimeout {
				dead = append(dead, userID)
			}
		}
		for _, userID := range dead {
			s.leaveLocked(roomID, userID)
			result.ReapedPeers = append(result.ReapedPeers, PeerRef{RoomID: roomID, UserID: userID})
		}
		if len(dead) > 0 && len(r.peers) == 0 {
			toDelete[roomID] = true
		}
	}

	for roomID := range toDelete {
		if r, ok := s.rooms[roomID]; ok {
			r.state = protocol.RoomClosed
			delete(s.rooms, roomID)
			result.ClosedRooms = append(result.ClosedRooms, roomID)
		}
	}
	return result
}

// Notifier receives membership changes produced by the sweeper so the
// connection layer can broadcast them exactly as it would for explicit
// leaves.
type Notifier interface {
	PeerReaped(roomID, userID string)
	RoomClosed(roomID string)
}

// Sweeper runs the liveness sweep on a fixed interval.
type Sweeper struct {
	store    *Store
	interval time.Duration
	notifier Notifier
	logger   *slog.Logger
	done     chan struct{}
}

func NewSweeper(store *Store, interval time.Duration, notifier Notifier, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		interval: interval,
		notifier: notifier,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop in its own goroutine.
func (w *Sweeper) Start() {
	go w.run()
}

func (w *Sweeper) run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.SweepNow()
		case <-w.done:
			return
		}
	}
}

// SweepNow performs one sweep synchronously and notifies the connection
// layer of every removal. Also the entry point for the manual
// administrative trigger.
func (w *Sweeper) SweepNow() SweepResult {
	result := w.store.Sweep(time.Now())

	for _, ref := range result.ReapedPeers {
		w.logger.Info("peer reaped", "room", ref.RoomID, "user", ref.UserID)
		if w.notifier != nil {
			w.notifier.PeerReaped(ref.RoomID, ref.UserID)
		}
	}
	for _, roomID := range result.ClosedRooms {
		w.logger.Info("room closed", "room", roomID)
		if w.notifier != nil {
			w.notifier.RoomClosed(roomID)
		}
	}
	return result
}

// Stop halts the sweep loop. Idempotent is not required; call once from
// shutdown.
func (w *Sweeper) Stop() {
	close(w.done)
}
