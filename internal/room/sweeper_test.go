package room

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// backdate rewinds a peer's heartbeat so a sweep sees it as silent.
func backdate(s *Store, roomID, userID string, by time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[roomID].peers[userID].lastHeartbeat = time.Now().Add(-by)
}

func TestSweepReapsSilentPeer(t *testing.T) {
	t.Parallel()

	s := newTestStore()
	s.CreateRoom("r1", "doc", "u1", "alice", nil)
	s.JoinRoom("r1", "u2", "bob")
	backdate(s, "r1", "u2", 10*time.Minute)

	result := s.Sweep(time.Now())
	if len(result.ReapedPeers) != 1 || result.ReapedPeers[0] != (PeerRef{RoomID: "r1", UserID: "u2"}) {
		t.Fatalf("expected u2 reaped, got %+v", result.ReapedPeers)
	}
	if len(result.ClosedRooms) != 0 {
		t.Errorf("room still has a live peer, got closed %v", result.ClosedRooms)
	}

	info, ok := s.Room("r1")
	if !ok {
		t.Fatal("room should survive")
	}
	if info.PeerCount != 1 {
		t.Errorf("expected 1 peer left, got %d", info.PeerCount)
	}
}

func TestSweepDeletesRoomEmptiedByReaping(t *testing.T) {
	t.Parallel()

	s := newTestStore()
	s.CreateRoom("r1", "doc", "u1", "alice", nil)
	backdate(s, "r1", "u1", 10*time.Minute)

	result := s.Sweep(time.Now())
	if len(result.ReapedPeers) != 1 {
		t.Fatalf("expected 1 reaped peer, got %+v", result.ReapedPeers)
	}
	if len(result.ClosedRooms) != 1 || result.ClosedRooms[0] != "r1" {
		t.Fatalf("expected r1 closed, got %v", result.ClosedRooms)
	}
	if _, ok := s.Room("r1"); ok {
		t.Error("emptied room should be deleted")
	}
}

func TestSweepDeletesInactiveRoom(t *testing.T) {
	t.Parallel()

	s := newTestStore()
	s.CreateRoom("r1", "doc", "u1", "alice", nil)

	result := s.Sweep(time.Now().Add(4 * time.Hour))
	if len(result.ClosedRooms) != 1 || result.ClosedRooms[0] != "r1" {
		t.Fatalf("expected r1 closed for inactivity, got %v", result.ClosedRooms)
	}
	if _, ok := s.Room("r1"); ok {
		t.Error("inactive room should be deleted")
	}
}

func TestSweepLeavesFreshStateAlone(t *testing.T) {
	t.Parallel()

	s := newTestStore()
	s.CreateRoom("r1", "doc", "u1", "alice", nil)
	s.JoinRoom("r1", "u2", "bob")

	result := s.Sweep(time.Now())
	if len(result.ReapedPeers) != 0 || len(result.ClosedRooms) != 0 {
		t.Fatalf("fresh state must not be touched: %+v", result)
	}
}

// recordingNotifier captures the membership changes a sweep produces.
type recordingNotifier struct {
	mu     sync.Mutex
	reaped []PeerRef
	closed []string
}

func (n *recordingNotifier) PeerReaped(roomID, userID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reaped = append(n.reaped, PeerRef{RoomID: roomID, UserID: userID})
}

func (n *recordingNotifier) RoomClosed(roomID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = append(n.closed, roomID)
}

func TestSweepNowNotifies(t *testing.T) {
	t.Parallel()

	s := newTestStore()
	s.CreateRoom("r1", "doc", "u1", "alice", nil)
	s.JoinRoom("r1", "u2", "bob")
	backdate(s, "r1", "u2", 10*time.Minute)

	notifier := &recordingNotifier{}
	sweeper := NewSweeper(s, time.Hour, notifier, quietLogger())

	sweeper.SweepNow()

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.reaped) != 1 || notifier.reaped[0].UserID != "u2" {
		t.Errorf("expected u2 notification, got %+v", notifier.reaped)
	}
	if len(notifier.closed) != 0 {
		t.Errorf("no room should close, got %v", notifier.closed)
	}
}

func TestSweeperStartStop(t *testing.T) {
	t.Parallel()

	s := newTestStore()
	sweeper := NewSweeper(s, 10*time.Millisecond, nil, quietLogger())
	sweeper.Start()
	time.Sleep(30 * time.Millisecond)
	sweeper.Stop()
}
