package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/octatecode/collabmesh/internal/auth"
	"github.com/octatecode/collabmesh/internal/protocol"
	"github.com/octatecode/collabmesh/internal/room"
	"github.com/octatecode/collabmesh/internal/signaling"
)

// Configure the websocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,

	// Origin checking is a deployment concern; collaborating editors run
	// from arbitrary hosts.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server wires the HTTP surface over the room store, hub, sweeper and
// token issuer. All dependencies are injected; nothing is looked up
// through globals.
type Server struct {
	store   *room.Store
	hub     *signaling.Hub
	sweeper *room.Sweeper
	issuer  *auth.Issuer
	logger  *slog.Logger
}

func New(store *room.Store, hub *signaling.Hub, sweeper *room.Sweeper, issuer *auth.Issuer, logger *slog.Logger) *Server {
	return &Server{store: store, hub: hub, sweeper: sweeper, issuer: issuer, logger: logger}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.ServeWs)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/auth/token", s.handleToken).Methods(http.MethodPost)
	api.HandleFunc("/rooms", s.handleListRooms).Methods(http.MethodGet)
	api.HandleFunc("/rooms", s.handleCreateRoom).Methods(http.MethodPost)
	api.HandleFunc("/rooms/{roomId}", s.handleGetRoom).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{roomId}/stats", s.handleRoomStats).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{roomId}/peers", s.handleRoomPeers).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{roomId}/join", s.handleJoinRoom).Methods(http.MethodPost)
	api.HandleFunc("/rooms/{roomId}/leave", s.handleLeaveRoom).Methods(http.MethodPost)
	api.HandleFunc("/rooms/{roomId}/operations", s.handleRecordOperation).Methods(http.MethodPost)

	r.HandleFunc("/maintenance/cleanup", s.handleCleanup).Methods(http.MethodPost)

	return r
}

// ServeWs upgrades the connection and hands it to the hub.
func (s *Server) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	client := signaling.NewClient(s.hub, conn)
	s.hub.Register(client)
	go client.WritePump()
	go client.ReadPump()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
		"memory": map[string]uint64{
			"heapAllocMB": mem.HeapAlloc / 1024 / 1024,
			"heapSysMB":   mem.HeapSys / 1024 / 1024,
			"numGC":       uint64(mem.NumGC),
		},
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"server":    s.store.Stats(),
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"userId"`
		RoomID string `json:"roomId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" || body.RoomID == "" {
		writeError(w, http.StatusBadRequest, "userId and roomId required")
		return
	}

	token, expires, err := s.issuer.Issue(body.UserID, body.RoomID)
	if err != nil {
		s.logger.Error("token issue failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"expiresAt": expires.UnixMilli(),
	})
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms := s.store.Rooms()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":     len(rooms),
		"rooms":     rooms,
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RoomID   string `json:"roomId"`
		RoomName string `json:"roomName"`
		HostID   string `json:"hostId"`
		HostName string `json:"hostName"`
		FileID   string `json:"fileId"`
		Content  string `json:"content"`
		Version  int64  `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RoomID == "" || body.HostID == "" {
		writeError(w, http.StatusBadRequest, "roomId and hostId required")
		return
	}
	if body.RoomName == "" {
		body.RoomName = body.RoomID
	}

	var doc *room.DocumentContext
	if body.FileID != "" || body.Content != "" || body.Version != 0 {
		doc = &room.DocumentContext{FileID: body.FileID, Content: body.Content, Version: body.Version}
	}

	info, err := s.store.CreateRoom(body.RoomID, body.RoomName, body.HostID, body.HostName, doc)
	if errors.Is(err, room.ErrRoomExists) {
		writeError(w, http.StatusConflict, "room already exists")
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	info, ok := s.store.Room(roomID)
	if !ok {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	stats, _ := s.store.RoomStats(roomID)
	writeJSON(w, http.StatusOK, map[string]any{
		"metadata":  info,
		"stats":     stats,
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) handleRoomStats(w http.ResponseWriter, r *http.Request) {
	stats, ok := s.store.RoomStats(mux.Vars(r)["roomId"])
	if !ok {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRoomPeers(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	info, ok := s.store.Room(roomID)
	if !ok {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"roomId":    roomID,
		"peerCount": info.PeerCount,
		"peers":     info.Peers,
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	var body struct {
		UserID   string `json:"userId"`
		UserName string `json:"userName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId required")
		return
	}
	if body.UserName == "" {
		body.UserName = body.UserID
	}

	info, err := s.store.JoinRoom(roomID, body.UserID, body.UserName)
	if errors.Is(err, room.ErrRoomNotFound) {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"roomId": roomID,
		"userId": body.UserID,
		"room":   info,
	})
}

func (s *Server) handleLeaveRoom(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	var body struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId required")
		return
	}

	s.store.LeaveRoom(roomID, body.UserID)
	writeJSON(w, http.StatusOK, map[string]any{
		"roomId": roomID,
		"userId": body.UserID,
	})
}

func (s *Server) handleRecordOperation(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	var op protocol.Operation
	if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
		writeError(w, http.StatusBadRequest, "malformed operation")
		return
	}
	op.RoomID = roomID
	if err := op.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stamped, ok := s.store.RecordOperation(roomID, op)
	if !ok {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	writeJSON(w, http.StatusOK, stamped)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	before := s.store.Stats().ActiveRooms
	result := s.sweeper.SweepNow()
	after := s.store.Stats().ActiveRooms

	writeJSON(w, http.StatusOK, map[string]any{
		"before":      before,
		"after":       after,
		"cleaned":     len(result.ClosedRooms),
		"reapedPeers": len(result.ReapedPeers),
		"timestamp":   time.Now().UnixMilli(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "timestamp": time.Now().UnixMilli()})
}
