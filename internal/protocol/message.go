package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message type constants. These are the complete wire vocabulary between
// clients and the signaling server; unknown types are ignored on receipt,
// never fatal.
const (
	TypeAuth         = "auth"
	TypeCreateRoom   = "create-room"
	TypeRoomCreated  = "room-created"
	TypeJoinRoom     = "join-room"
	TypeRoomJoined   = "room-joined"
	TypeLeaveRoom    = "leave-room"
	TypePeerJoined   = "peer-joined"
	TypePeerLeft     = "peer-left"
	TypeSDPOffer     = "sdp-offer"
	TypeSDPAnswer    = "sdp-answer"
	TypeICECandidate = "ice-candidate"
	TypeOperation    = "operation"
	TypeHeartbeat    = "heartbeat"
	TypePresence     = "presence"
	TypeError        = "error"
)

var ErrBadPayload = errors.New("malformed payload")

// Message is the envelope for all websocket traffic. The payload in Data
// is a closed type per message kind, decoded with DecodeData.
type Message struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// NewMessage builds an envelope with the payload marshaled into Data and
// the timestamp stamped.
func NewMessage(msgType, roomID, userID string, payload any) (*Message, error) {
	msg := &Message{
		Type:      msgType,
		RoomID:    roomID,
		UserID:    userID,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		msg.Data = data
	}
	return msg, nil
}

// MustMessage is NewMessage for payloads that cannot fail to marshal
// (our own structs). It panics only on programmer error.
func MustMessage(msgType, roomID, userID string, payload any) *Message {
	msg, err := NewMessage(msgType, roomID, userID, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// DecodeData unmarshals the payload into v, rejecting unknown fields so a
// malformed or mistyped payload surfaces as a protocol error instead of
// propagating zero values.
func (m *Message) DecodeData(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: empty data for %s", ErrBadPayload, m.Type)
	}
	dec := json.NewDecoder(bytes.NewReader(m.Data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadPayload, m.Type, err)
	}
	return nil
}

// AuthPayload carries the short-lived token obtained from the HTTP token
// endpoint. The userId/roomId pair travels on the envelope and must match
// the token claims.
type AuthPayload struct {
	Token    string `json:"token"`
	UserName string `json:"userName,omitempty"`
}

// AuthAckPayload is the reply to a successful auth.
type AuthAckPayload struct {
	Status string `json:"status"`
}

// CreateRoomPayload carries room metadata plus optional initial document
// context. The document content is opaque to the server.
type CreateRoomPayload struct {
	RoomName string `json:"roomName"`
	UserName string `json:"userName"`
	FileID   string `json:"fileId,omitempty"`
	Content  string `json:"content,omitempty"`
	Version  int64  `json:"version,omitempty"`
}

// JoinRoomPayload names the joining user. The room travels on the envelope.
type JoinRoomPayload struct {
	UserName string `json:"userName"`
}

// RoomPayload wraps a room snapshot in room-created / room-joined replies.
type RoomPayload struct {
	Room RoomInfo `json:"room"`
}

// PeerPayload identifies the peer in peer-joined / peer-left broadcasts.
type PeerPayload struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

// PresencePayload is a cursor/selection update, relayed verbatim to the
// rest of the room.
type PresencePayload struct {
	UserID         string `json:"userId"`
	CursorPosition int    `json:"cursorPosition"`
	SelectionStart int    `json:"selectionStart,omitempty"`
	SelectionEnd   int    `json:"selectionEnd,omitempty"`
	Active         bool   `json:"active"`
}

// ErrorPayload is the body of an error reply.
type ErrorPayload struct {
	Error string `json:"error"`
}
