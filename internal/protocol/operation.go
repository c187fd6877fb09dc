package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Operation kinds.
const (
	OpInsert  = "insert"
	OpDelete  = "delete"
	OpReplace = "replace"
)

// Operation is a single document mutation. Operations are immutable once
// created; the room-scoped version is stamped by the server when the
// operation is recorded.
type Operation struct {
	ID        string `json:"id"`
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
	Kind      string `json:"kind"`
	Position  int    `json:"position"`
	Content   string `json:"content,omitempty"`
	Version   int64  `json:"version"`
	Timestamp int64  `json:"timestamp"`
}

// NewOperation builds a local operation with a fresh ID. Version 0 means
// "not yet recorded".
func NewOperation(roomID, userID, kind string, position int, content string) Operation {
	return Operation{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		UserID:    userID,
		Kind:      kind,
		Position:  position,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Validate rejects operations with an unknown kind, a negative position,
// or a missing body where one is required.
func (op Operation) Validate() error {
	switch op.Kind {
	case OpInsert, OpReplace:
		if op.Content == "" {
			return fmt.Errorf("%w: %s operation without content", ErrBadPayload, op.Kind)
		}
	case OpDelete:
	default:
		return fmt.Errorf("%w: unknown operation kind %q", ErrBadPayload, op.Kind)
	}
	if op.Position < 0 {
		return fmt.Errorf("%w: negative position %d", ErrBadPayload, op.Position)
	}
	if op.ID == "" {
		return fmt.Errorf("%w: operation without id", ErrBadPayload)
	}
	return nil
}
