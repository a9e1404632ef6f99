package core

import (
	"context"
	"encoding/json"
)

type (
	Position struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}

	// PendingPosition is the latest unsent position of one node in one room.
	PendingPosition struct {
		NodeID    string   `json:"nodeId"`
		Position  Position `json:"position"`
		RequestID string   `json:"requestId,omitempty"`
	}

	// Document is the handle of the external CRDT engine for one room.
	// Mutation happens only through ApplyUpdate with frames received from peers.
	Document interface {
		ApplyUpdate(update []byte)
		// Updates returns the frames a late joiner needs to catch up.
		Updates() [][]byte
		// Lookup reads a materialized value for inspection.
		Lookup(key string) (json.RawMessage, bool)
	}

	DocumentFactory func(roomID string) Document

	// PositionEntry is one element of a batched position control message.
	PositionEntry struct {
		NodeID    string    `json:"nodeId"`
		Position  *Position `json:"position"`
		RequestID string    `json:"requestId,omitempty"`
	}

	Room struct {
		ID         string
		LastActive int64
	}

	RoomRegistry interface {
		ListRooms(ctx context.Context) ([]Room, error)
		TouchRoom(ctx context.Context, roomID string) error
		DeleteRoom(ctx context.Context, roomID string) error
		Close() error
	}

	// ControlMessage is the envelope of a JSON message sharing the transport with CRDT frames.
	ControlMessage struct {
		Type      string          `json:"type"`
		NodeID    string          `json:"nodeId,omitempty"`
		ID        string          `json:"id,omitempty"`
		Position  *Position       `json:"position,omitempty"`
		RequestID string          `json:"requestId,omitempty"`
		Nodes     []PositionEntry `json:"nodes,omitempty"`
	}
)
