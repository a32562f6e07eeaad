// Package feed serves a session's synchronized state to presentation clients
// over WebSocket: a snapshot frame on attach, then every entity change and
// unseen-aggregate update as it lands in the local cache. All frames are
// JSON with a type discriminator.
package feed

import (
	"encoding/json"
	"fmt"

	"github.com/loqui/chat-sync/internal/entity"
)

// ---------------------------------------------------------------------------
// Frame type constants
// ---------------------------------------------------------------------------

// Client -> Server frame types.
const (
	TypeAck  = "ack"
	TypePing = "ping"
)

// Server -> Client frame types.
const (
	TypeSnapshot = "snapshot"
	TypeEvent    = "event"
	TypeUnseen   = "unseen"
	TypePong     = "pong"
	TypeError    = "error"
)

// ---------------------------------------------------------------------------
// Envelope — initial parse extracting the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds a frame's type and raw JSON for deferred decoding into the
// concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("feed: unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("feed: missing frame type")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server frames
// ---------------------------------------------------------------------------

// AckFrame marks a chat seen: its unseen count drops to zero locally and
// remotely.
type AckFrame struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// PingFrame is a client liveness check; the server answers with a pong.
type PingFrame struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client frames
// ---------------------------------------------------------------------------

// SnapshotFrame is the first frame after attach: the cached chat list and the
// current unseen aggregate.
type SnapshotFrame struct {
	Type   string        `json:"type"`
	Chats  []entity.Chat `json:"chats"`
	Unseen int           `json:"unseen"`
}

// EventFrame carries one consolidated entity change.
type EventFrame struct {
	Type  string       `json:"type"`
	Event entity.Event `json:"event"`
}

// UnseenFrame carries the unseen aggregate after a change.
type UnseenFrame struct {
	Type  string `json:"type"`
	Total int    `json:"total"`
}

// PongFrame answers a ping.
type PongFrame struct {
	Type string `json:"type"`
}

// ErrorFrame reports a failed client request.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
