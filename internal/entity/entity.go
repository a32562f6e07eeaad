// Package entity defines the value types the sync core caches locally and
// reconciles against the remote stores: chats, messages (with embedded
// reactions), and users. All types are plain values; a deep Clone of any of
// them is a frozen snapshot that shares no memory with the cached original
// and may cross goroutine boundaries freely.
package entity

// Kind identifies which entity type an event refers to.
type Kind string

const (
	KindChat    Kind = "chat"
	KindMessage Kind = "message"
	KindUser    Kind = "user"
)

// EventOp is the consolidated change type republished to presentation
// subscribers after reconciliation.
type EventOp string

const (
	OpAdded   EventOp = "added"
	OpUpdated EventOp = "updated"
	OpRemoved EventOp = "removed"
)

// Event is the consolidated change notification fanned out to presentation
// subscribers. Exactly one of the entity slices is populated, matching Kind.
// All carried entities are frozen copies.
type Event struct {
	Op     EventOp   `json:"op"`
	Kind   Kind      `json:"kind"`
	ChatID string    `json:"chat_id,omitempty"` // set for message events
	Chats  []Chat    `json:"chats,omitempty"`
	Msgs   []Message `json:"messages,omitempty"`
	Users  []User    `json:"users,omitempty"`
}
