package entity

import "time"

// MessageType distinguishes the renderable kinds of message.
type MessageType string

const (
	MessageText      MessageType = "text"
	MessageImage     MessageType = "image"
	MessageSticker   MessageType = "sticker"
	MessageAudio     MessageType = "audio"
	MessageVideo     MessageType = "video"
	MessageTitle     MessageType = "title" // group created / renamed system message
	MessageComposite MessageType = "composite"
)

// Reaction groups all users who reacted to a message with the same emoji.
// The emoji is the reaction's identity within a message: a message holds at
// most one Reaction per distinct emoji, and a Reaction whose user set becomes
// empty is removed from the message.
type Reaction struct {
	Emoji   string   `json:"emoji"`
	UserIDs []string `json:"user_ids"`
}

// Key returns the reaction's stable identity within its message.
func (r Reaction) Key() string { return r.Emoji }

// HasUser reports whether userID is in the reaction's user set.
func (r Reaction) HasUser(userID string) bool {
	for _, id := range r.UserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Clone returns a frozen copy of the reaction.
func (r Reaction) Clone() Reaction {
	c := r
	c.UserIDs = append([]string(nil), r.UserIDs...)
	return c
}

// Message is a single chat message. The ID is a client-generated UUID, stable
// across the local and remote representations, so re-applying a remote
// "added" delta for a message the client inserted optimistically is a no-op.
type Message struct {
	ID        string      `json:"id"`
	ChatID    string      `json:"chat_id"`
	SenderID  string      `json:"sender_id"`
	Body      string      `json:"body"`
	Timestamp time.Time   `json:"timestamp"`
	Type      MessageType `json:"type"`

	// ReplyToID references the replied-to message by id only; the message is
	// resolved through the cache on demand, never embedded.
	ReplyToID string `json:"reply_to_id,omitempty"`

	SeenBy    []string   `json:"seen_by,omitempty"`
	Seen      bool       `json:"seen,omitempty"`
	Reactions []Reaction `json:"reactions,omitempty"`
	Edited    bool       `json:"edited,omitempty"`
}

// Reaction returns the reaction for emoji and whether it exists.
func (m *Message) Reaction(emoji string) (Reaction, bool) {
	for _, r := range m.Reactions {
		if r.Emoji == emoji {
			return r, true
		}
	}
	return Reaction{}, false
}

// SeenByUser reports whether userID has acknowledged this message.
func (m *Message) SeenByUser(userID string) bool {
	for _, id := range m.SeenBy {
		if id == userID {
			return true
		}
	}
	return false
}

// Clone returns a frozen deep copy of the message.
func (m Message) Clone() Message {
	c := m
	c.SeenBy = append([]string(nil), m.SeenBy...)
	if m.Reactions != nil {
		c.Reactions = make([]Reaction, len(m.Reactions))
		for i, r := range m.Reactions {
			c.Reactions[i] = r.Clone()
		}
	}
	return c
}
