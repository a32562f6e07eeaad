package entity

import "time"

// Participant records one user's membership in a chat together with their
// personal unseen-message count. UnseenCount never goes below zero.
type Participant struct {
	UserID      string `json:"user_id"`
	UnseenCount int    `json:"unseen_count"`
}

// Chat is a direct or group conversation. RecentMessageID refers to the
// chronologically last non-deleted message once initial population has
// completed.
type Chat struct {
	ID              string        `json:"id"`
	Participants    []Participant `json:"participants"`
	RecentMessageID string        `json:"recent_message_id,omitempty"`
	MessageCount    int           `json:"message_count"`
	CreatedAt       time.Time     `json:"created_at"`

	// Group-only fields; empty for direct chats.
	Name         string   `json:"name,omitempty"`
	ThumbnailURL string   `json:"thumbnail_url,omitempty"`
	AdminIDs     []string `json:"admin_ids,omitempty"`
}

// IsGroup reports whether the chat is a named group conversation.
func (c *Chat) IsGroup() bool { return c.Name != "" }

// Participant returns the participant entry for userID and whether it exists.
func (c *Chat) Participant(userID string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

// SetUnseen sets userID's unseen count, clamped at zero. It returns the
// previous value, or -1 if userID is not a participant.
func (c *Chat) SetUnseen(userID string, count int) int {
	if count < 0 {
		count = 0
	}
	for i, p := range c.Participants {
		if p.UserID == userID {
			prev := p.UnseenCount
			c.Participants[i].UnseenCount = count
			return prev
		}
	}
	return -1
}

// IsAdmin reports whether userID administers the chat.
func (c *Chat) IsAdmin(userID string) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Clone returns a frozen deep copy of the chat.
func (c Chat) Clone() Chat {
	cp := c
	cp.Participants = append([]Participant(nil), c.Participants...)
	cp.AdminIDs = append([]string(nil), c.AdminIDs...)
	return cp
}
