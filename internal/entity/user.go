package entity

import "time"

// User is a chat participant's profile. Presence fields (IsActive, LastSeen)
// are sourced from the ephemeral store; everything else comes from the
// durable document. The two sides update independently and are never required
// to be mutually current.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Nickname string `json:"nickname,omitempty"`
	PhotoURL string `json:"photo_url,omitempty"`

	IsActive bool      `json:"is_active"`
	LastSeen time.Time `json:"last_seen,omitempty"`

	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Clone returns a frozen copy of the user. User holds no reference fields,
// so a value copy suffices; the method exists for symmetry with Chat and
// Message.
func (u User) Clone() User { return u }

// ApplyPresence overwrites only the ephemeral-store-sourced fields, leaving
// the durable profile fields untouched.
func (u *User) ApplyPresence(isActive bool, lastSeen time.Time) {
	u.IsActive = isActive
	u.LastSeen = lastSeen
}
