package models

import "time"

// PresenceRecord is the authoritative per-user presence row kept by the
// backend. If IsOnline is true the heartbeat must have been refreshed within
// the liveness threshold; records violating that are self-healed to offline.
type PresenceRecord struct {
	UserID        string     `json:"userId"`
	IsOnline      bool       `json:"isOnline"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`
	LastSeen      *time.Time `json:"lastSeen,omitempty"`
}

// PeerView is the locally held view of the peer's presence handed to the UI.
// It only changes when the underlying record actually changed.
type PeerView struct {
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// Equal reports whether two views would render identically.
func (v PeerView) Equal(o PeerView) bool {
	if v.Online != o.Online {
		return false
	}
	if (v.LastSeen == nil) != (o.LastSeen == nil) {
		return false
	}
	if v.LastSeen != nil && !v.LastSeen.Equal(*o.LastSeen) {
		return false
	}
	return true
}

// SessionRecord is one row of the shared session registry: a UI instance of
// this profile that is currently mounted.
type SessionRecord struct {
	SessionID  string    `json:"sessionId"`
	LastActive time.Time `json:"lastActive"`
}

// DeletionRecord is one idempotent deletion fact carried between sessions.
type DeletionRecord struct {
	ID          int64     `json:"id"`
	ChatID      string    `json:"chatId"`
	MessageID   string    `json:"messageId"`
	Origin      string    `json:"origin"`
	PublishedAt time.Time `json:"publishedAt"`
}
