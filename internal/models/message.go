package models

import (
	"time"
)

type MediaType string

const (
	MediaTypeImage MediaType = "image"
	MediaTypeVideo MediaType = "video"
)

// Message is one conversation row as the backend stores it. A well-formed
// message carries text content, media, or both; this is not enforced at the
// type level.
type Message struct {
	ID        string     `json:"id"`
	ChatID    string     `json:"chatId"`
	SenderID  string     `json:"senderId"`
	Content   *string    `json:"content,omitempty"`
	MediaURL  *string    `json:"mediaUrl,omitempty"`
	MediaType *MediaType `json:"mediaType,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Draft is the user-authored part of a message before the backend accepts it.
type Draft struct {
	Content   *string    `json:"content,omitempty"`
	MediaURL  *string    `json:"mediaUrl,omitempty"`
	MediaType *MediaType `json:"mediaType,omitempty"`
}

type EntryState string

const (
	EntryStatePending   EntryState = "pending"
	EntryStateConfirmed EntryState = "confirmed"
)

// Entry is one element of the optimistic message log: a message tagged
// pending under its temporary id until the backend confirms it, confirmed
// afterwards.
type Entry struct {
	State   EntryState `json:"state"`
	TempID  string     `json:"tempId,omitempty"`
	Message Message    `json:"message"`
}

// LogicalID returns the identifier the log is deduplicated by: the temporary
// id while pending, the authoritative id once confirmed.
func (e Entry) LogicalID() string {
	if e.State == EntryStatePending {
		return e.TempID
	}
	return e.Message.ID
}
