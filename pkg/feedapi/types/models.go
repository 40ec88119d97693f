package types

import (
	"encoding/json"
	"time"
)

// Frame is the envelope every feed message travels in
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is a row of the backend's conversation message table
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	SenderID  string    `json:"senderId"`
	Content   *string   `json:"content,omitempty"`
	MediaURL  *string   `json:"mediaUrl,omitempty"`
	MediaType *string   `json:"mediaType,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// HasBody reports whether the message carries text or media. The backend
// rejects inserts where both are absent.
func (m *Message) HasBody() bool {
	return m.Content != nil || m.MediaURL != nil
}

// NewMessage is the request body for inserting a message
type NewMessage struct {
	ChatID    string  `json:"chatId"`
	SenderID  string  `json:"senderId"`
	Content   *string `json:"content,omitempty"`
	MediaURL  *string `json:"mediaUrl,omitempty"`
	MediaType *string `json:"mediaType,omitempty"`
}

// PresenceRecord is a user's presence row in the backend store
type PresenceRecord struct {
	IsOnline      bool       `json:"isOnline"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`
	LastSeen      *time.Time `json:"lastSeen,omitempty"`
}

// SubscribeRequest asks the feed for changes to one conversation
type SubscribeRequest struct {
	ChatID string `json:"chatId"`
}

// TrackRequest announces the local user on the subscribed channel
type TrackRequest struct {
	UserID string `json:"userId"`
}

// StatusPayload reports the subscription state
type StatusPayload struct {
	Status SubscriptionStatus `json:"status"`
	Reason string             `json:"reason,omitempty"`
}

// ChangePayload carries one table change scoped to the subscribed conversation
type ChangePayload struct {
	Op  ChangeOp `json:"op"`
	Row Message  `json:"row"`
}

// PresenceStatePayload is the member set of the subscribed channel
type PresenceStatePayload struct {
	Members []string `json:"members"`
}

// ErrorPayload is an error frame from the feed
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event is a decoded feed frame delivered to subscribers. Exactly one of
// the payload fields is set, matching Type.
type Event struct {
	Type    FrameType
	Change  *ChangePayload
	Members []string
	Status  *StatusPayload
}

// ListMessagesResponse is the backfill response body
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
}

// ErrorResponse represents error responses from the backend API
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Status  int    `json:"status,omitempty"`
}

// ClientConfig represents the configuration for the feed API client
type ClientConfig struct {
	BaseURL               string        `json:"base_url"`
	FeedURL               string        `json:"feed_url"`
	APIKey                string        `json:"api_key"`
	Timeout               time.Duration `json:"timeout"`
	CircuitBreakerEnabled bool          `json:"circuit_breaker_enabled"`
}
