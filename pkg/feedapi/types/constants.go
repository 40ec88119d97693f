package types

// FrameType identifies a feed frame on the wire
type FrameType string

const (
	// Frames sent to the feed
	FrameSubscribe FrameType = "subscribe"
	FrameTrack     FrameType = "track"

	// Frames received from the feed
	FrameStatus        FrameType = "status"
	FrameChange        FrameType = "change"
	FramePresenceState FrameType = "presence_state"
	FrameError         FrameType = "error"
)

// ChangeOp is the operation carried by a change frame
type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpDelete ChangeOp = "delete"
)

// SubscriptionStatus is the feed-reported state of a subscription
type SubscriptionStatus string

const (
	StatusSubscribing SubscriptionStatus = "subscribing"
	StatusSubscribed  SubscriptionStatus = "subscribed"
	StatusError       SubscriptionStatus = "error"
)

const (
	APIBase          = "/v1"
	EndpointMessages = "/messages"
	EndpointPresence = "/presence"

	// Conversation-scoped message endpoints
	EndpointConversations = "/conversations"
)
