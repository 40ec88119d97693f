package service

import (
	"context"
	"sync"
	"time"

	"chatwire/internal/constants"
	apperrors "chatwire/internal/errors"
	"chatwire/internal/metrics"
	"chatwire/internal/models"
	"chatwire/internal/tracing"
	"chatwire/pkg/feedapi"
	feedtypes "chatwire/pkg/feedapi/types"

	"github.com/sirupsen/logrus"
)

// ChannelState describes where a realtime channel is in its lifecycle.
type ChannelState string

const (
	ChannelConnecting   ChannelState = "connecting"
	ChannelConnected    ChannelState = "connected"
	ChannelDisconnected ChannelState = "disconnected"
	ChannelClosed       ChannelState = "closed"
)

// FeedStream is one live feed subscription as the channel consumes it.
type FeedStream interface {
	Events() <-chan feedtypes.Event
	Track(ctx context.Context, userID string) error
	Close() error
	Err() error
}

// FeedSubscriber opens feed subscriptions.
type FeedSubscriber interface {
	Subscribe(ctx context.Context, chatID string) (FeedStream, error)
}

type clientSubscriber struct {
	client feedapi.Client
}

// SubscriberFromClient adapts a feed API client to the FeedSubscriber
// surface the channel consumes.
func SubscriberFromClient(c feedapi.Client) FeedSubscriber {
	return clientSubscriber{client: c}
}

func (s clientSubscriber) Subscribe(ctx context.Context, chatID string) (FeedStream, error) {
	sub, err := s.client.Subscribe(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ChannelStatus is a point-in-time snapshot for the status surface.
type ChannelStatus struct {
	ChatID string       `json:"chatId"`
	State  ChannelState `json:"state"`
	Unread int          `json:"unread"`
}

// RealtimeChannel owns the feed subscription of one conversation and routes
// its events: change frames into the optimistic message log, membership
// frames to the presence side, status frames into the connecting→connected→
// disconnected state machine. Closed is terminal; a closed channel is
// replaced, never reopened. The channel also keeps the conversation's unread
// counter, incremented for peer messages that arrive while the conversation
// is not being viewed.
type RealtimeChannel struct {
	chatID     string
	selfID     string
	peerID     string
	store      *MessageStore
	subscriber FeedSubscriber
	logger     *logrus.Logger

	mu             sync.Mutex
	state          ChannelState
	stream         FeedStream
	tracked        bool
	unread         int
	viewing        bool
	lastPeerOnline *bool
	onUp           func()
	onDown         func(err error)
	onMembership   func(online bool)
	wg             sync.WaitGroup
}

// NewRealtimeChannel creates a channel for one conversation. Events mutate
// the given store; peerID identifies the counterpart in membership frames.
func NewRealtimeChannel(chatID, selfID, peerID string, store *MessageStore, subscriber FeedSubscriber, logger *logrus.Logger) *RealtimeChannel {
	if logger == nil {
		logger = logrus.New()
	}
	return &RealtimeChannel{
		chatID:     chatID,
		selfID:     selfID,
		peerID:     peerID,
		store:      store,
		subscriber: subscriber,
		logger:     logger,
		state:      ChannelConnecting,
	}
}

// ChatID returns the conversation this channel serves.
func (c *RealtimeChannel) ChatID() string {
	return c.chatID
}

// State returns the current lifecycle state.
func (c *RealtimeChannel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a snapshot for the status surface.
func (c *RealtimeChannel) Status() ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ChannelStatus{ChatID: c.chatID, State: c.state, Unread: c.unread}
}

// SetConnectHandler registers a callback invoked each time the subscription
// reaches the connected state, including after reconnects.
func (c *RealtimeChannel) SetConnectHandler(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUp = fn
}

// SetDisconnectHandler registers a callback invoked when a live subscription
// ends. The error is nil for clean closes.
func (c *RealtimeChannel) SetDisconnectHandler(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDown = fn
}

// SetMembershipHandler registers a callback invoked when the peer joins or
// leaves the channel member set. Repeated identical states are not redelivered.
func (c *RealtimeChannel) SetMembershipHandler(fn func(online bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMembership = fn
}

// SetViewing marks whether the user currently has this conversation in view.
// Entering the view clears the unread counter; while viewing, arriving peer
// messages do not count as unread.
func (c *RealtimeChannel) SetViewing(viewing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.viewing = viewing
	if viewing {
		c.unread = 0
	}
}

// UnreadCount returns the number of peer messages that arrived while the
// conversation was not in view.
func (c *RealtimeChannel) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread
}

// Open establishes the feed subscription, superseding any live stream. The
// channel reports connected only once the feed acknowledges the subscription.
// Errors are retryable; the supervisor decides the schedule.
func (c *RealtimeChannel) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.state == ChannelClosed {
		c.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeSubscription, "channel is closed")
	}
	c.state = ChannelConnecting
	old := c.stream
	c.stream = nil
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	stream, err := c.subscriber.Subscribe(ctx, c.chatID)
	if err != nil {
		c.mu.Lock()
		if c.state != ChannelClosed {
			c.state = ChannelDisconnected
		}
		c.mu.Unlock()
		return apperrors.WrapRetryable(err, apperrors.ErrCodeSubscription, "failed to open feed subscription")
	}

	c.mu.Lock()
	if c.state == ChannelClosed {
		c.mu.Unlock()
		_ = stream.Close()
		return apperrors.New(apperrors.ErrCodeSubscription, "channel is closed")
	}
	c.stream = stream
	c.tracked = false
	c.wg.Add(1)
	c.mu.Unlock()

	go c.consume(ctx, stream)

	c.logger.WithField(LogFieldChatID, SanitizeChatID(c.chatID)).Debug("Feed subscription opened, awaiting acknowledgement")
	return nil
}

// Close tears down the subscription and makes the channel terminal. Safe to
// call repeatedly.
func (c *RealtimeChannel) Close() {
	c.mu.Lock()
	if c.state == ChannelClosed {
		c.mu.Unlock()
		return
	}
	c.state = ChannelClosed
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
	c.wg.Wait()

	c.logger.WithField(LogFieldChatID, SanitizeChatID(c.chatID)).Info("Realtime channel closed")
}

func (c *RealtimeChannel) consume(ctx context.Context, stream FeedStream) {
	defer c.wg.Done()

	for ev := range stream.Events() {
		switch ev.Type {
		case feedtypes.FrameStatus:
			c.handleStatus(ctx, stream, ev.Status)
		case feedtypes.FrameChange:
			c.handleChange(ctx, ev.Change)
		case feedtypes.FramePresenceState:
			c.handleMembership(ev.Members)
		}
	}

	c.streamEnded(stream)
}

func (c *RealtimeChannel) handleStatus(ctx context.Context, stream FeedStream, status *feedtypes.StatusPayload) {
	if status == nil {
		return
	}

	switch status.Status {
	case feedtypes.StatusSubscribed:
		c.mu.Lock()
		if c.stream != stream || c.state == ChannelClosed {
			c.mu.Unlock()
			return
		}
		firstAck := !c.tracked
		c.tracked = true
		entered := c.state != ChannelConnected
		c.state = ChannelConnected
		onUp := c.onUp
		c.mu.Unlock()

		if firstAck {
			trackCtx, cancel := context.WithTimeout(ctx, time.Duration(constants.DefaultHTTPTimeoutSec)*time.Second)
			if err := stream.Track(trackCtx, c.selfID); err != nil {
				c.logger.WithError(err).WithField(LogFieldChatID, SanitizeChatID(c.chatID)).
					Warn("Failed to announce channel membership")
			}
			cancel()
		}
		if entered {
			c.logger.WithField(LogFieldChatID, SanitizeChatID(c.chatID)).Info("Feed subscription established")
			if onUp != nil {
				onUp()
			}
		}

	case feedtypes.StatusError:
		c.logger.WithFields(logrus.Fields{
			LogFieldChatID: SanitizeChatID(c.chatID),
			"reason":       status.Reason,
		}).Warn("Feed reported subscription error")
		// Closing the stream funnels the failure through streamEnded, the
		// single disconnect path.
		_ = stream.Close()

	case feedtypes.StatusSubscribing:
		c.logger.WithField(LogFieldChatID, SanitizeChatID(c.chatID)).Debug("Feed subscription pending")
	}
}

func (c *RealtimeChannel) handleChange(ctx context.Context, change *feedtypes.ChangePayload) {
	if change == nil {
		return
	}

	// The feed is an ingress like the control API, so each change gets its
	// own span. Identifier attributes are masked by the builders.
	ctx, span := tracing.StartSpan(ctx, "feed_change",
		tracing.AttrChatID(c.chatID),
		tracing.AttrFeedOp(string(change.Op)),
		tracing.AttrMessageID(change.Row.ID),
	)
	defer span.End()

	switch change.Op {
	case feedtypes.OpInsert:
		msg := messageFromFeed(change.Row)
		applied := c.store.ApplyInsert(msg)
		LogFeedEvent(ctx, c.logger, string(change.Op), msg.ChatID, msg.ID)
		metrics.GetRegistry().IncrementCounter("feed_events_total",
			map[string]string{"op": string(change.Op)}, "Feed change events consumed")
		if !applied {
			metrics.GetRegistry().IncrementCounter("feed_duplicates_total",
				map[string]string{"op": string(change.Op)}, "Feed events dropped as duplicate or tombstoned")
		}
		if applied && msg.SenderID != c.selfID {
			c.mu.Lock()
			if !c.viewing {
				c.unread++
			}
			c.mu.Unlock()
		}

	case feedtypes.OpDelete:
		c.store.ApplyDelete(change.Row.ID)
		LogFeedEvent(ctx, c.logger, string(change.Op), change.Row.ChatID, change.Row.ID)
		metrics.GetRegistry().IncrementCounter("feed_events_total",
			map[string]string{"op": string(change.Op)}, "Feed change events consumed")

	default:
		c.logger.WithField(LogFieldOp, string(change.Op)).Debug("Skipping unknown change op")
	}
}

func (c *RealtimeChannel) handleMembership(members []string) {
	online := false
	for _, m := range members {
		if m == c.peerID {
			online = true
			break
		}
	}

	c.mu.Lock()
	if c.lastPeerOnline != nil && *c.lastPeerOnline == online {
		c.mu.Unlock()
		return
	}
	seen := online
	c.lastPeerOnline = &seen
	cb := c.onMembership
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		LogFieldChatID: SanitizeChatID(c.chatID),
		LogFieldPeerID: SanitizeUserID(c.peerID),
		"online":       online,
	}).Debug("Channel membership changed")

	if cb != nil {
		cb(online)
	}
}

// streamEnded is the single disconnect path: every stream teardown, clean or
// not, lands here when its event channel drains.
func (c *RealtimeChannel) streamEnded(stream FeedStream) {
	c.mu.Lock()
	// A newer Open superseded this stream; its teardown is not a disconnect.
	if c.stream != stream {
		c.mu.Unlock()
		return
	}
	c.stream = nil
	if c.state == ChannelClosed {
		c.mu.Unlock()
		return
	}
	c.state = ChannelDisconnected
	cb := c.onDown
	c.mu.Unlock()

	err := stream.Err()
	if err != nil {
		c.logger.WithError(err).WithField(LogFieldChatID, SanitizeChatID(c.chatID)).
			Warn("Feed subscription lost")
	} else {
		c.logger.WithField(LogFieldChatID, SanitizeChatID(c.chatID)).Info("Feed subscription ended")
	}

	if cb != nil {
		cb(err)
	}
}

func messageFromFeed(row feedtypes.Message) models.Message {
	msg := models.Message{
		ID:        row.ID,
		ChatID:    row.ChatID,
		SenderID:  row.SenderID,
		Content:   row.Content,
		MediaURL:  row.MediaURL,
		CreatedAt: row.CreatedAt,
	}
	if row.MediaType != nil {
		mt := models.MediaType(*row.MediaType)
		msg.MediaType = &mt
	}
	return msg
}
