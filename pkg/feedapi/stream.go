package feedapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"chatwire/pkg/constants"
	"chatwire/pkg/feedapi/types"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"
)

// subscriptionEventBuffer absorbs short consumer stalls without
// backpressuring the websocket read loop.
const subscriptionEventBuffer = 64

// Subscription is one live change-feed subscription for a single
// conversation. Events arrive on Events() until the connection dies or
// Close is called; after the channel closes, Err reports why.
type Subscription struct {
	conn   *websocket.Conn
	chatID string
	logger *logrus.Logger

	events chan types.Event

	mu        sync.Mutex
	readErr   error
	closeOnce sync.Once
	closeErr  error
}

// Subscribe dials the change feed and requests events for one conversation.
// The supplied context governs the whole subscription lifetime: cancelling
// it terminates the read loop and closes the event channel.
func (c *FeedClient) Subscribe(ctx context.Context, chatID string) (*Subscription, error) {
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("X-Api-Key", c.apiKey)
	}

	c.logger.WithFields(logrus.Fields{
		"endpoint": c.feedURL,
		"chatId":   chatID,
	}).Debug("Dialing change feed")

	// The dial context only bounds the handshake; the subscription itself
	// lives on the caller's context.
	dialCtx, cancel := context.WithTimeout(ctx, constants.DefaultFeedDialTimeoutSec*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, c.feedURL, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial feed: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial feed: %w", err)
	}
	conn.SetReadLimit(constants.DefaultFeedReadLimit)

	sub := &Subscription{
		conn:   conn,
		chatID: chatID,
		logger: c.logger,
		events: make(chan types.Event, subscriptionEventBuffer),
	}

	if err := sub.send(ctx, types.FrameSubscribe, types.SubscribeRequest{ChatID: chatID}); err != nil {
		_ = conn.CloseNow()
		return nil, err
	}

	go sub.readLoop(ctx)

	return sub, nil
}

// Events returns the decoded feed events. The channel closes when the
// subscription ends for any reason.
func (s *Subscription) Events() <-chan types.Event {
	return s.events
}

// Err reports why the event channel closed. It is nil after a clean Close
// or context cancellation.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readErr
}

// ChatID returns the conversation this subscription is scoped to
func (s *Subscription) ChatID() string {
	return s.chatID
}

// Track announces the local user as a member of the subscribed channel
func (s *Subscription) Track(ctx context.Context, userID string) error {
	return s.send(ctx, types.FrameTrack, types.TrackRequest{UserID: userID})
}

// Close unsubscribes and releases the connection. Safe to call repeatedly.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close(websocket.StatusNormalClosure, "unsubscribe")
	})
	return s.closeErr
}

func (s *Subscription) send(ctx context.Context, frameType types.FrameType, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	frame := types.Frame{Type: frameType, Payload: data}
	if err := wsjson.Write(ctx, s.conn, frame); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", frameType, err)
	}
	return nil
}

func (s *Subscription) readLoop(ctx context.Context) {
	defer close(s.events)

	for {
		var frame types.Frame
		if err := wsjson.Read(ctx, s.conn, &frame); err != nil {
			s.finish(err)
			return
		}

		event, ok := s.decode(frame)
		if !ok {
			continue
		}

		select {
		case s.events <- event:
		case <-ctx.Done():
			s.finish(ctx.Err())
			return
		}
	}
}

// finish records the terminal error unless the subscription ended cleanly
func (s *Subscription) finish(err error) {
	if errors.Is(err, context.Canceled) || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return
	}

	s.mu.Lock()
	s.readErr = err
	s.mu.Unlock()

	s.logger.WithError(err).WithField("chatId", s.chatID).Warn("Feed subscription terminated")
}

func (s *Subscription) decode(frame types.Frame) (types.Event, bool) {
	switch frame.Type {
	case types.FrameChange:
		var payload types.ChangePayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			s.logger.WithError(err).Warn("Failed to decode change frame")
			return types.Event{}, false
		}
		return types.Event{Type: types.FrameChange, Change: &payload}, true

	case types.FramePresenceState:
		var payload types.PresenceStatePayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			s.logger.WithError(err).Warn("Failed to decode presence_state frame")
			return types.Event{}, false
		}
		return types.Event{Type: types.FramePresenceState, Members: payload.Members}, true

	case types.FrameStatus:
		var payload types.StatusPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			s.logger.WithError(err).Warn("Failed to decode status frame")
			return types.Event{}, false
		}
		return types.Event{Type: types.FrameStatus, Status: &payload}, true

	case types.FrameError:
		var payload types.ErrorPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			s.logger.WithError(err).Warn("Failed to decode error frame")
			return types.Event{}, false
		}
		s.logger.WithFields(logrus.Fields{
			"code":    payload.Code,
			"message": payload.Message,
		}).Warn("Feed reported an error")
		// Delivered as an error status so consumers handle one frame shape
		return types.Event{
			Type:   types.FrameStatus,
			Status: &types.StatusPayload{Status: types.StatusError, Reason: payload.Message},
		}, true

	default:
		s.logger.WithField("type", string(frame.Type)).Debug("Skipping unknown frame type")
		return types.Event{}, false
	}
}
