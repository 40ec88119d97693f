package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"chatwire/internal/constants"
	apperrors "chatwire/internal/errors"
	"chatwire/internal/metrics"
	"chatwire/internal/models"
	"chatwire/internal/privacy"
	"chatwire/internal/retry"
	"chatwire/internal/validation"
	feedtypes "chatwire/pkg/feedapi/types"

	"github.com/sirupsen/logrus"
)

// BackendAPI is the REST slice of the feed client the engine calls.
type BackendAPI interface {
	InsertMessage(ctx context.Context, msg feedtypes.NewMessage) (*feedtypes.Message, error)
	DeleteMessage(ctx context.Context, chatID, messageID string) error
	ListMessages(ctx context.Context, chatID string, limit int) ([]feedtypes.Message, error)
}

// SessionJanitor prunes abandoned session registry rows.
type SessionJanitor interface {
	PruneStaleSessions(ctx context.Context, olderThan time.Duration) (int64, error)
}

// EngineConfig carries the engine's identity and tunables. Zero values fall
// back to the defaults.
type EngineConfig struct {
	UserID              string
	PeerUserID          string
	BackfillLimit       int
	TombstoneTTL        time.Duration
	MountBackoff        retry.BackoffConfig
	SteadyRetry         time.Duration
	MaintenanceInterval time.Duration
	SessionStaleness    time.Duration
	StalePendingAfter   time.Duration
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.BackfillLimit <= 0 {
		c.BackfillLimit = constants.DefaultBackfillLimit
	}
	if c.TombstoneTTL <= 0 {
		c.TombstoneTTL = time.Duration(constants.DefaultTombstoneTTLSec) * time.Second
	}
	if c.MountBackoff.InitialDelay <= 0 {
		c.MountBackoff = retry.MountBackoffConfig()
	}
	if c.SteadyRetry <= 0 {
		c.SteadyRetry = time.Duration(constants.DefaultSteadyRetrySec) * time.Second
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = time.Duration(constants.DefaultMaintenanceIntervalSec) * time.Second
	}
	if c.SessionStaleness <= 0 {
		c.SessionStaleness = time.Duration(constants.DefaultSessionStalenessSec) * time.Second
	}
	if c.StalePendingAfter <= 0 {
		c.StalePendingAfter = time.Duration(constants.DefaultStalePendingWarnSec) * time.Second
	}
	return c
}

// conversation is one open conversation's live machinery. The message store
// is held separately so it outlives channel replacement.
type conversation struct {
	store      *MessageStore
	channel    *RealtimeChannel
	supervisor *ReconnectSupervisor
}

// EngineStatus is the engine-wide snapshot served on the status surface.
type EngineStatus struct {
	UserID          string          `json:"userId"`
	Online          bool            `json:"online"`
	Channels        []ChannelStatus `json:"channels"`
	PendingMessages int             `json:"pendingMessages"`
}

// Engine wires the realtime machinery together: one message store, channel
// and supervisor per open conversation, a shared presence coordinator, and
// the cross-session deletion bus. The UI-facing API server calls into it;
// everything it owns runs until Shutdown.
type Engine struct {
	selfID     string
	peerID     string
	backend    BackendAPI
	subscriber FeedSubscriber
	presence   *PresenceCoordinator
	bus        *DeletionBus
	janitor    SessionJanitor
	cfg        EngineConfig
	logger     *logrus.Logger

	mu         sync.Mutex
	convs      map[string]*conversation
	stores     map[string]*MessageStore
	viewedChat string
	running    bool
	runCtx     context.Context
	stopCh     chan struct{}
}

// NewEngine creates the engine. The bus may be nil when cross-session
// deletion propagation is disabled; the janitor may be nil in tests.
func NewEngine(backend BackendAPI, subscriber FeedSubscriber, presence *PresenceCoordinator, bus *DeletionBus, janitor SessionJanitor, cfg EngineConfig, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	e := &Engine{
		selfID:     cfg.UserID,
		peerID:     cfg.PeerUserID,
		backend:    backend,
		subscriber: subscriber,
		presence:   presence,
		bus:        bus,
		janitor:    janitor,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		convs:      make(map[string]*conversation),
		stores:     make(map[string]*MessageStore),
	}
	if bus != nil {
		bus.ObserveDeletions(e.applyRemoteDeletion)
	}
	return e
}

// Start launches the presence coordinator, the deletion bus and the
// maintenance loop. The context governs every background goroutine.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		e.logger.Warn("Engine is already running")
		return
	}
	e.running = true
	e.runCtx = ctx
	e.stopCh = make(chan struct{})
	stopCh := e.stopCh
	e.mu.Unlock()

	e.presence.Start(ctx)
	if e.bus != nil {
		e.bus.Start(ctx)
	}
	go e.maintenanceLoop(ctx, stopCh)

	e.logger.WithField(LogFieldUserID, SanitizeUserID(e.selfID)).Info("Realtime engine started")
}

// Shutdown closes every conversation, stops the bus and unregisters the
// locally hosted sessions so peers observe a clean offline.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.stopCh = nil
	convs := e.convs
	e.convs = make(map[string]*conversation)
	e.viewedChat = ""
	e.mu.Unlock()

	for _, conv := range convs {
		conv.supervisor.Stop()
		conv.channel.Close()
	}
	if e.bus != nil {
		e.bus.Stop()
	}
	for _, sessionID := range e.presence.Sessions() {
		if err := e.presence.UnregisterSession(ctx, sessionID); err != nil {
			e.logger.WithError(err).WithField(LogFieldSessionID, SanitizeSessionID(sessionID)).
				Warn("Failed to unregister session during shutdown")
		}
	}
	e.presence.Stop()

	e.logger.Info("Realtime engine stopped")
}

// OpenConversation loads a conversation: it creates (or reuses) the message
// store, replaces any live channel and supervisor pair, backfills recent
// history once the subscription connects, and points peer presence tracking
// at the counterpart.
func (e *Engine) OpenConversation(ctx context.Context, chatID string) error {
	if err := validation.ValidateChatID(chatID); err != nil {
		return err
	}

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeInternalError, "engine is not running")
	}
	runCtx := e.runCtx
	old := e.convs[chatID]
	delete(e.convs, chatID)
	store := e.stores[chatID]
	if store == nil {
		store = NewMessageStoreWithTTL(chatID, e.selfID, e.cfg.TombstoneTTL, e.logger)
		e.stores[chatID] = store
	}
	e.mu.Unlock()

	// A reopened conversation supersedes its predecessor. Stopping the old
	// pair first keeps two live subscriptions for the same conversation from
	// ever overlapping.
	if old != nil {
		old.supervisor.Stop()
		old.channel.Close()
	}

	channel := NewRealtimeChannel(chatID, e.selfID, e.peerID, store, e.subscriber, e.logger)
	supervisor := NewReconnectSupervisorWithSchedule(chatID, channel, e.cfg.MountBackoff, e.cfg.SteadyRetry, e.logger)
	channel.SetConnectHandler(func() {
		supervisor.NotifyConnected()
		// Re-backfill on every connect so messages missed while disconnected
		// reconcile into the log.
		go e.backfill(runCtx, chatID, store)
	})
	channel.SetDisconnectHandler(supervisor.NotifyDisconnected)
	channel.SetMembershipHandler(e.presence.SetPeerOnline)

	e.mu.Lock()
	e.convs[chatID] = &conversation{store: store, channel: channel, supervisor: supervisor}
	viewing := e.viewedChat == chatID
	e.mu.Unlock()
	if viewing {
		channel.SetViewing(true)
	}

	supervisor.Start(runCtx)
	e.presence.WatchPeer(ctx, e.peerID)

	e.logger.WithField(LogFieldChatID, SanitizeChatID(chatID)).Info("Conversation opened")
	return nil
}

// CloseConversation tears down a conversation's channel and supervisor. The
// message store is kept so reopening restores the cached log. Closing a
// conversation that is not open is a no-op.
func (e *Engine) CloseConversation(ctx context.Context, chatID string) error {
	if err := validation.ValidateChatID(chatID); err != nil {
		return err
	}

	e.mu.Lock()
	conv := e.convs[chatID]
	delete(e.convs, chatID)
	if e.viewedChat == chatID {
		e.viewedChat = ""
	}
	e.mu.Unlock()

	if conv == nil {
		return nil
	}
	conv.supervisor.Stop()
	conv.channel.Close()

	e.logger.WithField(LogFieldChatID, SanitizeChatID(chatID)).Info("Conversation closed")
	return nil
}

// SendMessage appends the draft to the optimistic log, submits it to the
// backend, and reconciles: the pending copy is confirmed in place on success
// and rolled back on failure. Failures are retryable and leave the draft
// recoverable by the caller.
func (e *Engine) SendMessage(ctx context.Context, chatID string, draft models.Draft) (*models.Message, error) {
	if err := validation.ValidateChatID(chatID); err != nil {
		return nil, err
	}
	if err := validation.ValidateDraft(draft); err != nil {
		return nil, err
	}

	e.mu.Lock()
	store := e.stores[chatID]
	e.mu.Unlock()
	if store == nil {
		return nil, apperrors.New(apperrors.ErrCodeNotFound, "conversation is not open")
	}

	tempID := store.AppendPending(draft)

	req := feedtypes.NewMessage{
		ChatID:   chatID,
		SenderID: e.selfID,
		Content:  draft.Content,
		MediaURL: draft.MediaURL,
	}
	if draft.MediaType != nil {
		mt := string(*draft.MediaType)
		req.MediaType = &mt
	}

	start := time.Now()
	row, err := e.backend.InsertMessage(ctx, req)
	if err != nil {
		if _, ok := store.Rollback(tempID); !ok {
			e.logger.WithField(LogFieldTempID, SanitizeMessageID(tempID)).
				Debug("Optimistic copy already gone at rollback")
		}
		e.logger.WithError(err).WithFields(logrus.Fields{
			LogFieldChatID: SanitizeChatID(chatID),
			LogFieldTempID: SanitizeMessageID(tempID),
		}).Warn("Message send failed, rolled back optimistic copy")
		metrics.GetRegistry().IncrementCounter("message_send_failures_total", nil, "Message sends rejected by the backend")
		return nil, apperrors.WrapRetryable(err, apperrors.ErrCodeBackendAPI, "failed to send message")
	}
	metrics.GetRegistry().RecordTimer("message_send_duration", time.Since(start), nil, "Backend insert round trip")

	msg := messageFromFeed(*row)
	store.Confirm(tempID, msg)

	e.logger.WithFields(logrus.Fields{
		LogFieldChatID:    SanitizeChatID(chatID),
		LogFieldMessageID: SanitizeMessageID(msg.ID),
	}).Info("Message sent")
	return &msg, nil
}

// DeleteMessage removes a message everywhere: backend first, then the local
// log, then the cross-session bus. The backend is authoritative, so local
// state only changes after it accepts; bus publication is best-effort.
// Deleting a still-pending message cancels it locally without a backend call.
func (e *Engine) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	if err := validation.ValidateChatID(chatID); err != nil {
		return err
	}
	if err := validation.ValidateMessageID(messageID); err != nil {
		return err
	}

	e.mu.Lock()
	store := e.stores[chatID]
	e.mu.Unlock()

	if strings.HasPrefix(messageID, privacy.TempIDPrefix) {
		// The backend never saw this message; cancelling the optimistic copy
		// is the whole deletion.
		if store != nil {
			store.ApplyDelete(messageID)
		}
		e.logger.WithField(LogFieldChatID, SanitizeChatID(chatID)).Info("Cancelled pending message")
		return nil
	}

	if err := e.backend.DeleteMessage(ctx, chatID, messageID); err != nil {
		return apperrors.WrapRetryable(err, apperrors.ErrCodeBackendAPI, "failed to delete message")
	}
	if store != nil {
		store.ApplyDelete(messageID)
	}
	if e.bus != nil {
		if err := e.bus.PublishDeletion(ctx, chatID, messageID); err != nil {
			e.logger.WithError(err).WithField(LogFieldMessageID, SanitizeMessageID(messageID)).
				Warn("Failed to propagate deletion to other sessions")
		}
	}

	e.logger.WithFields(logrus.Fields{
		LogFieldChatID:    SanitizeChatID(chatID),
		LogFieldMessageID: SanitizeMessageID(messageID),
	}).Info("Message deleted")
	metrics.GetRegistry().IncrementCounter("messages_deleted_total", nil, "Messages deleted by this session")
	return nil
}

// Messages returns the conversation's log snapshot in display order.
func (e *Engine) Messages(chatID string) ([]models.Entry, error) {
	if err := validation.ValidateChatID(chatID); err != nil {
		return nil, err
	}

	e.mu.Lock()
	store := e.stores[chatID]
	e.mu.Unlock()
	if store == nil {
		return nil, apperrors.New(apperrors.ErrCodeNotFound, "conversation is not open")
	}
	return store.Snapshot(), nil
}

// ViewConversation marks which conversation the user has in view. Entering a
// view clears its unread counter and suppresses further unread counting until
// the view is left; viewing=false records that no conversation is in view.
func (e *Engine) ViewConversation(ctx context.Context, chatID string, viewing bool) error {
	if err := validation.ValidateChatID(chatID); err != nil {
		return err
	}

	e.mu.Lock()
	var prev, cur *RealtimeChannel
	if viewing {
		if e.viewedChat != "" && e.viewedChat != chatID {
			if conv := e.convs[e.viewedChat]; conv != nil {
				prev = conv.channel
			}
		}
		e.viewedChat = chatID
	} else if e.viewedChat == chatID {
		e.viewedChat = ""
	}
	if conv := e.convs[chatID]; conv != nil {
		cur = conv.channel
	}
	e.mu.Unlock()

	if prev != nil {
		prev.SetViewing(false)
	}
	if cur != nil {
		cur.SetViewing(viewing)
	}
	return nil
}

// UnreadCounts returns the per-conversation unread counters of every open
// conversation.
func (e *Engine) UnreadCounts() map[string]int {
	e.mu.Lock()
	channels := make(map[string]*RealtimeChannel, len(e.convs))
	for id, conv := range e.convs {
		channels[id] = conv.channel
	}
	e.mu.Unlock()

	out := make(map[string]int, len(channels))
	for id, ch := range channels {
		out[id] = ch.UnreadCount()
	}
	return out
}

// PeerView returns the locally held view of the peer's presence.
func (e *Engine) PeerView() (models.PeerView, bool) {
	return e.presence.PeerView()
}

// RegisterSession registers a UI session with the presence coordinator.
func (e *Engine) RegisterSession(ctx context.Context, sessionID string) error {
	if err := validation.ValidateSessionID(sessionID); err != nil {
		return err
	}
	return e.presence.RegisterSession(ctx, sessionID)
}

// UnregisterSession removes a UI session from the presence coordinator.
func (e *Engine) UnregisterSession(ctx context.Context, sessionID string) error {
	if err := validation.ValidateSessionID(sessionID); err != nil {
		return err
	}
	return e.presence.UnregisterSession(ctx, sessionID)
}

// SetHidden reports the UI's visibility to the presence coordinator.
func (e *Engine) SetHidden(ctx context.Context, hidden bool) {
	e.presence.SetHidden(ctx, hidden)
}

// Status returns a snapshot of every open conversation and the local
// presence belief.
func (e *Engine) Status() EngineStatus {
	e.mu.Lock()
	channels := make([]*RealtimeChannel, 0, len(e.convs))
	for _, conv := range e.convs {
		channels = append(channels, conv.channel)
	}
	stores := make([]*MessageStore, 0, len(e.stores))
	for _, store := range e.stores {
		stores = append(stores, store)
	}
	e.mu.Unlock()

	status := EngineStatus{
		UserID: e.selfID,
		Online: e.presence.Online(),
	}
	for _, ch := range channels {
		status.Channels = append(status.Channels, ch.Status())
	}
	sort.Slice(status.Channels, func(i, j int) bool {
		return status.Channels[i].ChatID < status.Channels[j].ChatID
	})
	for _, store := range stores {
		status.PendingMessages += store.PendingCount()
	}
	return status
}

// applyRemoteDeletion reconciles a deletion observed from another session
// into the local log. Conversations never loaded here have nothing to
// reconcile.
func (e *Engine) applyRemoteDeletion(rec models.DeletionRecord) {
	e.mu.Lock()
	store := e.stores[rec.ChatID]
	e.mu.Unlock()

	if store == nil {
		return
	}
	store.ApplyDelete(rec.MessageID)

	e.logger.WithFields(logrus.Fields{
		LogFieldChatID:    SanitizeChatID(rec.ChatID),
		LogFieldMessageID: SanitizeMessageID(rec.MessageID),
		LogFieldOrigin:    SanitizeSessionID(rec.Origin),
	}).Debug("Applied cross-session deletion")
}

// backfill loads recent history through the REST API and reconciles it into
// the log. Tombstones and duplicates filter themselves out in ApplyInsert.
func (e *Engine) backfill(ctx context.Context, chatID string, store *MessageStore) {
	bfCtx, cancel := context.WithTimeout(ctx, time.Duration(constants.DefaultHTTPTimeoutSec)*time.Second)
	defer cancel()

	rows, err := e.backend.ListMessages(bfCtx, chatID, e.cfg.BackfillLimit)
	if err != nil {
		e.logger.WithError(err).WithField(LogFieldChatID, SanitizeChatID(chatID)).
			Warn("Failed to backfill conversation")
		metrics.GetRegistry().IncrementCounter("backfill_failures_total", nil, "Failed history backfills")
		return
	}

	applied := 0
	for _, row := range rows {
		if store.ApplyInsert(messageFromFeed(row)) {
			applied++
		}
	}
	e.logger.WithFields(logrus.Fields{
		LogFieldChatID: SanitizeChatID(chatID),
		LogFieldCount:  applied,
	}).Debug("Backfilled conversation history")
}

func (e *Engine) maintenanceLoop(ctx context.Context, stopCh chan struct{}) {
	ticker := time.NewTicker(e.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			e.maintenanceOnce(ctx)
		}
	}
}

func (e *Engine) maintenanceOnce(ctx context.Context) {
	mCtx, cancel := context.WithTimeout(ctx, time.Duration(constants.DefaultHTTPTimeoutSec)*time.Second)
	defer cancel()

	if e.janitor != nil {
		pruned, err := e.janitor.PruneStaleSessions(mCtx, e.cfg.SessionStaleness)
		if err != nil {
			e.logger.WithError(err).Warn("Failed to prune stale sessions")
		} else if pruned > 0 {
			e.logger.WithField(LogFieldCount, pruned).Info("Pruned stale sessions")
		}
	}

	e.mu.Lock()
	stores := make(map[string]*MessageStore, len(e.stores))
	for id, store := range e.stores {
		stores[id] = store
	}
	open := len(e.convs)
	channels := make([]*RealtimeChannel, 0, len(e.convs))
	for _, conv := range e.convs {
		channels = append(channels, conv.channel)
	}
	e.mu.Unlock()

	connected := 0
	for _, ch := range channels {
		if ch.State() == ChannelConnected {
			connected++
		}
	}

	swept := 0
	for chatID, store := range stores {
		swept += store.SweepTombstones()
		if stale := store.StalePendingIDs(e.cfg.StalePendingAfter); len(stale) > 0 {
			e.logger.WithFields(logrus.Fields{
				LogFieldChatID: SanitizeChatID(chatID),
				LogFieldCount:  len(stale),
			}).Warn("Messages stuck in pending state")
		}
	}
	if swept > 0 {
		e.logger.WithField(LogFieldCount, swept).Debug("Swept expired tombstones")
	}

	if e.bus != nil {
		if _, err := e.bus.Sweep(mCtx); err != nil {
			e.logger.WithError(err).Warn("Failed to sweep deletion records")
		}
	}

	metrics.GetRegistry().SetGauge("open_conversations", float64(open), nil, "Conversations with a live channel")
	metrics.GetRegistry().SetGauge("channels_connected", float64(connected), nil, "Channels with an acknowledged feed subscription")
}
