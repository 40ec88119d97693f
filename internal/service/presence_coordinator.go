package service

import (
	"context"
	"sync"
	"time"

	"chatwire/internal/constants"
	apperrors "chatwire/internal/errors"
	"chatwire/internal/metrics"
	"chatwire/internal/models"
	feedtypes "chatwire/pkg/feedapi/types"

	"github.com/sirupsen/logrus"
)

// SessionStore is the shared session registry surface of the profile store.
type SessionStore interface {
	RegisterSession(ctx context.Context, sessionID string) error
	TouchSession(ctx context.Context, sessionID string) (bool, error)
	UnregisterSession(ctx context.Context, sessionID string) error
	CountActiveSessions(ctx context.Context, within time.Duration) (int, error)
}

// PresenceBackend is the authoritative presence record store.
type PresenceBackend interface {
	GetPresence(ctx context.Context, userID string) (*feedtypes.PresenceRecord, error)
	PutPresence(ctx context.Context, userID string, rec feedtypes.PresenceRecord) error
}

// PresenceTimings bundles the coordinator's intervals. Zero values fall back
// to the defaults.
type PresenceTimings struct {
	HeartbeatInterval  time.Duration
	LivenessInterval   time.Duration
	LivenessThreshold  time.Duration
	PeerPollInterval   time.Duration
	VisibilityGrace    time.Duration
	SessionStaleness   time.Duration
	PeerPollingEnabled bool
}

// DefaultPresenceTimings returns the standard interval set.
func DefaultPresenceTimings() PresenceTimings {
	return PresenceTimings{
		HeartbeatInterval:  time.Duration(constants.DefaultHeartbeatIntervalSec) * time.Second,
		LivenessInterval:   time.Duration(constants.DefaultLivenessCheckSec) * time.Second,
		LivenessThreshold:  time.Duration(constants.DefaultLivenessThresholdSec) * time.Second,
		PeerPollInterval:   time.Duration(constants.DefaultPeerPollIntervalSec) * time.Second,
		VisibilityGrace:    time.Duration(constants.DefaultVisibilityGraceSec) * time.Second,
		SessionStaleness:   time.Duration(constants.DefaultSessionStalenessSec) * time.Second,
		PeerPollingEnabled: true,
	}
}

func (t PresenceTimings) withDefaults() PresenceTimings {
	def := DefaultPresenceTimings()
	if t.HeartbeatInterval <= 0 {
		t.HeartbeatInterval = def.HeartbeatInterval
	}
	if t.LivenessInterval <= 0 {
		t.LivenessInterval = def.LivenessInterval
	}
	if t.LivenessThreshold <= 0 {
		t.LivenessThreshold = def.LivenessThreshold
	}
	if t.PeerPollInterval <= 0 {
		t.PeerPollInterval = def.PeerPollInterval
	}
	if t.VisibilityGrace <= 0 {
		t.VisibilityGrace = def.VisibilityGrace
	}
	if t.SessionStaleness <= 0 {
		t.SessionStaleness = def.SessionStaleness
	}
	return t
}

// PresenceCoordinator keeps the local user's online/offline state coherent
// across every UI session of the profile. The shared session registry decides
// the transitions: the 0→1 active-count change is the unique "became online"
// trigger and 1→0 the unique "became offline" trigger, everything in between
// is a no-op. While online it heartbeats the authoritative record; a liveness
// check self-heals records left behind by crashed sessions; a visibility
// grace timer demotes hidden sessions. It also maintains the locally held
// view of the peer's presence, refreshed by polling and by channel
// membership signals.
//
// Every authoritative write is best-effort: failures are logged and retried
// on the next tick, never escalated to the caller.
type PresenceCoordinator struct {
	registry SessionStore
	backend  PresenceBackend
	userID   string
	timings  PresenceTimings
	logger   *logrus.Logger

	mu              sync.Mutex
	sessions        map[string]struct{}
	online          bool
	hidden          bool
	graceTimer      *time.Timer
	peerID          string
	peerView        models.PeerView
	peerViewSet     bool
	peerViewVersion int
	runCtx          context.Context
	heartbeatStop   chan struct{}
	running         bool
	stopCh          chan struct{}
}

// NewPresenceCoordinator creates a coordinator with default timings.
func NewPresenceCoordinator(registry SessionStore, backend PresenceBackend, userID string, logger *logrus.Logger) *PresenceCoordinator {
	return NewPresenceCoordinatorWithTimings(registry, backend, userID, DefaultPresenceTimings(), logger)
}

// NewPresenceCoordinatorWithTimings creates a coordinator with custom timings.
func NewPresenceCoordinatorWithTimings(registry SessionStore, backend PresenceBackend, userID string, timings PresenceTimings, logger *logrus.Logger) *PresenceCoordinator {
	if logger == nil {
		logger = logrus.New()
	}
	return &PresenceCoordinator{
		registry: registry,
		backend:  backend,
		userID:   userID,
		timings:  timings.withDefaults(),
		logger:   logger,
		sessions: make(map[string]struct{}),
	}
}

// Start launches the liveness check and, when enabled, the peer poll loop.
// The heartbeat loop starts and stops with online transitions.
func (c *PresenceCoordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		c.logger.Warn("Presence coordinator is already running")
		return
	}
	c.running = true
	c.runCtx = ctx
	c.stopCh = make(chan struct{})
	stopCh := c.stopCh
	c.mu.Unlock()

	go c.livenessLoop(ctx, stopCh)
	if c.timings.PeerPollingEnabled {
		go c.peerPollLoop(ctx, stopCh)
	}
	c.logger.Info("Presence coordinator started")
}

// Stop halts every loop and cancels the visibility grace timer. It does not
// write presence; callers unregister sessions first for a clean offline.
func (c *PresenceCoordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	close(c.stopCh)
	c.stopCh = nil
	c.running = false
	c.stopHeartbeatLocked()
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	c.logger.Info("Presence coordinator stopped")
}

// Online reports the coordinator's local belief about the user's presence.
func (c *PresenceCoordinator) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Sessions returns the ids of the UI sessions this process hosts.
func (c *PresenceCoordinator) Sessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		out = append(out, id)
	}
	return out
}

// RegisterSession adds a UI session to the shared registry. Only the 0→1
// count transition flips presence to online; re-registering a known id
// refreshes its registry row and changes nothing else.
func (c *PresenceCoordinator) RegisterSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	_, known := c.sessions[sessionID]
	c.mu.Unlock()

	if err := c.registry.RegisterSession(ctx, sessionID); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDatabaseQuery, "failed to register session")
	}

	c.mu.Lock()
	c.sessions[sessionID] = struct{}{}
	c.mu.Unlock()

	c.logger.WithField(LogFieldSessionID, SanitizeSessionID(sessionID)).Info("Session registered")

	if known {
		return nil
	}

	count, err := c.registry.CountActiveSessions(ctx, c.timings.SessionStaleness)
	if err != nil {
		// Cannot tell whether this was the first session; asserting online
		// for an already-online user is harmless.
		c.logger.WithError(err).Warn("Failed to count active sessions")
		count = 1
	} else {
		metrics.GetRegistry().SetGauge("sessions_active", float64(count), nil, "Active sessions in the shared registry")
	}
	if count <= 1 {
		c.transitionOnline(ctx, "first session registered")
	}
	return nil
}

// UnregisterSession removes a UI session from the shared registry. Only the
// 1→0 count transition flips presence to offline.
func (c *PresenceCoordinator) UnregisterSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()

	if err := c.registry.UnregisterSession(ctx, sessionID); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDatabaseQuery, "failed to unregister session")
	}

	c.logger.WithField(LogFieldSessionID, SanitizeSessionID(sessionID)).Info("Session unregistered")

	count, err := c.registry.CountActiveSessions(ctx, c.timings.SessionStaleness)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to count active sessions")
		return nil
	}
	metrics.GetRegistry().SetGauge("sessions_active", float64(count), nil, "Active sessions in the shared registry")
	if count == 0 {
		c.transitionOffline(ctx, "last session unregistered")
	}
	return nil
}

// SetHidden reacts to the UI's visibility. Going hidden arms a grace timer
// that demotes presence to offline if it elapses while still hidden; becoming
// visible cancels the timer and, if the registry still shows active sessions,
// re-asserts online immediately.
func (c *PresenceCoordinator) SetHidden(ctx context.Context, hidden bool) {
	c.mu.Lock()
	if c.hidden == hidden {
		c.mu.Unlock()
		return
	}
	c.hidden = hidden

	if hidden {
		if c.graceTimer != nil {
			c.graceTimer.Stop()
		}
		runCtx := c.runCtx
		if runCtx == nil {
			runCtx = context.Background()
		}
		c.graceTimer = time.AfterFunc(c.timings.VisibilityGrace, func() {
			c.graceElapsed(runCtx)
		})
		c.mu.Unlock()
		c.logger.Debug("Session hidden, visibility grace timer armed")
		return
	}

	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	c.mu.Unlock()
	c.logger.Debug("Session visible again")

	count, err := c.registry.CountActiveSessions(ctx, c.timings.SessionStaleness)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to count active sessions")
		return
	}
	if count >= 1 {
		c.transitionOnline(ctx, "became visible")
	}
}

func (c *PresenceCoordinator) graceElapsed(ctx context.Context) {
	c.mu.Lock()
	stillHidden := c.hidden
	c.graceTimer = nil
	c.mu.Unlock()

	// Countermanded by becoming visible before the timer fired.
	if !stillHidden {
		return
	}
	c.transitionOffline(ctx, "hidden past grace period")
}

// WatchPeer selects which user's presence the coordinator tracks for the UI
// and fetches a first view right away.
func (c *PresenceCoordinator) WatchPeer(ctx context.Context, userID string) {
	c.mu.Lock()
	changed := c.peerID != userID
	c.peerID = userID
	if changed {
		c.peerView = models.PeerView{}
		c.peerViewSet = false
	}
	c.mu.Unlock()

	if changed && userID != "" {
		c.pollPeerOnce(ctx)
	}
}

// PeerView returns the locally held view of the peer's presence. The bool
// reports whether any view has been established yet.
func (c *PresenceCoordinator) PeerView() (models.PeerView, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerView, c.peerViewSet
}

// SetPeerOnline applies the membership-derived presence signal from the
// realtime channel, a faster path than polling. LastSeen is stamped only on
// the online→offline edge; polling later refines it with the authoritative
// value.
func (c *PresenceCoordinator) SetPeerOnline(online bool) {
	c.mu.Lock()
	view := c.peerView
	view.Online = online
	if !online && c.peerView.Online {
		now := time.Now()
		view.LastSeen = &now
	}
	if c.peerViewSet && c.peerView.Equal(view) {
		c.mu.Unlock()
		return
	}
	c.peerView = view
	c.peerViewSet = true
	c.peerViewVersion++
	peerID := c.peerID
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		LogFieldPeerID: SanitizeUserID(peerID),
		"online":       online,
	}).Debug("Peer presence updated from channel membership")
}

func (c *PresenceCoordinator) transitionOnline(ctx context.Context, reason string) {
	c.mu.Lock()
	wasOnline := c.online
	c.online = true
	c.startHeartbeatLocked()
	c.mu.Unlock()

	if !wasOnline {
		LogPresenceTransition(c.logger, c.userID, true, reason)
		metrics.GetRegistry().IncrementCounter("presence_transitions_total",
			map[string]string{"state": "online"}, "Local presence transitions")
	}
	c.writeOnline(ctx)
}

func (c *PresenceCoordinator) transitionOffline(ctx context.Context, reason string) {
	c.mu.Lock()
	wasOnline := c.online
	c.online = false
	c.stopHeartbeatLocked()
	c.mu.Unlock()

	if wasOnline {
		LogPresenceTransition(c.logger, c.userID, false, reason)
		metrics.GetRegistry().IncrementCounter("presence_transitions_total",
			map[string]string{"state": "offline"}, "Local presence transitions")
	}
	c.writeOffline(ctx)
}

func (c *PresenceCoordinator) writeOnline(ctx context.Context) {
	now := time.Now()
	rec := feedtypes.PresenceRecord{IsOnline: true, LastHeartbeat: &now}
	if err := c.backend.PutPresence(ctx, c.userID, rec); err != nil {
		c.logger.WithError(err).Warn("Failed to write online presence")
		metrics.GetRegistry().IncrementCounter("presence_write_failures_total", nil, "Failed presence writes")
	}
}

func (c *PresenceCoordinator) writeOffline(ctx context.Context) {
	now := time.Now()
	rec := feedtypes.PresenceRecord{IsOnline: false, LastSeen: &now}
	if err := c.backend.PutPresence(ctx, c.userID, rec); err != nil {
		c.logger.WithError(err).Warn("Failed to write offline presence")
		metrics.GetRegistry().IncrementCounter("presence_write_failures_total", nil, "Failed presence writes")
	}
}

func (c *PresenceCoordinator) startHeartbeatLocked() {
	if c.heartbeatStop != nil {
		return
	}
	c.heartbeatStop = make(chan struct{})
	ctx := c.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	go c.heartbeatLoop(ctx, c.heartbeatStop)
}

func (c *PresenceCoordinator) stopHeartbeatLocked() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}

func (c *PresenceCoordinator) heartbeatLoop(ctx context.Context, stop chan struct{}) {
	ticker := time.NewTicker(c.timings.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			c.heartbeatOnce(ctx)
		}
	}
}

func (c *PresenceCoordinator) heartbeatOnce(ctx context.Context) {
	hbCtx, cancel := context.WithTimeout(ctx, time.Duration(constants.DefaultHTTPTimeoutSec)*time.Second)
	defer cancel()

	c.mu.Lock()
	sessions := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		sessions = append(sessions, id)
	}
	online := c.online
	c.mu.Unlock()

	if !online {
		return
	}

	// Keep local registry rows fresh so the staleness prune spares them.
	for _, id := range sessions {
		found, err := c.registry.TouchSession(hbCtx, id)
		if err != nil {
			c.logger.WithError(err).WithField(LogFieldSessionID, SanitizeSessionID(id)).
				Warn("Failed to touch session registry row")
			continue
		}
		if !found {
			// Pruned as stale, likely after a long suspend. Re-register.
			if err := c.registry.RegisterSession(hbCtx, id); err != nil {
				c.logger.WithError(err).WithField(LogFieldSessionID, SanitizeSessionID(id)).
					Warn("Failed to re-register pruned session")
			} else {
				c.logger.WithField(LogFieldSessionID, SanitizeSessionID(id)).
					Info("Re-registered session pruned as stale")
			}
		}
	}

	rec, err := c.backend.GetPresence(hbCtx, c.userID)
	if err != nil {
		c.logger.WithError(err).Warn("Heartbeat presence read failed")
		metrics.GetRegistry().IncrementCounter("presence_heartbeat_failures_total", nil, "Failed heartbeat ticks")
	} else if rec != nil && !rec.IsOnline {
		// A lost write race marked us offline; the write below re-asserts.
		c.logger.Info("Re-asserting online presence after stale write")
		metrics.GetRegistry().IncrementCounter("presence_stale_write_heals_total", nil, "Stale presence writes healed")
	}

	now := time.Now()
	out := feedtypes.PresenceRecord{IsOnline: true, LastHeartbeat: &now}
	if rec != nil {
		out.LastSeen = rec.LastSeen
	}
	if err := c.backend.PutPresence(hbCtx, c.userID, out); err != nil {
		c.logger.WithError(err).Warn("Heartbeat presence write failed")
		metrics.GetRegistry().IncrementCounter("presence_heartbeat_failures_total", nil, "Failed heartbeat ticks")
	}
}

func (c *PresenceCoordinator) livenessLoop(ctx context.Context, stop chan struct{}) {
	ticker := time.NewTicker(c.timings.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			c.livenessCheck(ctx)
		}
	}
}

// livenessCheck self-heals the authoritative record when it claims online
// but the heartbeat has gone stale, which happens when a session crashes
// without unregistering. Healing flips the record offline, so the next check
// sees a consistent record and writes nothing further.
func (c *PresenceCoordinator) livenessCheck(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, time.Duration(constants.DefaultHTTPTimeoutSec)*time.Second)
	defer cancel()

	rec, err := c.backend.GetPresence(checkCtx, c.userID)
	if err != nil {
		c.logger.WithError(err).Debug("Liveness presence read failed")
		return
	}
	if rec == nil || !rec.IsOnline {
		return
	}

	stale := rec.LastHeartbeat == nil || time.Since(*rec.LastHeartbeat) > c.timings.LivenessThreshold
	if !stale {
		return
	}

	lastSeen := rec.LastHeartbeat
	if lastSeen == nil {
		now := time.Now()
		lastSeen = &now
	}
	out := feedtypes.PresenceRecord{IsOnline: false, LastSeen: lastSeen}
	if err := c.backend.PutPresence(checkCtx, c.userID, out); err != nil {
		c.logger.WithError(err).Warn("Failed to self-heal stale presence record")
		return
	}

	c.logger.WithField(LogFieldUserID, SanitizeUserID(c.userID)).
		Warn("Self-healed stale presence record to offline")
	metrics.GetRegistry().IncrementCounter("presence_liveness_corrections_total", nil, "Stale presence records healed")
}

func (c *PresenceCoordinator) peerPollLoop(ctx context.Context, stop chan struct{}) {
	ticker := time.NewTicker(c.timings.PeerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			c.pollPeerOnce(ctx)
		}
	}
}

func (c *PresenceCoordinator) pollPeerOnce(ctx context.Context) {
	c.mu.Lock()
	peerID := c.peerID
	c.mu.Unlock()

	if peerID == "" {
		return
	}

	pollCtx, cancel := context.WithTimeout(ctx, time.Duration(constants.DefaultHTTPTimeoutSec)*time.Second)
	defer cancel()

	rec, err := c.backend.GetPresence(pollCtx, peerID)
	if err != nil {
		c.logger.WithError(err).Debug("Peer presence poll failed")
		return
	}

	view := models.PeerView{}
	if rec != nil {
		view.Online = rec.IsOnline
		view.LastSeen = rec.LastSeen
	}

	c.mu.Lock()
	if c.peerID != peerID {
		c.mu.Unlock()
		return
	}
	if c.peerViewSet && c.peerView.Equal(view) {
		c.mu.Unlock()
		return
	}
	c.peerView = view
	c.peerViewSet = true
	c.peerViewVersion++
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		LogFieldPeerID: SanitizeUserID(peerID),
		"online":       view.Online,
	}).Debug("Peer presence updated from poll")
}
