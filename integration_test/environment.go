package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"chatwire/internal/database"
	"chatwire/internal/retry"
	"chatwire/internal/service"
	"chatwire/pkg/feedapi"
	feedtypes "chatwire/pkg/feedapi/types"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// feedWriteTimeout bounds a single frame write so one stuck subscriber
// cannot stall a broadcast.
const feedWriteTimeout = 2 * time.Second

// TestEnvironment bundles everything one integration test needs: a fake
// backend, a real profile store on disk, and factories that wire real
// engines against both.
type TestEnvironment struct {
	t         *testing.T
	name      string
	backend   *FakeBackend
	store     *database.Database
	storePath string
	logger    *logrus.Logger
	cleanup   []func()
	startTime time.Time
}

// NewTestEnvironment creates a complete test environment: fake backend up,
// profile store initialized.
func NewTestEnvironment(t *testing.T, name string) *TestEnvironment {
	env := &TestEnvironment{
		t:         t,
		name:      fmt.Sprintf("%s_%d", name, time.Now().UnixNano()),
		logger:    newTestLogger(),
		cleanup:   make([]func(), 0),
		startTime: time.Now(),
	}

	env.backend = NewFakeBackend()
	env.cleanup = append(env.cleanup, env.backend.Close)

	store, storePath, storeCleanup := NewTestStore(t, nil)
	env.store = store
	env.storePath = storePath
	env.cleanup = append(env.cleanup, storeCleanup)

	return env
}

// Cleanup tears down all test resources in reverse creation order.
func (env *TestEnvironment) Cleanup() {
	for i := len(env.cleanup) - 1; i >= 0; i-- {
		env.cleanup[i]()
	}
}

// Backend returns the fake backend for injection and inspection.
func (env *TestEnvironment) Backend() *FakeBackend {
	return env.backend
}

// Store returns the shared profile store.
func (env *TestEnvironment) Store() *database.Database {
	return env.store
}

// NewFeedClient builds a real feed API client pointed at the fake backend.
func (env *TestEnvironment) NewFeedClient() feedapi.Client {
	return feedapi.NewClientWithLogger(feedtypes.ClientConfig{
		BaseURL: env.backend.RESTURL(),
		FeedURL: env.backend.FeedURL(),
		Timeout: 5 * time.Second,
	}, env.logger)
}

// FastTimings compresses the presence schedule so transitions land within
// test patience.
func FastTimings() service.PresenceTimings {
	return service.PresenceTimings{
		HeartbeatInterval:  50 * time.Millisecond,
		LivenessInterval:   100 * time.Millisecond,
		LivenessThreshold:  500 * time.Millisecond,
		PeerPollInterval:   50 * time.Millisecond,
		VisibilityGrace:    100 * time.Millisecond,
		SessionStaleness:   5 * time.Second,
		PeerPollingEnabled: true,
	}
}

// FastEngineConfig compresses the retry schedule the same way. Jitter is off
// so attempt counts stay deterministic.
func FastEngineConfig(userID, peerID string) service.EngineConfig {
	return service.EngineConfig{
		UserID:        userID,
		PeerUserID:    peerID,
		BackfillLimit: 50,
		TombstoneTTL:  time.Hour,
		MountBackoff: retry.BackoffConfig{
			InitialDelay: 20 * time.Millisecond,
			MaxDelay:     100 * time.Millisecond,
			Multiplier:   2.0,
			MaxAttempts:  3,
			Jitter:       false,
		},
		SteadyRetry:         50 * time.Millisecond,
		MaintenanceInterval: time.Hour,
		SessionStaleness:    5 * time.Second,
	}
}

// NewEngine wires a running engine against the fake backend and the shared
// profile store. Engines created from one environment share that store, so
// several of them model several daemon sessions of the same profile.
func (env *TestEnvironment) NewEngine(userID, peerID, sessionID string) *service.Engine {
	return env.NewEngineWithTimings(userID, peerID, sessionID, FastTimings())
}

// NewEngineWithTimings is NewEngine with a custom presence schedule.
func (env *TestEnvironment) NewEngineWithTimings(userID, peerID, sessionID string, timings service.PresenceTimings) *service.Engine {
	client := env.NewFeedClient()
	presence := service.NewPresenceCoordinatorWithTimings(env.store, client, userID, timings, env.logger)
	bus := service.NewDeletionBusWithIntervals(env.store, sessionID, 50*time.Millisecond, time.Hour, env.logger)
	engine := service.NewEngine(client, service.SubscriberFromClient(client), presence, bus, env.store,
		FastEngineConfig(userID, peerID), env.logger)

	ctx, cancel := context.WithCancel(context.Background())
	engine.Start(ctx)

	env.cleanup = append(env.cleanup, func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		engine.Shutdown(shutdownCtx)
		shutdownCancel()
		cancel()
	})
	return engine
}

// WaitForCondition polls until the condition holds or the timeout elapses.
func (env *TestEnvironment) WaitForCondition(condition func() bool, timeout, checkInterval time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(checkInterval)
	}
	return false
}

// WaitForChannelState waits until the engine reports the chat's channel in
// the given state.
func (env *TestEnvironment) WaitForChannelState(engine *service.Engine, chatID string, state service.ChannelState) bool {
	return env.WaitForCondition(func() bool {
		for _, ch := range engine.Status().Channels {
			if ch.ChatID == chatID && ch.State == state {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}

// FakeBackend is an in-process stand-in for the chat backend: the REST
// message and presence API plus the websocket change feed, sharing one
// in-memory table set. Tests script failures per endpoint and inject rows
// as if another client had written them.
type FakeBackend struct {
	server *httptest.Server

	mu          sync.Mutex
	messages    map[string][]feedtypes.Message
	presence    map[string]feedtypes.PresenceRecord
	nextID      int
	subscribers map[string]map[*feedSubscriber]struct{}
	members     map[string]map[string]int
	requests    map[string]int
	failures    map[string]int
	refuseFeed  bool
}

// feedSubscriber is one live feed connection on the server side.
type feedSubscriber struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	chatID string
	userID string

	writeMu sync.Mutex
}

// NewFakeBackend starts the fake backend and returns it ready to serve.
func NewFakeBackend() *FakeBackend {
	b := &FakeBackend{
		messages:    make(map[string][]feedtypes.Message),
		presence:    make(map[string]feedtypes.PresenceRecord),
		subscribers: make(map[string]map[*feedSubscriber]struct{}),
		members:     make(map[string]map[string]int),
		requests:    make(map[string]int),
		failures:    make(map[string]int),
	}

	router := mux.NewRouter()
	router.HandleFunc("/v1/health", b.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/v1/messages", b.handleInsert).Methods(http.MethodPost)
	router.HandleFunc("/v1/conversations/{chatID}/messages", b.handleList).Methods(http.MethodGet)
	router.HandleFunc("/v1/conversations/{chatID}/messages/{messageID}", b.handleDelete).Methods(http.MethodDelete)
	router.HandleFunc("/v1/presence/{userID}", b.handleGetPresence).Methods(http.MethodGet)
	router.HandleFunc("/v1/presence/{userID}", b.handlePutPresence).Methods(http.MethodPut)
	router.HandleFunc("/feed", b.handleFeed)

	b.server = httptest.NewServer(router)
	return b
}

// RESTURL returns the base URL of the REST API.
func (b *FakeBackend) RESTURL() string {
	return b.server.URL
}

// FeedURL returns the websocket URL of the change feed.
func (b *FakeBackend) FeedURL() string {
	return strings.Replace(b.server.URL, "http://", "ws://", 1) + "/feed"
}

// Close drops every feed connection and stops the server.
func (b *FakeBackend) Close() {
	b.DisconnectFeeds("")
	b.server.CloseClientConnections()
	b.server.Close()
}

// CountRequests returns how many requests reached the named endpoint.
func (b *FakeBackend) CountRequests(endpoint string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[endpoint]
}

// SetFailures makes the next n requests to the named endpoint fail with a
// server error.
func (b *FakeBackend) SetFailures(endpoint string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[endpoint] = n
}

// SetFeedRefused toggles whether new feed connections are refused before the
// websocket upgrade.
func (b *FakeBackend) SetFeedRefused(refused bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refuseFeed = refused
}

// InjectMessage appends a message as if another client had inserted it and
// broadcasts the change to the chat's subscribers.
func (b *FakeBackend) InjectMessage(chatID, senderID, content string) feedtypes.Message {
	b.mu.Lock()
	b.nextID++
	msg := feedtypes.Message{
		ID:        fmt.Sprintf("srv-%d", b.nextID),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   &content,
		CreatedAt: time.Now().UTC(),
	}
	b.messages[chatID] = append(b.messages[chatID], msg)
	subs := b.chatSubscribersLocked(chatID)
	b.mu.Unlock()

	broadcastChange(subs, feedtypes.OpInsert, msg)
	return msg
}

// InjectDeletion removes a message as if another client had deleted it and
// broadcasts the change.
func (b *FakeBackend) InjectDeletion(chatID, messageID string) {
	b.mu.Lock()
	b.removeMessageLocked(chatID, messageID)
	subs := b.chatSubscribersLocked(chatID)
	b.mu.Unlock()

	broadcastChange(subs, feedtypes.OpDelete, feedtypes.Message{ID: messageID, ChatID: chatID})
}

// Messages returns a snapshot of the chat's stored rows.
func (b *FakeBackend) Messages(chatID string) []feedtypes.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]feedtypes.Message, len(b.messages[chatID]))
	copy(out, b.messages[chatID])
	return out
}

// SetPresence writes a presence record directly, as the peer's own daemon
// would through the REST API.
func (b *FakeBackend) SetPresence(userID string, rec feedtypes.PresenceRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.presence[userID] = rec
}

// Presence reads back a stored presence record.
func (b *FakeBackend) Presence(userID string) (feedtypes.PresenceRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.presence[userID]
	return rec, ok
}

// TrackMember adds a user to the chat's member set, as the peer's client
// would by sending a track frame, and broadcasts the new set.
func (b *FakeBackend) TrackMember(chatID, userID string) {
	b.mu.Lock()
	b.trackLocked(chatID, userID)
	subs := b.chatSubscribersLocked(chatID)
	members := b.memberSetLocked(chatID)
	b.mu.Unlock()

	broadcastMembers(subs, members)
}

// UntrackMember removes a user from the chat's member set and broadcasts.
func (b *FakeBackend) UntrackMember(chatID, userID string) {
	b.mu.Lock()
	b.untrackLocked(chatID, userID)
	subs := b.chatSubscribersLocked(chatID)
	members := b.memberSetLocked(chatID)
	b.mu.Unlock()

	broadcastMembers(subs, members)
}

// DisconnectFeeds force-closes the feed connections of one chat, or of every
// chat when chatID is empty, simulating a transport loss.
func (b *FakeBackend) DisconnectFeeds(chatID string) {
	b.mu.Lock()
	var dropped []*feedSubscriber
	for id, subs := range b.subscribers {
		if chatID != "" && id != chatID {
			continue
		}
		for sub := range subs {
			dropped = append(dropped, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range dropped {
		_ = sub.conn.Close(websocket.StatusGoingAway, "connection dropped")
		sub.cancel()
	}
}

// REST handlers

func (b *FakeBackend) handleHealth(w http.ResponseWriter, r *http.Request) {
	b.countRequest("health")
	writeBackendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (b *FakeBackend) handleInsert(w http.ResponseWriter, r *http.Request) {
	var req feedtypes.NewMessage
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBackendJSON(w, http.StatusBadRequest, feedtypes.ErrorResponse{Error: "invalid body"})
		return
	}

	b.mu.Lock()
	if b.failures["insert"] > 0 {
		b.failures["insert"]--
		b.mu.Unlock()
		writeBackendJSON(w, http.StatusInternalServerError, feedtypes.ErrorResponse{Error: "temporary failure"})
		return
	}
	b.requests["insert"]++
	b.nextID++
	msg := feedtypes.Message{
		ID:        fmt.Sprintf("srv-%d", b.nextID),
		ChatID:    req.ChatID,
		SenderID:  req.SenderID,
		Content:   req.Content,
		MediaURL:  req.MediaURL,
		MediaType: req.MediaType,
		CreatedAt: time.Now().UTC(),
	}
	b.messages[req.ChatID] = append(b.messages[req.ChatID], msg)
	subs := b.chatSubscribersLocked(req.ChatID)
	b.mu.Unlock()

	broadcastChange(subs, feedtypes.OpInsert, msg)
	writeBackendJSON(w, http.StatusCreated, msg)
}

func (b *FakeBackend) handleList(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["chatID"]
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	b.mu.Lock()
	b.requests["list"]++
	rows := b.messages[chatID]
	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	out := make([]feedtypes.Message, len(rows))
	copy(out, rows)
	b.mu.Unlock()

	writeBackendJSON(w, http.StatusOK, feedtypes.ListMessagesResponse{Messages: out})
}

func (b *FakeBackend) handleDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	chatID, messageID := vars["chatID"], vars["messageID"]

	b.mu.Lock()
	if b.failures["delete"] > 0 {
		b.failures["delete"]--
		b.mu.Unlock()
		writeBackendJSON(w, http.StatusInternalServerError, feedtypes.ErrorResponse{Error: "temporary failure"})
		return
	}
	b.requests["delete"]++
	found := b.removeMessageLocked(chatID, messageID)
	subs := b.chatSubscribersLocked(chatID)
	b.mu.Unlock()

	if !found {
		writeBackendJSON(w, http.StatusNotFound, feedtypes.ErrorResponse{Error: "message not found"})
		return
	}
	broadcastChange(subs, feedtypes.OpDelete, feedtypes.Message{ID: messageID, ChatID: chatID})
	w.WriteHeader(http.StatusNoContent)
}

func (b *FakeBackend) handleGetPresence(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	b.mu.Lock()
	b.requests["presence_get"]++
	rec, ok := b.presence[userID]
	b.mu.Unlock()

	if !ok {
		writeBackendJSON(w, http.StatusNotFound, feedtypes.ErrorResponse{Error: "no presence record"})
		return
	}
	writeBackendJSON(w, http.StatusOK, rec)
}

func (b *FakeBackend) handlePutPresence(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	var rec feedtypes.PresenceRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeBackendJSON(w, http.StatusBadRequest, feedtypes.ErrorResponse{Error: "invalid body"})
		return
	}

	b.mu.Lock()
	b.requests["presence_put"]++
	b.presence[userID] = rec
	b.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

// Feed handler

func (b *FakeBackend) handleFeed(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.requests["feed_dial"]++
	refused := b.refuseFeed
	b.mu.Unlock()

	if refused {
		http.Error(w, "feed unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &feedSubscriber{conn: conn, ctx: ctx, cancel: cancel}
	defer b.dropSubscriber(sub)

	for {
		var frame feedtypes.Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return
		}

		switch frame.Type {
		case feedtypes.FrameSubscribe:
			var req feedtypes.SubscribeRequest
			if err := json.Unmarshal(frame.Payload, &req); err != nil {
				continue
			}
			sub.chatID = req.ChatID

			b.mu.Lock()
			b.requests["subscribe"]++
			if b.subscribers[req.ChatID] == nil {
				b.subscribers[req.ChatID] = make(map[*feedSubscriber]struct{})
			}
			b.subscribers[req.ChatID][sub] = struct{}{}
			members := b.memberSetLocked(req.ChatID)
			b.mu.Unlock()

			sub.write(feedtypes.FrameStatus, feedtypes.StatusPayload{Status: feedtypes.StatusSubscribing})
			sub.write(feedtypes.FrameStatus, feedtypes.StatusPayload{Status: feedtypes.StatusSubscribed})
			sub.write(feedtypes.FramePresenceState, feedtypes.PresenceStatePayload{Members: members})

		case feedtypes.FrameTrack:
			var req feedtypes.TrackRequest
			if err := json.Unmarshal(frame.Payload, &req); err != nil {
				continue
			}

			b.mu.Lock()
			b.requests["track"]++
			sub.userID = req.UserID
			b.trackLocked(sub.chatID, req.UserID)
			subs := b.chatSubscribersLocked(sub.chatID)
			members := b.memberSetLocked(sub.chatID)
			b.mu.Unlock()

			broadcastMembers(subs, members)
		}
	}
}

func (b *FakeBackend) dropSubscriber(sub *feedSubscriber) {
	sub.cancel()
	_ = sub.conn.CloseNow()

	b.mu.Lock()
	if subs, ok := b.subscribers[sub.chatID]; ok {
		delete(subs, sub)
	}
	var subs []*feedSubscriber
	var members []string
	left := sub.userID != ""
	if left {
		b.untrackLocked(sub.chatID, sub.userID)
		subs = b.chatSubscribersLocked(sub.chatID)
		members = b.memberSetLocked(sub.chatID)
	}
	b.mu.Unlock()

	if left {
		broadcastMembers(subs, members)
	}
}

// Locked helpers; callers hold b.mu.

func (b *FakeBackend) chatSubscribersLocked(chatID string) []*feedSubscriber {
	out := make([]*feedSubscriber, 0, len(b.subscribers[chatID]))
	for sub := range b.subscribers[chatID] {
		out = append(out, sub)
	}
	return out
}

func (b *FakeBackend) removeMessageLocked(chatID, messageID string) bool {
	rows := b.messages[chatID]
	for i, row := range rows {
		if row.ID == messageID {
			b.messages[chatID] = append(rows[:i], rows[i+1:]...)
			return true
		}
	}
	return false
}

func (b *FakeBackend) trackLocked(chatID, userID string) {
	if b.members[chatID] == nil {
		b.members[chatID] = make(map[string]int)
	}
	b.members[chatID][userID]++
}

func (b *FakeBackend) untrackLocked(chatID, userID string) {
	if b.members[chatID] == nil {
		return
	}
	b.members[chatID][userID]--
	if b.members[chatID][userID] <= 0 {
		delete(b.members[chatID], userID)
	}
}

func (b *FakeBackend) memberSetLocked(chatID string) []string {
	out := make([]string, 0, len(b.members[chatID]))
	for userID := range b.members[chatID] {
		out = append(out, userID)
	}
	return out
}

func (b *FakeBackend) countRequest(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests[endpoint]++
}

func broadcastChange(subs []*feedSubscriber, op feedtypes.ChangeOp, row feedtypes.Message) {
	for _, sub := range subs {
		sub.write(feedtypes.FrameChange, feedtypes.ChangePayload{Op: op, Row: row})
	}
}

func broadcastMembers(subs []*feedSubscriber, members []string) {
	for _, sub := range subs {
		sub.write(feedtypes.FramePresenceState, feedtypes.PresenceStatePayload{Members: members})
	}
}

func (s *feedSubscriber) write(frameType feedtypes.FrameType, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, feedWriteTimeout)
	defer cancel()
	_ = wsjson.Write(ctx, s.conn, feedtypes.Frame{Type: frameType, Payload: data})
}

func writeBackendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}
