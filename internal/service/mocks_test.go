package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chatwire/internal/models"
	feedtypes "chatwire/pkg/feedapi/types"
)

// fakeBackend scripts the backend REST surface. It serves both the engine's
// message calls and the coordinator's presence calls.
type fakeBackend struct {
	mu         sync.Mutex
	insertErr  error
	deleteErr  error
	listErr    error
	getErr     error
	putErr     error
	listResult []feedtypes.Message
	presence   map[string]*feedtypes.PresenceRecord

	inserted  []feedtypes.NewMessage
	deleted   []string
	listCalls int
	putLog    []presencePut
	nextID    int
}

type presencePut struct {
	userID string
	rec    feedtypes.PresenceRecord
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{presence: make(map[string]*feedtypes.PresenceRecord)}
}

func (f *fakeBackend) InsertMessage(ctx context.Context, msg feedtypes.NewMessage) (*feedtypes.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	f.inserted = append(f.inserted, msg)
	f.nextID++
	row := feedtypes.Message{
		ID:        fmt.Sprintf("srv-%d", f.nextID),
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		MediaURL:  msg.MediaURL,
		MediaType: msg.MediaType,
		CreatedAt: time.Now(),
	}
	return &row, nil
}

func (f *fakeBackend) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, chatID+"/"+messageID)
	return nil
}

func (f *fakeBackend) ListMessages(ctx context.Context, chatID string, limit int) ([]feedtypes.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]feedtypes.Message, len(f.listResult))
	copy(out, f.listResult)
	return out, nil
}

func (f *fakeBackend) GetPresence(ctx context.Context, userID string) (*feedtypes.PresenceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	rec, ok := f.presence[userID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeBackend) PutPresence(ctx context.Context, userID string, rec feedtypes.PresenceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	cp := rec
	f.presence[userID] = &cp
	f.putLog = append(f.putLog, presencePut{userID: userID, rec: rec})
	return nil
}

func (f *fakeBackend) setPresence(userID string, rec feedtypes.PresenceRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := rec
	f.presence[userID] = &cp
}

func (f *fakeBackend) presenceOf(userID string) *feedtypes.PresenceRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.presence[userID]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

func (f *fakeBackend) putsFor(userID string) []feedtypes.PresenceRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []feedtypes.PresenceRecord
	for _, p := range f.putLog {
		if p.userID == userID {
			out = append(out, p.rec)
		}
	}
	return out
}

func (f *fakeBackend) insertedMessages() []feedtypes.NewMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]feedtypes.NewMessage, len(f.inserted))
	copy(out, f.inserted)
	return out
}

func (f *fakeBackend) deletedMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.deleted))
	copy(out, f.deleted)
	return out
}

// fakeSessionStore is an in-memory session registry.
type fakeSessionStore struct {
	mu            sync.Mutex
	rows          map[string]time.Time
	registerErr   error
	touchErr      error
	unregisterErr error
	countErr      error
	registerCalls int
	touchCalls    int
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{rows: make(map[string]time.Time)}
}

func (f *fakeSessionStore) RegisterSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return f.registerErr
	}
	f.registerCalls++
	f.rows[sessionID] = time.Now()
	return nil
}

func (f *fakeSessionStore) TouchSession(ctx context.Context, sessionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.touchErr != nil {
		return false, f.touchErr
	}
	f.touchCalls++
	if _, ok := f.rows[sessionID]; !ok {
		return false, nil
	}
	f.rows[sessionID] = time.Now()
	return true, nil
}

func (f *fakeSessionStore) UnregisterSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unregisterErr != nil {
		return f.unregisterErr
	}
	delete(f.rows, sessionID)
	return nil
}

func (f *fakeSessionStore) CountActiveSessions(ctx context.Context, within time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countErr != nil {
		return 0, f.countErr
	}
	cutoff := time.Now().Add(-within)
	count := 0
	for _, last := range f.rows {
		if last.After(cutoff) {
			count++
		}
	}
	return count, nil
}

func (f *fakeSessionStore) PruneStaleSessions(ctx context.Context, olderThan time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var pruned int64
	for id, last := range f.rows {
		if last.Before(cutoff) {
			delete(f.rows, id)
			pruned++
		}
	}
	return pruned, nil
}

func (f *fakeSessionStore) dropRow(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, sessionID)
}

func (f *fakeSessionStore) hasRow(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rows[sessionID]
	return ok
}

// fakeDeletionStore is an in-memory deletion record log.
type fakeDeletionStore struct {
	mu        sync.Mutex
	records   []models.DeletionRecord
	nextID    int64
	appendErr error
	listErr   error
	latestErr error
}

func newFakeDeletionStore() *fakeDeletionStore {
	return &fakeDeletionStore{}
}

func (f *fakeDeletionStore) AppendDeletion(ctx context.Context, rec *models.DeletionRecord) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return 0, f.appendErr
	}
	f.nextID++
	stored := *rec
	stored.ID = f.nextID
	if stored.PublishedAt.IsZero() {
		stored.PublishedAt = time.Now()
	}
	f.records = append(f.records, stored)
	return f.nextID, nil
}

func (f *fakeDeletionStore) ListDeletionsSince(ctx context.Context, sinceID int64) ([]models.DeletionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []models.DeletionRecord
	for _, rec := range f.records {
		if rec.ID > sinceID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeDeletionStore) LatestDeletionID(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latestErr != nil {
		return 0, f.latestErr
	}
	return f.nextID, nil
}

func (f *fakeDeletionStore) SweepDeletions(ctx context.Context, retention time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-retention)
	kept := f.records[:0]
	var removed int64
	for _, rec := range f.records {
		if rec.PublishedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	f.records = kept
	return removed, nil
}

// fakeStream is a scriptable feed stream for channel tests.
type fakeStream struct {
	mu      sync.Mutex
	events  chan feedtypes.Event
	tracked []string
	closed  bool
	err     error
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan feedtypes.Event, 16)}
}

func (s *fakeStream) Events() <-chan feedtypes.Event {
	return s.events
}

func (s *fakeStream) Track(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracked = append(s.tracked, userID)
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// emit delivers an event to the consumer. Panics if the stream was closed,
// which would be a test sequencing bug.
func (s *fakeStream) emit(ev feedtypes.Event) {
	s.events <- ev
}

// fail terminates the stream with an error, as a dropped connection would.
func (s *fakeStream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.events)
}

func (s *fakeStream) trackedUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.tracked))
	copy(out, s.tracked)
	return out
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func subscribedEvent() feedtypes.Event {
	return feedtypes.Event{
		Type:   feedtypes.FrameStatus,
		Status: &feedtypes.StatusPayload{Status: feedtypes.StatusSubscribed},
	}
}

func errorStatusEvent(reason string) feedtypes.Event {
	return feedtypes.Event{
		Type:   feedtypes.FrameStatus,
		Status: &feedtypes.StatusPayload{Status: feedtypes.StatusError, Reason: reason},
	}
}

func insertEvent(msg feedtypes.Message) feedtypes.Event {
	return feedtypes.Event{
		Type:   feedtypes.FrameChange,
		Change: &feedtypes.ChangePayload{Op: feedtypes.OpInsert, Row: msg},
	}
}

func deleteEvent(chatID, messageID string) feedtypes.Event {
	return feedtypes.Event{
		Type:   feedtypes.FrameChange,
		Change: &feedtypes.ChangePayload{Op: feedtypes.OpDelete, Row: feedtypes.Message{ID: messageID, ChatID: chatID}},
	}
}

func membershipEvent(members ...string) feedtypes.Event {
	return feedtypes.Event{Type: feedtypes.FramePresenceState, Members: members}
}

// subscribeResult is one scripted answer from the fake subscriber.
type subscribeResult struct {
	stream *fakeStream
	err    error
}

// fakeSubscriber hands out scripted streams in order. With auto set, it mints
// a fresh pre-acknowledged stream once the script runs out, which lets engine
// tests connect without orchestrating frames.
type fakeSubscriber struct {
	mu      sync.Mutex
	results []subscribeResult
	auto    bool
	calls   []time.Time
	chatIDs []string
	streams []*fakeStream
}

func newFakeSubscriber(results ...subscribeResult) *fakeSubscriber {
	return &fakeSubscriber{results: results}
}

func newAutoSubscriber() *fakeSubscriber {
	return &fakeSubscriber{auto: true}
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, chatID string) (FeedStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, time.Now())
	f.chatIDs = append(f.chatIDs, chatID)

	if len(f.results) > 0 {
		res := f.results[0]
		f.results = f.results[1:]
		if res.err != nil {
			return nil, res.err
		}
		f.streams = append(f.streams, res.stream)
		return res.stream, nil
	}
	if f.auto {
		stream := newFakeStream()
		stream.events <- subscribedEvent()
		f.streams = append(f.streams, stream)
		return stream, nil
	}
	return nil, fmt.Errorf("no scripted subscribe result")
}

func (f *fakeSubscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSubscriber) callTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Time, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeSubscriber) lastStream() *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[len(f.streams)-1]
}

// fakeOpener scripts the supervisor's view of the channel.
type fakeOpener struct {
	mu      sync.Mutex
	results []error
	last    error
	calls   []time.Time
}

// newFakeOpener scripts Open outcomes in order; the final value repeats once
// the script runs out.
func newFakeOpener(results ...error) *fakeOpener {
	f := &fakeOpener{results: results}
	if len(results) > 0 {
		f.last = results[len(results)-1]
	}
	return f
}

func (f *fakeOpener) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, time.Now())
	if len(f.results) > 0 {
		err := f.results[0]
		f.results = f.results[1:]
		return err
	}
	return f.last
}

func (f *fakeOpener) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeOpener) callTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Time, len(f.calls))
	copy(out, f.calls)
	return out
}

// waitFor polls until the condition holds or the deadline passes. Background
// loops in these services have no completion signal to block on.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func strPtr(s string) *string {
	return &s
}

func timePtr(t time.Time) *time.Time {
	return &t
}
