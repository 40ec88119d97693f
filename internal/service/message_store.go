package service

import (
	"sync"
	"time"

	"chatwire/internal/constants"
	"chatwire/internal/models"
	"chatwire/internal/privacy"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MessageStore is the ordered, deduplicated message log for one conversation.
// Locally sent messages enter as pending entries under a temporary id and are
// reconciled in place when the backend confirms them; feed events apply
// idempotently, so duplicated or reordered delivery across reconnects is
// absorbed here. Deleted ids are tombstoned so a late confirmation or replayed
// insert cannot resurrect a message.
type MessageStore struct {
	chatID string
	selfID string
	ttl    time.Duration
	logger *logrus.Logger

	mu         sync.Mutex
	entries    []models.Entry
	ids        map[string]struct{}
	tombstones map[string]time.Time
}

// NewMessageStore creates a message log for one conversation with the default
// tombstone TTL.
func NewMessageStore(chatID, selfID string, logger *logrus.Logger) *MessageStore {
	return NewMessageStoreWithTTL(chatID, selfID, time.Duration(constants.DefaultTombstoneTTLSec)*time.Second, logger)
}

// NewMessageStoreWithTTL creates a message log with a custom tombstone TTL.
func NewMessageStoreWithTTL(chatID, selfID string, tombstoneTTL time.Duration, logger *logrus.Logger) *MessageStore {
	if tombstoneTTL <= 0 {
		tombstoneTTL = time.Duration(constants.DefaultTombstoneTTLSec) * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &MessageStore{
		chatID:     chatID,
		selfID:     selfID,
		ttl:        tombstoneTTL,
		logger:     logger,
		ids:        make(map[string]struct{}),
		tombstones: make(map[string]time.Time),
	}
}

// ChatID returns the conversation this log belongs to.
func (s *MessageStore) ChatID() string {
	return s.chatID
}

// AppendPending inserts a pending entry for a locally authored draft at the
// tail of the log and returns its temporary id.
func (s *MessageStore) AppendPending(draft models.Draft) string {
	tempID := privacy.TempIDPrefix + uuid.New().String()
	entry := models.Entry{
		State:  models.EntryStatePending,
		TempID: tempID,
		Message: models.Message{
			ChatID:    s.chatID,
			SenderID:  s.selfID,
			Content:   draft.Content,
			MediaURL:  draft.MediaURL,
			MediaType: draft.MediaType,
			CreatedAt: time.Now(),
		},
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, entry)
	s.ids[tempID] = struct{}{}
	return tempID
}

// Confirm reconciles a pending entry with the message the backend accepted.
// The entry is replaced in place, keeping its optimistic position. If the
// confirmed id was deleted before the confirmation arrived, or the feed
// already delivered the same message, the pending entry is discarded instead;
// both outcomes report false.
func (s *MessageStore) Confirm(tempID string, confirmed models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.findLocked(tempID)
	if idx < 0 || s.entries[idx].State != models.EntryStatePending {
		return false
	}

	if s.liveTombstoneLocked(confirmed.ID, time.Now()) {
		// The delete wins regardless of arrival order.
		s.removeLocked(idx)
		s.logger.WithFields(logrus.Fields{
			LogFieldChatID:    SanitizeChatID(s.chatID),
			LogFieldMessageID: SanitizeMessageID(confirmed.ID),
		}).Debug("Dropping confirmation for deleted message")
		return false
	}

	if _, dup := s.ids[confirmed.ID]; dup {
		// The feed delivered the insert before the confirmation came back.
		s.removeLocked(idx)
		s.logger.WithFields(logrus.Fields{
			LogFieldChatID:    SanitizeChatID(s.chatID),
			LogFieldMessageID: SanitizeMessageID(confirmed.ID),
		}).Debug("Dropping optimistic copy of already delivered message")
		return false
	}

	delete(s.ids, tempID)
	s.ids[confirmed.ID] = struct{}{}
	s.entries[idx] = models.Entry{State: models.EntryStateConfirmed, Message: confirmed}
	return true
}

// Rollback removes a pending entry and returns the original draft so the
// caller can re-offer it for retry without data loss.
func (s *MessageStore) Rollback(tempID string) (models.Draft, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.findLocked(tempID)
	if idx < 0 || s.entries[idx].State != models.EntryStatePending {
		return models.Draft{}, false
	}

	msg := s.entries[idx].Message
	s.removeLocked(idx)
	return models.Draft{
		Content:   msg.Content,
		MediaURL:  msg.MediaURL,
		MediaType: msg.MediaType,
	}, true
}

// ApplyInsert adds a message delivered by the feed, in creation order with
// ties broken by arrival order. Messages already present or tombstoned are
// dropped; the optimistic path and the remote feed can both deliver the same
// insert.
func (s *MessageStore) ApplyInsert(msg models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.liveTombstoneLocked(msg.ID, time.Now()) {
		s.logger.WithFields(logrus.Fields{
			LogFieldChatID:    SanitizeChatID(s.chatID),
			LogFieldMessageID: SanitizeMessageID(msg.ID),
		}).Debug("Dropping insert for tombstoned message")
		return false
	}

	if _, exists := s.ids[msg.ID]; exists {
		s.logger.WithFields(logrus.Fields{
			LogFieldChatID:    SanitizeChatID(s.chatID),
			LogFieldMessageID: SanitizeMessageID(msg.ID),
		}).Debug("Dropping duplicate insert")
		return false
	}

	s.insertOrderedLocked(models.Entry{State: models.EntryStateConfirmed, Message: msg})
	s.ids[msg.ID] = struct{}{}
	return true
}

// ApplyDelete removes the matching entry if present and tombstones the id.
// Idempotent; the tombstone is refreshed either way so a delete observed
// through several channels keeps suppressing resurrection.
func (s *MessageStore) ApplyDelete(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tombstones[messageID] = time.Now().Add(s.ttl)

	idx := s.findLocked(messageID)
	if idx < 0 {
		return false
	}
	s.removeLocked(idx)
	return true
}

// Snapshot returns an ordered copy of the log for the UI.
func (s *MessageStore) Snapshot() []models.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len returns the number of entries in the log.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// PendingCount returns how many entries are still awaiting confirmation.
func (s *MessageStore) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, e := range s.entries {
		if e.State == models.EntryStatePending {
			count++
		}
	}
	return count
}

// StalePendingIDs returns temporary ids of pending entries older than the
// given age. The maintenance loop warns about these; a pending entry that old
// usually means a send whose confirmation was lost.
func (s *MessageStore) StalePendingIDs(olderThan time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var stale []string
	for _, e := range s.entries {
		if e.State == models.EntryStatePending && e.Message.CreatedAt.Before(cutoff) {
			stale = append(stale, e.TempID)
		}
	}
	return stale
}

// SweepTombstones drops expired tombstones and returns how many were removed.
// Expiry is also checked lazily on access, so this only bounds memory.
func (s *MessageStore) SweepTombstones() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, expiry := range s.tombstones {
		if now.After(expiry) {
			delete(s.tombstones, id)
			removed++
		}
	}
	return removed
}

func (s *MessageStore) findLocked(logicalID string) int {
	for i, e := range s.entries {
		if e.LogicalID() == logicalID {
			return i
		}
	}
	return -1
}

func (s *MessageStore) removeLocked(idx int) {
	delete(s.ids, s.entries[idx].LogicalID())
	s.entries = append(s.entries[:idx], s.entries[idx+1:]...)
}

func (s *MessageStore) insertOrderedLocked(entry models.Entry) {
	pos := len(s.entries)
	for pos > 0 && s.entries[pos-1].Message.CreatedAt.After(entry.Message.CreatedAt) {
		pos--
	}
	s.entries = append(s.entries, models.Entry{})
	copy(s.entries[pos+1:], s.entries[pos:])
	s.entries[pos] = entry
}

func (s *MessageStore) liveTombstoneLocked(id string, now time.Time) bool {
	expiry, ok := s.tombstones[id]
	if !ok {
		return false
	}
	if now.After(expiry) {
		delete(s.tombstones, id)
		return false
	}
	return true
}
