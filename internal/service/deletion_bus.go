package service

import (
	"context"
	"sync"
	"time"

	"chatwire/internal/constants"
	apperrors "chatwire/internal/errors"
	"chatwire/internal/models"

	"github.com/sirupsen/logrus"
)

// DeletionStore is the shared profile store surface the bus rides on.
type DeletionStore interface {
	AppendDeletion(ctx context.Context, rec *models.DeletionRecord) (int64, error)
	ListDeletionsSince(ctx context.Context, sinceID int64) ([]models.DeletionRecord, error)
	LatestDeletionID(ctx context.Context) (int64, error)
	SweepDeletions(ctx context.Context, retention time.Duration) (int64, error)
}

// DeletionBus propagates deletion facts between sessions of the same profile.
// Own deletions are written to the shared store and delivered to in-process
// listeners immediately; deletions published by other sessions are observed by
// polling the store. Best-effort with no acks: a redundant idempotent channel
// layered on the realtime feed, never a substitute for it.
type DeletionBus struct {
	store        DeletionStore
	sessionID    string
	pollInterval time.Duration
	retention    time.Duration
	logger       *logrus.Logger

	mu        sync.Mutex
	listeners []func(models.DeletionRecord)
	cursor    int64
	running   bool
	stopCh    chan struct{}
}

// NewDeletionBus creates a deletion bus with default poll and retention
// intervals.
func NewDeletionBus(store DeletionStore, sessionID string, logger *logrus.Logger) *DeletionBus {
	return NewDeletionBusWithIntervals(store, sessionID,
		time.Duration(constants.DefaultBusPollIntervalSec)*time.Second,
		time.Duration(constants.DefaultBusRetentionSec)*time.Second,
		logger)
}

// NewDeletionBusWithIntervals creates a deletion bus with custom intervals.
func NewDeletionBusWithIntervals(store DeletionStore, sessionID string, pollInterval, retention time.Duration, logger *logrus.Logger) *DeletionBus {
	if pollInterval <= 0 {
		pollInterval = time.Duration(constants.DefaultBusPollIntervalSec) * time.Second
	}
	if retention <= 0 {
		retention = time.Duration(constants.DefaultBusRetentionSec) * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &DeletionBus{
		store:        store,
		sessionID:    sessionID,
		pollInterval: pollInterval,
		retention:    retention,
		logger:       logger,
	}
}

// ObserveDeletions registers fn to be invoked for every deletion record that
// appears, whether published by this session or observed from another.
func (b *DeletionBus) ObserveDeletions(fn func(models.DeletionRecord)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// PublishDeletion writes a deletion fact to the shared store and notifies
// in-process listeners, which never observe their own store writes through
// polling.
func (b *DeletionBus) PublishDeletion(ctx context.Context, chatID, messageID string) error {
	rec := models.DeletionRecord{
		ChatID:    chatID,
		MessageID: messageID,
		Origin:    b.sessionID,
	}

	id, err := b.store.AppendDeletion(ctx, &rec)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDatabaseQuery, "failed to publish deletion")
	}

	rec.ID = id
	rec.PublishedAt = time.Now()

	b.logger.WithFields(logrus.Fields{
		LogFieldChatID:    SanitizeChatID(chatID),
		LogFieldMessageID: SanitizeMessageID(messageID),
		LogFieldCursor:    id,
	}).Debug("Published deletion record")

	b.notify(rec)
	return nil
}

// Start begins observing foreign deletion records. The cursor starts at the
// newest existing record so only deletions published after attach are seen.
func (b *DeletionBus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		b.logger.Warn("Deletion bus is already running")
		return
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.mu.Unlock()

	cursor, err := b.store.LatestDeletionID(ctx)
	if err != nil {
		// Starting at zero replays retained records; applying a deletion
		// twice is a no-op, so replay is harmless.
		b.logger.WithError(err).Warn("Failed to read deletion cursor, starting from zero")
		cursor = 0
	}

	b.mu.Lock()
	b.cursor = cursor
	b.mu.Unlock()

	go b.pollLoop(ctx)
	b.logger.WithField(LogFieldCursor, cursor).Info("Deletion bus started")
}

// Stop stops observing the store. Publishing still works afterwards.
func (b *DeletionBus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}
	close(b.stopCh)
	b.stopCh = nil
	b.running = false
	b.logger.Info("Deletion bus stopped")
}

// Sweep removes bus records older than the retention window.
func (b *DeletionBus) Sweep(ctx context.Context) (int64, error) {
	return b.store.SweepDeletions(ctx, b.retention)
}

// Cursor returns the id of the last record this bus has observed.
func (b *DeletionBus) Cursor() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cursor
}

func (b *DeletionBus) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	stopCh := b.getStopCh()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			b.pollOnce(ctx)
		}
	}
}

func (b *DeletionBus) getStopCh() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopCh == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return b.stopCh
}

func (b *DeletionBus) pollOnce(ctx context.Context) {
	b.mu.Lock()
	cursor := b.cursor
	b.mu.Unlock()

	records, err := b.store.ListDeletionsSince(ctx, cursor)
	if err != nil {
		b.logger.WithError(err).Warn("Failed to poll deletion records")
		return
	}

	for _, rec := range records {
		b.mu.Lock()
		if rec.ID > b.cursor {
			b.cursor = rec.ID
		}
		b.mu.Unlock()

		// Own records were already delivered in-process at publish time.
		if rec.Origin == b.sessionID {
			continue
		}

		b.logger.WithFields(logrus.Fields{
			LogFieldChatID:    SanitizeChatID(rec.ChatID),
			LogFieldMessageID: SanitizeMessageID(rec.MessageID),
			LogFieldOrigin:    SanitizeSessionID(rec.Origin),
		}).Debug("Observed foreign deletion record")
		b.notify(rec)
	}
}

func (b *DeletionBus) notify(rec models.DeletionRecord) {
	b.mu.Lock()
	listeners := make([]func(models.DeletionRecord), len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.Unlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.WithField("panic", r).Error("Deletion listener panicked")
				}
			}()
			fn(rec)
		}()
	}
}
