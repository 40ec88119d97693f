package service

import (
	"context"
	"sync"
	"time"

	"chatwire/internal/constants"
	"chatwire/internal/metrics"
	"chatwire/internal/retry"

	"github.com/sirupsen/logrus"
)

// ChannelOpener is the slice of the realtime channel the supervisor drives.
type ChannelOpener interface {
	Open(ctx context.Context) error
}

// ReconnectSupervisor owns the retry schedule of one channel's subscription.
// Two regimes apply. Until the subscription has connected once, failures
// follow the mount backoff schedule and the attempt budget is final: an
// exhausted budget abandons the channel. After the first successful connect,
// failures retry on a fixed short interval forever; an established
// conversation is never abandoned.
type ReconnectSupervisor struct {
	chatID      string
	opener      ChannelOpener
	backoff     *retry.Backoff
	steadyRetry time.Duration
	logger      *logrus.Logger

	mu            sync.Mutex
	runCtx        context.Context
	cancel        context.CancelFunc
	running       bool
	retrying      bool
	everConnected bool
	abandoned     bool
	attempts      int
	wg            sync.WaitGroup
}

// NewReconnectSupervisor creates a supervisor with the standard schedule.
func NewReconnectSupervisor(chatID string, opener ChannelOpener, logger *logrus.Logger) *ReconnectSupervisor {
	return NewReconnectSupervisorWithSchedule(chatID, opener, retry.MountBackoffConfig(),
		time.Duration(constants.DefaultSteadyRetrySec)*time.Second, logger)
}

// NewReconnectSupervisorWithSchedule creates a supervisor with a custom mount
// backoff and steady retry interval.
func NewReconnectSupervisorWithSchedule(chatID string, opener ChannelOpener, mount retry.BackoffConfig, steadyRetry time.Duration, logger *logrus.Logger) *ReconnectSupervisor {
	if logger == nil {
		logger = logrus.New()
	}
	if steadyRetry <= 0 {
		steadyRetry = time.Duration(constants.DefaultSteadyRetrySec) * time.Second
	}
	return &ReconnectSupervisor{
		chatID:      chatID,
		opener:      opener,
		backoff:     retry.NewBackoff(mount),
		steadyRetry: steadyRetry,
		logger:      logger,
	}
}

// Start launches the initial subscription attempt asynchronously.
func (s *ReconnectSupervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("Reconnect supervisor is already running")
		return
	}
	s.running = true
	runCtx, cancel := context.WithCancel(ctx)
	s.runCtx = runCtx
	s.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		err := s.opener.Open(runCtx)
		if err == nil || runCtx.Err() != nil {
			return
		}
		s.logger.WithError(err).WithField(LogFieldChatID, SanitizeChatID(s.chatID)).
			Warn("Initial feed subscription failed")
		s.scheduleRecovery(runCtx)
	}()
}

// Stop cancels any pending retries and waits for them to finish. After Stop
// returns, the supervisor will not open the channel again.
func (s *ReconnectSupervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.logger.WithField(LogFieldChatID, SanitizeChatID(s.chatID)).Debug("Reconnect supervisor stopped")
}

// NotifyConnected records a successful connect, switching the supervisor to
// the steady regime and resetting the attempt counter.
func (s *ReconnectSupervisor) NotifyConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.everConnected = true
	s.attempts = 0
}

// NotifyDisconnected triggers recovery of a lost subscription.
func (s *ReconnectSupervisor) NotifyDisconnected(err error) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()

	if ctx == nil {
		return
	}
	if err != nil {
		s.logger.WithError(err).WithField(LogFieldChatID, SanitizeChatID(s.chatID)).
			Debug("Subscription loss reported")
	}
	s.scheduleRecovery(ctx)
}

// Abandoned reports whether the mount budget was exhausted before the
// subscription ever connected.
func (s *ReconnectSupervisor) Abandoned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abandoned
}

func (s *ReconnectSupervisor) scheduleRecovery(ctx context.Context) {
	s.mu.Lock()
	if !s.running || s.abandoned || ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	// A retry loop already owns recovery.
	if s.retrying {
		s.mu.Unlock()
		return
	}
	s.retrying = true
	ever := s.everConnected
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.retrying = false
			s.mu.Unlock()
		}()
		if ever {
			s.steadyLoop(ctx)
		} else {
			s.mountRetry(ctx)
		}
	}()
}

// mountRetry walks the backoff schedule of a subscription that has never
// connected. The attempt counter is cumulative across invocations so that
// mid-schedule transport flaps cannot stretch the budget.
func (s *ReconnectSupervisor) mountRetry(ctx context.Context) {
	max := s.backoff.MaxAttempts()

	for {
		s.mu.Lock()
		s.attempts++
		attempt := s.attempts
		s.mu.Unlock()

		if attempt > max {
			s.mu.Lock()
			s.abandoned = true
			s.mu.Unlock()
			s.logger.WithFields(logrus.Fields{
				LogFieldChatID: SanitizeChatID(s.chatID),
				"attempts":     max,
			}).Warn("Abandoning feed subscription after exhausting mount retries")
			metrics.GetRegistry().IncrementCounter("subscription_abandoned_total", nil, "Subscriptions abandoned during mount")
			return
		}

		delay := s.backoff.GetNextDelay(attempt)
		s.logger.WithFields(logrus.Fields{
			LogFieldChatID:  SanitizeChatID(s.chatID),
			LogFieldAttempt: attempt,
			"delay":         delay.String(),
		}).Info("Retrying feed subscription")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		metrics.GetRegistry().IncrementCounter("subscription_retries_total",
			map[string]string{"phase": "mount"}, "Subscription retry attempts")

		err := s.opener.Open(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		s.logger.WithError(err).WithField(LogFieldChatID, SanitizeChatID(s.chatID)).
			Warn("Feed subscription retry failed")
	}
}

// steadyLoop recovers an established subscription on a fixed interval until
// it succeeds or the supervisor stops.
func (s *ReconnectSupervisor) steadyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.steadyRetry):
		}

		s.mu.Lock()
		s.attempts++
		attempt := s.attempts
		s.mu.Unlock()

		metrics.GetRegistry().IncrementCounter("subscription_retries_total",
			map[string]string{"phase": "steady"}, "Subscription retry attempts")

		err := s.opener.Open(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		s.logger.WithError(err).WithFields(logrus.Fields{
			LogFieldChatID:  SanitizeChatID(s.chatID),
			LogFieldAttempt: attempt,
		}).Warn("Feed resubscription failed")
	}
}
