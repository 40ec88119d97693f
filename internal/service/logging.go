package service

import (
	"context"

	"chatwire/internal/privacy"

	"github.com/sirupsen/logrus"
)

// ContextKey is a package-local type to prevent context key collisions
// See staticcheck SA1029 guidance
type ContextKey string

// VerboseContextKey is the strongly-typed context key for verbose logging flag
const VerboseContextKey ContextKey = "verbose"

// IsVerboseLogging checks if verbose logging is enabled from context
func IsVerboseLogging(ctx context.Context) bool {
	if verbose, ok := ctx.Value(VerboseContextKey).(bool); ok {
		return verbose
	}
	return false
}

// SanitizeChatID masks a conversation identifier for privacy
func SanitizeChatID(chatID string) string {
	return privacy.MaskChatID(chatID)
}

// SanitizeUserID masks a user identifier for privacy
func SanitizeUserID(userID string) string {
	return privacy.MaskUserID(userID)
}

// SanitizeMessageID masks a message identifier, keeping the temp- prefix on
// pending ids so optimistic entries stay recognizable in logs
func SanitizeMessageID(messageID string) string {
	return privacy.MaskMessageID(messageID)
}

// SanitizeSessionID masks a session identifier for privacy
func SanitizeSessionID(sessionID string) string {
	return privacy.MaskSessionID(sessionID)
}

// SanitizeContent completely hides message content for privacy
func SanitizeContent(content string) string {
	if content == "" {
		return ""
	}
	return "[hidden]"
}

// LogWithContext creates a logger entry with optional sensitive information
func LogWithContext(ctx context.Context, logger *logrus.Logger) *logrus.Entry {
	return logger.WithField("verbose", IsVerboseLogging(ctx))
}

// LogFeedEvent logs one applied feed event with appropriate privacy controls
func LogFeedEvent(ctx context.Context, logger *logrus.Logger, op, chatID, messageID string) {
	if IsVerboseLogging(ctx) {
		logger.WithFields(logrus.Fields{
			LogFieldOp:        op,
			LogFieldChatID:    chatID,
			LogFieldMessageID: messageID,
		}).Debug("Applied feed event")
	} else {
		logger.WithFields(logrus.Fields{
			LogFieldOp:        op,
			LogFieldChatID:    SanitizeChatID(chatID),
			LogFieldMessageID: SanitizeMessageID(messageID),
		}).Debug("Applied feed event")
	}
}

// LogPresenceTransition logs an online/offline transition for the local user
func LogPresenceTransition(logger *logrus.Logger, userID string, online bool, reason string) {
	logger.WithFields(logrus.Fields{
		LogFieldUserID: SanitizeUserID(userID),
		"online":       online,
		"reason":       reason,
	}).Info("Presence transition")
}
