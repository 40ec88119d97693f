package privacy

import (
	"strings"

	"chatwire/internal/constants"
)

// TempIDPrefix marks locally generated message identifiers awaiting
// confirmation by the backend.
const TempIDPrefix = "temp-"

// MaskUserID masks a user identifier showing only the last 4 characters
// Example: "user123456" -> "******3456"
func MaskUserID(userID string) string {
	if userID == "" {
		return ""
	}
	return maskString(userID, constants.DefaultIDMaskLength)
}

// MaskChatID masks a conversation identifier showing only the last 4 characters
func MaskChatID(chatID string) string {
	if chatID == "" {
		return ""
	}
	return maskString(chatID, constants.DefaultIDMaskLength)
}

// MaskMessageID masks a message ID while preserving structure for debugging.
// Temporary ids keep their prefix so pending entries remain recognizable.
// Example: "temp-a1b2c3d4e5f6" -> "temp-****c3d4e5f6"
func MaskMessageID(messageID string) string {
	if messageID == "" {
		return ""
	}

	if strings.HasPrefix(messageID, TempIDPrefix) {
		return TempIDPrefix + maskString(messageID[len(TempIDPrefix):], constants.DefaultMessageIDLength)
	}

	return maskString(messageID, constants.DefaultMessageIDLength)
}

// MaskSessionID masks a session identifier while keeping some readability
// for debugging. Example: "desktop-main-4f21" -> "desktop-****-*f21"
func MaskSessionID(sessionID string) string {
	if sessionID == "" {
		return ""
	}

	// If it contains hyphens, keep the first part and mask middle parts
	if strings.Contains(sessionID, "-") {
		parts := strings.Split(sessionID, "-")
		if len(parts) >= 2 {
			result := parts[0]
			for i := 1; i < len(parts)-1; i++ {
				result += "-" + strings.Repeat("*", len(parts[i]))
			}
			result += "-" + maskString(parts[len(parts)-1], 3)
			return result
		}
	}

	return maskString(sessionID, 3)
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}

	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}

	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{})
	for k, v := range fields {
		switch k {
		case "chat_id", "chatId", "chat":
			if s, ok := v.(string); ok {
				masked[k] = MaskChatID(s)
			} else {
				masked[k] = v
			}
		case "message_id", "messageId", "temp_id", "tempId":
			if s, ok := v.(string); ok {
				masked[k] = MaskMessageID(s)
			} else {
				masked[k] = v
			}
		case "user_id", "userId", "peer_id", "peerId", "sender_id", "senderId":
			if s, ok := v.(string); ok {
				masked[k] = MaskUserID(s)
			} else {
				masked[k] = v
			}
		case "session_id", "sessionId", "origin":
			if s, ok := v.(string); ok {
				masked[k] = MaskSessionID(s)
			} else {
				masked[k] = v
			}
		default:
			masked[k] = v
		}
	}

	return masked
}
