package validation

import (
	"fmt"
	"net/http"
	"strings"
	"unicode"

	"chatwire/internal/errors"
	"chatwire/internal/models"
	"chatwire/pkg/constants"
)

// ValidateChatID validates conversation identifier format and length
func ValidateChatID(chatID string) error {
	if chatID == "" {
		return errors.New(errors.ErrCodeInvalidInput, "chat ID cannot be empty")
	}

	if len(chatID) > constants.MaxChatIDLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("chat ID too long (max %d characters)", constants.MaxChatIDLength))
	}

	if containsControlChars(chatID) {
		return errors.New(errors.ErrCodeInvalidInput, "chat ID contains invalid characters")
	}

	return nil
}

// ValidateUserID validates user identifier format and length
func ValidateUserID(userID string) error {
	if userID == "" {
		return errors.New(errors.ErrCodeInvalidInput, "user ID cannot be empty")
	}

	if len(userID) > constants.MaxUserIDLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("user ID too long (max %d characters)", constants.MaxUserIDLength))
	}

	if containsControlChars(userID) {
		return errors.New(errors.ErrCodeInvalidInput, "user ID contains invalid characters")
	}

	return nil
}

// ValidateMessageID validates message ID format and length
func ValidateMessageID(messageID string) error {
	if messageID == "" {
		return errors.New(errors.ErrCodeInvalidInput, "message ID cannot be empty")
	}

	if len(messageID) > constants.MaxMessageIDLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("message ID too long (max %d characters)", constants.MaxMessageIDLength))
	}

	if containsControlChars(messageID) {
		return errors.New(errors.ErrCodeInvalidInput, "message ID contains invalid characters")
	}

	return nil
}

// ValidateSessionID validates session identifier format and length
func ValidateSessionID(sessionID string) error {
	if sessionID == "" {
		return errors.New(errors.ErrCodeInvalidInput, "session ID cannot be empty")
	}

	if len(sessionID) > constants.MaxSessionIDLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("session ID too long (max %d characters)", constants.MaxSessionIDLength))
	}

	// Session IDs should be alphanumeric with underscores and dashes
	for _, char := range sessionID {
		if !unicode.IsLetter(char) && !unicode.IsDigit(char) && char != '_' && char != '-' {
			return errors.New(errors.ErrCodeInvalidInput,
				"session ID must contain only letters, numbers, underscores, and dashes")
		}
	}

	return nil
}

// ValidateDraft validates a message draft before it enters the optimistic
// log. A well-formed draft carries text content, media, or both; media
// needs a type and the type must be a supported kind.
func ValidateDraft(draft models.Draft) error {
	hasContent := draft.Content != nil && *draft.Content != ""
	hasMedia := draft.MediaURL != nil && *draft.MediaURL != ""

	if !hasContent && !hasMedia {
		return errors.New(errors.ErrCodeInvalidInput, "draft must carry content or media")
	}

	if hasContent && len(*draft.Content) > constants.MaxContentLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("content too long (max %d characters)", constants.MaxContentLength))
	}

	if hasMedia {
		if draft.MediaType == nil {
			return errors.New(errors.ErrCodeInvalidInput, "media requires a media type")
		}
		if err := ValidateMediaType(*draft.MediaType); err != nil {
			return err
		}
		if !strings.HasPrefix(*draft.MediaURL, "http://") && !strings.HasPrefix(*draft.MediaURL, "https://") {
			return errors.New(errors.ErrCodeInvalidInput, "media URL must be http or https")
		}
	}

	if draft.MediaType != nil && !hasMedia {
		return errors.New(errors.ErrCodeInvalidInput, "media type requires a media URL")
	}

	return nil
}

// ValidateMediaType checks the media kind against the supported set
func ValidateMediaType(mediaType models.MediaType) error {
	switch mediaType {
	case models.MediaTypeImage, models.MediaTypeVideo:
		return nil
	default:
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("unsupported media type: %s", mediaType))
	}
}

// ValidateHTTPRequestSize validates incoming HTTP request size
func ValidateHTTPRequestSize(r *http.Request, maxSizeBytes int64) error {
	if r.ContentLength < 0 {
		return errors.New(errors.ErrCodeInvalidInput, "invalid content length")
	}

	if r.ContentLength > maxSizeBytes {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("request too large: %d bytes (max %d bytes)", r.ContentLength, maxSizeBytes))
	}

	return nil
}

// ValidateNumericRange validates numeric values against bounds
func ValidateNumericRange(value int, fieldName string, min, max int) error {
	if value < min {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too small (min %d)", fieldName, min))
	}

	if value > max {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too large (max %d)", fieldName, max))
	}

	return nil
}

// ValidateTimeout validates timeout values
func ValidateTimeout(timeoutSec int, fieldName string) error {
	if timeoutSec < 1 {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s must be at least 1 second", fieldName))
	}

	if timeoutSec > 3600 { // Max 1 hour
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too large (max 3600 seconds)", fieldName))
	}

	return nil
}

// containsControlChars reports whether s contains characters that could
// corrupt logs or wire frames.
func containsControlChars(s string) bool {
	return strings.ContainsAny(s, "\x00\n\r\t")
}
