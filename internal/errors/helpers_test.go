package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewValidationError(t *testing.T) {
	err := NewValidationError("chat_id", "", "must not be empty")

	assert.Equal(t, ErrCodeValidationFailed, err.Code)
	assert.Equal(t, "chat_id", err.Context["field"])
	assert.Equal(t, "", err.Context["value"])
	assert.Equal(t, "Invalid chat_id: must not be empty", err.UserMessage)
	assert.False(t, err.Retryable)
}

func TestNewConfigError(t *testing.T) {
	err := NewConfigError("backend.api_base_url", "is required")

	assert.Equal(t, ErrCodeInvalidConfig, err.Code)
	assert.Equal(t, "backend.api_base_url", err.Context["config_key"])
	assert.Equal(t, "Configuration error", err.UserMessage)
}

func TestNewDatabaseError(t *testing.T) {
	cause := errors.New("database is locked")
	err := NewDatabaseError("register session", cause)

	assert.Equal(t, ErrCodeDatabaseQuery, err.Code)
	assert.Equal(t, cause, err.Cause)
	assert.Equal(t, "register session", err.Context["operation"])
}

func TestNewBackendError(t *testing.T) {
	tests := []struct {
		name          string
		statusCode    int
		expectedCode  ErrorCode
		expectedRetry bool
	}{
		{"server error is transient", 500, ErrCodeTransientNetwork, true},
		{"bad gateway is transient", 502, ErrCodeTransientNetwork, true},
		{"throttling is transient", 429, ErrCodeTransientNetwork, true},
		{"request timeout is transient", 408, ErrCodeTransientNetwork, true},
		{"bad request is hard", 400, ErrCodeBackendAPI, false},
		{"not found is hard", 404, ErrCodeBackendAPI, false},
		{"conflict is hard", 409, ErrCodeBackendAPI, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewBackendError("/rest/v1/messages", tt.statusCode, errors.New("status"))

			assert.Equal(t, tt.expectedCode, err.Code)
			assert.Equal(t, tt.expectedRetry, err.Retryable)
			assert.Equal(t, "/rest/v1/messages", err.Context["endpoint"])
			assert.Equal(t, tt.statusCode, err.Context["status_code"])
		})
	}
}

func TestNewTransientNetworkError(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewTransientNetworkError("heartbeat write", cause)

	assert.Equal(t, ErrCodeTransientNetwork, err.Code)
	assert.True(t, err.Retryable)
	assert.Equal(t, cause, err.Cause)
	assert.Equal(t, "heartbeat write", err.Context["operation"])
}

func TestNewDuplicateEventError(t *testing.T) {
	err := NewDuplicateEventError("msg-123")

	assert.Equal(t, ErrCodeDuplicateEvent, err.Code)
	assert.False(t, err.Retryable, "duplicates are dropped, not retried")
	assert.Equal(t, "msg-123", err.Context["message_id"])
}

func TestNewStaleWriteError(t *testing.T) {
	err := NewStaleWriteError("user-1")

	assert.Equal(t, ErrCodeStaleWrite, err.Code)
	assert.True(t, err.Retryable, "the next heartbeat resolves the race")
	assert.Equal(t, "user-1", err.Context["user_id"])
}

func TestNewSubscriptionError(t *testing.T) {
	cause := errors.New("websocket closed")
	err := NewSubscriptionError("chat-9", cause)

	assert.Equal(t, ErrCodeSubscription, err.Code)
	assert.True(t, err.Retryable)
	assert.Equal(t, cause, err.Cause)
	assert.Equal(t, "chat-9", err.Context["chat_id"])
}

func TestHTTPStatusCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"validation maps to 400", New(ErrCodeValidationFailed, "bad"), 400},
		{"invalid input maps to 400", New(ErrCodeInvalidInput, "bad"), 400},
		{"not found maps to 404", New(ErrCodeNotFound, "missing"), 404},
		{"timeout maps to 408", New(ErrCodeTimeout, "slow"), 408},
		{"duplicate maps to 409", New(ErrCodeDuplicateEvent, "dup"), 409},
		{"retryable backend maps to 502", NewBackendError("/rest", 503, errors.New("x")), 502},
		{"hard backend maps to 500", NewBackendError("/rest", 400, errors.New("x")), 500},
		{"database maps to 503", NewDatabaseError("query", errors.New("locked")), 503},
		{"unknown maps to 500", errors.New("plain"), 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, HTTPStatusCode(tt.err))
		})
	}
}

func TestToHTTPResponse(t *testing.T) {
	t.Run("AppError with context", func(t *testing.T) {
		err := NewValidationError("chat_id", "", "must not be empty")

		resp := ToHTTPResponse(err, "req-1")

		assert.Equal(t, ErrCodeValidationFailed, resp.Error.Code)
		assert.Equal(t, "Invalid chat_id: must not be empty", resp.Error.Message)
		assert.Equal(t, "req-1", resp.RequestID)
		assert.NotNil(t, resp.Error.Context)
	})

	t.Run("sensitive context is stripped", func(t *testing.T) {
		err := New(ErrCodeBackendAPI, "call failed").
			WithContext("api_key", "secret-value").
			WithContext("endpoint", "/rest/v1/messages")

		resp := ToHTTPResponse(err, "")

		ctx, ok := resp.Error.Context.(map[string]interface{})
		assert.True(t, ok)
		assert.NotContains(t, ctx, "api_key")
		assert.Contains(t, ctx, "endpoint")
	})

	t.Run("standard error", func(t *testing.T) {
		resp := ToHTTPResponse(errors.New("boom"), "req-2")

		assert.Equal(t, ErrCodeInternalError, resp.Error.Code)
		assert.Equal(t, "An internal error occurred", resp.Error.Message)
	})
}
