package errors

import (
	"bytes"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNewLogger(t *testing.T) {
	logger := NewLogger()

	assert.NotNil(t, logger)
	assert.NotNil(t, logger.Logger)

	_, ok := logger.Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok, "Logger should use JSON formatter")
}

func TestLogger_LogError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger()
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.DebugLevel)

	tests := []struct {
		name             string
		err              error
		message          string
		fields           []logrus.Fields
		expectedInOutput []string
	}{
		{
			name:    "AppError with context",
			err:     New(ErrCodeValidationFailed, "validation failed").WithContext("field", "chat_id"),
			message: "Draft validation failed",
			fields:  []logrus.Fields{{"session_id": "s-1"}},
			expectedInOutput: []string{
				`"level":"error"`,
				`"error_code":"VALIDATION_FAILED"`,
				`"retryable":false`,
				`"field":"chat_id"`,
				`"session_id":"s-1"`,
				`"msg":"Draft validation failed"`,
			},
		},
		{
			name:    "standard error",
			err:     errors.New("something went wrong"),
			message: "Operation failed",
			expectedInOutput: []string{
				`"level":"error"`,
				`"msg":"Operation failed"`,
				`"error":"something went wrong"`,
			},
		},
		{
			name:    "retryable AppError",
			err:     WrapRetryable(errors.New("network error"), ErrCodeTransientNetwork, "backend call failed"),
			message: "External service error",
			expectedInOutput: []string{
				`"level":"error"`,
				`"error_code":"TRANSIENT_NETWORK"`,
				`"retryable":true`,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()

			logger.LogError(tt.err, tt.message, tt.fields...)

			output := buf.String()
			for _, expected := range tt.expectedInOutput {
				assert.Contains(t, output, expected)
			}
		})
	}
}

func TestLogger_LogWarn(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger()
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.DebugLevel)

	err := NewStaleWriteError("user-1")
	logger.LogWarn(err, "Presence write superseded")

	output := buf.String()
	assert.Contains(t, output, `"level":"warning"`)
	assert.Contains(t, output, `"error_code":"STALE_WRITE"`)
	assert.Contains(t, output, `"user_id":"user-1"`)
	assert.Contains(t, output, `"msg":"Presence write superseded"`)
}

func TestLogger_LogRetryableError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger()
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.DebugLevel)

	t.Run("retryable logs at warn", func(t *testing.T) {
		buf.Reset()

		logger.LogRetryableError(NewTransientNetworkError("heartbeat write", errors.New("reset")), "write failed")

		assert.Contains(t, buf.String(), `"level":"warning"`)
	})

	t.Run("non-retryable logs at error", func(t *testing.T) {
		buf.Reset()

		logger.LogRetryableError(New(ErrCodeInvalidInput, "bad draft"), "write failed")

		assert.Contains(t, buf.String(), `"level":"error"`)
	})
}

func TestLogger_WithError(t *testing.T) {
	logger := NewLogger()

	entry := logger.WithError(NewSubscriptionError("chat-1", errors.New("closed")))

	assert.Equal(t, ErrCodeSubscription, entry.Data["error_code"])
	assert.Equal(t, true, entry.Data["retryable"])
	assert.Equal(t, "chat-1", entry.Data["chat_id"])
}
