package errors

import (
	"fmt"
)

// Common error creators for frequent use cases

// NewValidationError creates a validation error with field context
func NewValidationError(field, value, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
		WithContext("field", field).
		WithContext("value", value).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage("Configuration error")
}

// NewDatabaseError creates a profile-store error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Database operation failed")
}

// NewBackendError creates an error for a failed backend call. Server-side
// and throttling statuses are transient and marked retryable; everything
// else is a hard backend error.
func NewBackendError(endpoint string, statusCode int, err error) *AppError {
	retryable := statusCode >= 500 || statusCode == 429 || statusCode == 408

	code := ErrCodeBackendAPI
	if retryable {
		code = ErrCodeTransientNetwork
	}

	appErr := Wrap(err, code, "backend call failed").
		WithContext("endpoint", endpoint).
		WithContext("status_code", statusCode)
	appErr.Retryable = retryable

	return appErr
}

// NewTransientNetworkError creates a retryable error for a failed
// read or write. Callers log it and retry on their next scheduled tick;
// it is never escalated to the UI.
func NewTransientNetworkError(operation string, err error) *AppError {
	return WrapRetryable(err, ErrCodeTransientNetwork, fmt.Sprintf("%s failed", operation)).
		WithContext("operation", operation)
}

// NewDuplicateEventError marks an event already applied to the store.
// Dropping it is a correctness requirement, not a failure.
func NewDuplicateEventError(messageID string) *AppError {
	return New(ErrCodeDuplicateEvent, "event already applied").
		WithContext("message_id", messageID)
}

// NewStaleWriteError marks a presence write that lost a race with another
// session's write. The next heartbeat re-asserts the intended state.
func NewStaleWriteError(userID string) *AppError {
	return WrapRetryable(nil, ErrCodeStaleWrite, "presence write lost a race").
		WithContext("user_id", userID)
}

// NewSubscriptionError creates a retryable error that hands the channel to
// the reconnect supervisor.
func NewSubscriptionError(chatID string, err error) *AppError {
	return WrapRetryable(err, ErrCodeSubscription, "subscription failed").
		WithContext("chat_id", chatID)
}

// NewTimeoutError creates a timeout error with context
func NewTimeoutError(operation string, duration string) *AppError {
	return New(ErrCodeTimeout, fmt.Sprintf("%s timed out after %s", operation, duration)).
		WithContext("operation", operation).
		WithContext("timeout", duration).
		WithUserMessage("Operation timed out, please try again")
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// HTTP helpers

// HTTPStatusCode maps error codes to appropriate HTTP status codes
func HTTPStatusCode(err error) int {
	code := GetCode(err)

	switch code {
	case ErrCodeValidationFailed, ErrCodeInvalidInput, ErrCodeInvalidConfig:
		return 400 // Bad Request
	case ErrCodeNotFound:
		return 404 // Not Found
	case ErrCodeTimeout:
		return 408 // Request Timeout
	case ErrCodeDuplicateEvent:
		return 409 // Conflict
	case ErrCodeBackendAPI, ErrCodeTransientNetwork, ErrCodeSubscription:
		if IsRetryable(err) {
			return 502 // Bad Gateway
		}
		return 500 // Internal Server Error
	case ErrCodeDatabaseConnection, ErrCodeDatabaseQuery, ErrCodeDatabaseMigration:
		return 503 // Service Unavailable
	default:
		return 500 // Internal Server Error
	}
}

// HTTPErrorResponse is the standardized error body of the control API
type HTTPErrorResponse struct {
	Error struct {
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Context interface{} `json:"context,omitempty"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// ToHTTPResponse converts an error to a standardized HTTP response
func ToHTTPResponse(err error, requestID string) HTTPErrorResponse {
	response := HTTPErrorResponse{
		RequestID: requestID,
	}

	if appErr, ok := err.(*AppError); ok {
		response.Error.Code = appErr.Code
		response.Error.Message = GetUserMessage(err)
		if len(appErr.Context) > 0 {
			// Only include non-sensitive context in HTTP responses
			publicContext := make(map[string]interface{})
			for k, v := range appErr.Context {
				if k != "password" && k != "token" && k != "secret" && k != "api_key" {
					publicContext[k] = v
				}
			}
			if len(publicContext) > 0 {
				response.Error.Context = publicContext
			}
		}
	} else {
		response.Error.Code = ErrCodeInternalError
		response.Error.Message = GetUserMessage(err)
	}

	return response
}
