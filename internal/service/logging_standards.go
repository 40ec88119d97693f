package service

// Logging Standards for chatwire
//
// This file defines standard field names, log levels, and patterns
// to ensure consistent logging across the engine.

// Standard Field Names
// Use these exact field names for consistency across all logging calls
const (
	// Core identifiers
	LogFieldSessionID = "session_id"
	LogFieldChatID    = "chat_id"
	LogFieldMessageID = "message_id"
	LogFieldTempID    = "temp_id"
	LogFieldUserID    = "user_id"
	LogFieldPeerID    = "peer_id"
	LogFieldOrigin    = "origin"

	// Service and operation fields
	LogFieldComponent = "component"
	LogFieldOperation = "operation"
	LogFieldService   = "service"

	// Request tracing fields
	LogFieldRequestID = "request_id"
	LogFieldTraceID   = "trace_id"
	LogFieldMethod    = "method"
	LogFieldUserAgent = "user_agent"

	// Feed and state fields
	LogFieldEvent  = "event"
	LogFieldOp     = "op"
	LogFieldState  = "state"
	LogFieldCursor = "cursor"

	// Performance and metrics
	LogFieldDuration = "duration_ms"
	LogFieldCount    = "count"
	LogFieldAttempt  = "attempt"
	LogFieldSize     = "size_bytes"

	// Network and external services
	LogFieldURL        = "url"
	LogFieldEndpoint   = "endpoint"
	LogFieldStatusCode = "status_code"
	LogFieldRemoteIP   = "remote_ip"

	// Error and debugging
	LogFieldErrorCode = "error_code"
)

// Log Level Usage Guidelines
//
// DEBUG: Detailed information for diagnosing problems. Only use in development or verbose mode.
//   - Individual feed events and duplicate drops
//   - Heartbeat and poll tick outcomes
//   - Raw request/response data (sanitized)
//
// INFO: General information about engine flow and key events.
//   - Engine startup/shutdown
//   - Presence transitions (online/offline)
//   - Subscription state changes
//   - Conversations opened/closed
//
// WARN: Something unexpected happened, but the engine can continue.
//   - Failed heartbeat or presence write (retried next tick)
//   - Liveness self-heal corrections
//   - Reconnect attempts and abandoned subscriptions
//   - Pending entries older than the stale threshold
//
// ERROR: Error events that might still allow the engine to continue.
//   - Backend API failures surfaced to the UI
//   - Profile store write failures
//
// FATAL: Very severe error events that will presumably lead the engine to abort.
//   - Configuration required for startup is missing
//   - Profile store cannot be opened

// Standard Log Message Patterns
//
// Starting operations: "Starting [operation]"
// Completed operations: "Completed [operation]" or "[Operation] completed successfully"
// Failed operations: "Failed to [operation]"
// Retrying operations: "Retrying [operation] (attempt X/Y)"
// Skipping operations: "Skipping [operation]: [reason]"
