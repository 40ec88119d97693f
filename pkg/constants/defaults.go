package constants

// Default timeout values used by client packages
const (
	DefaultHTTPTimeoutSec     = 30
	DefaultFeedDialTimeoutSec = 15
	DefaultFeedReadLimit      = 1 << 20
)

// Validation and security constants used by packages
const (
	MaxMessageIDLength = 256
	MaxChatIDLength    = 128
	MaxUserIDLength    = 128
	MaxSessionIDLength = 64
	MaxContentLength   = 4096
)

// File permission constants
const (
	DefaultFilePermissions      = 0600
	DefaultDirectoryPermissions = 0750
)
