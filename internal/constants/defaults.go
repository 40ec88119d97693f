package constants

// Presence timing values
const (
	DefaultHeartbeatIntervalSec = 20
	DefaultLivenessCheckSec     = 30
	DefaultLivenessThresholdSec = 35
	DefaultPeerPollIntervalSec  = 25
	DefaultVisibilityGraceSec   = 30
	DefaultSessionStalenessSec  = 60
)

// Subscription retry values
const (
	DefaultSteadyRetrySec     = 3
	DefaultMountBackoffBaseMs = 1000
	DefaultMountBackoffMaxMs  = 10000
	DefaultMountBackoffFactor = 2.0
	DefaultMountMaxAttempts   = 3
)

// Message store values
const (
	DefaultTombstoneTTLSec     = 30
	DefaultBackfillLimit       = 50
	DefaultStalePendingWarnSec = 60
	DefaultBusRetentionSec     = 300
	DefaultBusPollIntervalSec  = 2
)

// Default timeout values
const (
	DefaultHTTPTimeoutSec         = 30
	DefaultDatabaseRetryAttempts  = 3
	DefaultRetryBackoffMs         = 1000
	DefaultMaxBackoffMs           = 60000
	DefaultGracefulShutdownSec    = 30
	DefaultServerReadTimeoutSec   = 15
	DefaultServerWriteTimeoutSec  = 15
	DefaultServerIdleTimeoutSec   = 60
	DefaultServerPort             = 8790
	DefaultMaintenanceIntervalSec = 15
	ServerErrorChannelSize        = 1
)

// Encryption salts for the profile store. Changing either one orphans every
// encrypted column in existing stores.
const (
	EncryptionSalt       = "chatwire-profile-store-v1"
	EncryptionLookupSalt = "chatwire-lookup-v1"
)

// Privacy settings
const (
	DefaultIDMaskLength    = 4
	DefaultMessageIDLength = 8
)
