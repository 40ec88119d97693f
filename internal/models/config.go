package models

// Config holds the application configuration
type Config struct {
	Backend  BackendConfig  `json:"backend"`
	Presence PresenceConfig `json:"presence"`
	Channel  ChannelConfig  `json:"channel"`
	Store    StoreConfig    `json:"store"`
	Database DatabaseConfig `json:"database"`
	Server   ServerConfig   `json:"server"`
	Retry    RetryConfig    `json:"retry"`
	Tracing  TracingConfig  `json:"tracing"`
	LogLevel string         `json:"log_level"`
}

// BackendConfig holds chat-backend related configuration
type BackendConfig struct {
	APIBaseURL string `json:"api_base_url"`
	FeedURL    string `json:"feed_url"`
	APIKey     string `json:"api_key"`
	UserID     string `json:"user_id"`
	PeerUserID string `json:"peer_user_id"`
	TimeoutSec int    `json:"timeoutSec"`
}

// PresenceConfig holds presence timing configuration
type PresenceConfig struct {
	HeartbeatIntervalSec int `json:"heartbeatIntervalSec"`
	LivenessCheckSec     int `json:"livenessCheckSec"`
	LivenessThresholdSec int `json:"livenessThresholdSec"`
	PeerPollIntervalSec  int `json:"peerPollIntervalSec"`
	VisibilityGraceSec   int `json:"visibilityGraceSec"`
	SessionStalenessSec  int `json:"sessionStalenessSec"`
}

// ChannelConfig holds subscription retry configuration
type ChannelConfig struct {
	SteadyRetrySec     int `json:"steadyRetrySec"`
	MountBackoffBaseMs int `json:"mountBackoffBaseMs"`
	MountBackoffMaxMs  int `json:"mountBackoffMaxMs"`
	MountMaxAttempts   int `json:"mountMaxAttempts"`
}

// StoreConfig holds message-log configuration
type StoreConfig struct {
	TombstoneTTLSec int `json:"tombstoneTTLSec"`
	BackfillLimit   int `json:"backfillLimit"`
	BusRetentionSec int `json:"busRetentionSec"`
}

// DatabaseConfig holds shared profile-store configuration
type DatabaseConfig struct {
	Path string `json:"path"`
}

// ServerConfig holds the UI-facing API server configuration
type ServerConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	ReadTimeoutSec  int    `json:"readTimeoutSec"`
	WriteTimeoutSec int    `json:"writeTimeoutSec"`
	IdleTimeoutSec  int    `json:"idleTimeoutSec"`
}

// RetryConfig holds retry related configuration
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

// TracingConfig holds OpenTelemetry tracing configuration
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Endpoint    string  `json:"endpoint"`
	SampleRate  float64 `json:"sampleRate"`
	UseStdout   bool    `json:"useStdout"`
	ServiceName string  `json:"serviceName"`
	Environment string  `json:"environment"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
