package config

import (
	"encoding/json"
	"fmt"
	"os"

	"chatwire/internal/constants"
	"chatwire/internal/models"
	"chatwire/internal/security"
)

var (
	ErrMissingBackendURL = models.ConfigError{Message: "missing backend API URL"}
	ErrMissingFeedURL    = models.ConfigError{Message: "missing change feed URL"}
	ErrMissingUserID     = models.ConfigError{Message: "missing local user id"}
	ErrMissingPeerUserID = models.ConfigError{Message: "missing peer user id"}
	ErrMissingDBPath     = models.ConfigError{Message: "missing profile store path"}
)

func LoadConfig(path string) (*models.Config, error) {
	// Validate config file path to prevent directory traversal
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	if err := validate(&config); err != nil {
		return nil, err
	}

	applyEnvironmentOverrides(&config)

	// Perform security validation after environment overrides
	if err := validateSecurity(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(c *models.Config) error {
	if c.Backend.APIBaseURL == "" {
		return ErrMissingBackendURL
	}
	if c.Backend.FeedURL == "" {
		return ErrMissingFeedURL
	}
	if c.Backend.UserID == "" {
		return ErrMissingUserID
	}
	if c.Backend.PeerUserID == "" {
		return ErrMissingPeerUserID
	}
	if c.Backend.UserID == c.Backend.PeerUserID {
		return models.ConfigError{Message: "local and peer user ids must differ"}
	}
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}

	if c.Backend.TimeoutSec <= 0 {
		c.Backend.TimeoutSec = constants.DefaultHTTPTimeoutSec
	}

	// Presence timing defaults
	if c.Presence.HeartbeatIntervalSec <= 0 {
		c.Presence.HeartbeatIntervalSec = constants.DefaultHeartbeatIntervalSec
	}
	if c.Presence.LivenessCheckSec <= 0 {
		c.Presence.LivenessCheckSec = constants.DefaultLivenessCheckSec
	}
	if c.Presence.LivenessThresholdSec <= 0 {
		c.Presence.LivenessThresholdSec = constants.DefaultLivenessThresholdSec
	}
	if c.Presence.PeerPollIntervalSec <= 0 {
		c.Presence.PeerPollIntervalSec = constants.DefaultPeerPollIntervalSec
	}
	if c.Presence.VisibilityGraceSec <= 0 {
		c.Presence.VisibilityGraceSec = constants.DefaultVisibilityGraceSec
	}
	if c.Presence.SessionStalenessSec <= 0 {
		c.Presence.SessionStalenessSec = constants.DefaultSessionStalenessSec
	}

	// A heartbeat older than the liveness threshold is what flags a record as
	// stale, so the threshold has to sit above the interval.
	if c.Presence.LivenessThresholdSec <= c.Presence.HeartbeatIntervalSec {
		return models.ConfigError{Message: fmt.Sprintf(
			"liveness threshold (%ds) must exceed heartbeat interval (%ds)",
			c.Presence.LivenessThresholdSec, c.Presence.HeartbeatIntervalSec)}
	}

	// Subscription retry defaults
	if c.Channel.SteadyRetrySec <= 0 {
		c.Channel.SteadyRetrySec = constants.DefaultSteadyRetrySec
	}
	if c.Channel.MountBackoffBaseMs <= 0 {
		c.Channel.MountBackoffBaseMs = constants.DefaultMountBackoffBaseMs
	}
	if c.Channel.MountBackoffMaxMs <= 0 {
		c.Channel.MountBackoffMaxMs = constants.DefaultMountBackoffMaxMs
	}
	if c.Channel.MountMaxAttempts <= 0 {
		c.Channel.MountMaxAttempts = constants.DefaultMountMaxAttempts
	}

	// Message store defaults
	if c.Store.TombstoneTTLSec <= 0 {
		c.Store.TombstoneTTLSec = constants.DefaultTombstoneTTLSec
	}
	if c.Store.BackfillLimit <= 0 {
		c.Store.BackfillLimit = constants.DefaultBackfillLimit
	}
	if c.Store.BusRetentionSec <= 0 {
		c.Store.BusRetentionSec = constants.DefaultBusRetentionSec
	}

	// Control API defaults
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.Port > 65535 {
		return models.ConfigError{Message: fmt.Sprintf("invalid server port: %d", c.Server.Port)}
	}
	if c.Server.ReadTimeoutSec <= 0 {
		c.Server.ReadTimeoutSec = constants.DefaultServerReadTimeoutSec
	}
	if c.Server.WriteTimeoutSec <= 0 {
		c.Server.WriteTimeoutSec = constants.DefaultServerWriteTimeoutSec
	}
	if c.Server.IdleTimeoutSec <= 0 {
		c.Server.IdleTimeoutSec = constants.DefaultServerIdleTimeoutSec
	}

	// Backend call retry defaults
	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultRetryBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultDatabaseRetryAttempts
	}

	// Tracing defaults
	if c.Tracing.SampleRate <= 0 {
		c.Tracing.SampleRate = 0.1
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "chatwire"
	}
	if c.Tracing.Environment == "" {
		c.Tracing.Environment = "development"
	}

	return nil
}

func applyEnvironmentOverrides(c *models.Config) {
	if url := os.Getenv("CHATWIRE_BACKEND_API_URL"); url != "" {
		c.Backend.APIBaseURL = url
	}
	if url := os.Getenv("CHATWIRE_FEED_URL"); url != "" {
		c.Backend.FeedURL = url
	}

	// SECURITY: API keys should be set via environment variables
	if key := os.Getenv("CHATWIRE_API_KEY"); key != "" {
		c.Backend.APIKey = key
	}

	if path := os.Getenv("CHATWIRE_DB_PATH"); path != "" {
		c.Database.Path = path
	}
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	isProduction := os.Getenv("CHATWIRE_ENV") == "production"

	if isProduction {
		// In production, backend credentials are mandatory
		if c.Backend.APIKey == "" {
			return models.ConfigError{Message: "backend API key is required in production (set CHATWIRE_API_KEY environment variable)"}
		}

		if len(c.Backend.APIKey) < 32 {
			return models.ConfigError{Message: "backend API key must be at least 32 characters long"}
		}

		// Warn about debug logging in production
		if c.LogLevel == "debug" {
			return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
		}
	} else {
		// In development, warn if credentials are missing
		if c.Backend.APIKey == "" {
			fmt.Fprintf(os.Stderr, "WARNING: backend API key not set. Set CHATWIRE_API_KEY environment variable for authenticated backends.\n")
		}
	}

	return nil
}
