package features

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Flag represents a feature flag with metadata
type Flag struct {
	Name        string    `json:"name"`
	Enabled     bool      `json:"enabled"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Tags        []string  `json:"tags,omitempty"`
}

// FlagManager manages feature flags with thread-safe operations
type FlagManager struct {
	flags map[string]*Flag
	mu    sync.RWMutex
}

// NewFlagManager creates a new feature flag manager
func NewFlagManager() *FlagManager {
	return &FlagManager{
		flags: make(map[string]*Flag),
	}
}

// Define flag constants for type safety
const (
	// Cross-session deletion propagation through the shared store. Turning
	// it off degrades deletes to feed-only propagation.
	FlagDeletionBus = "deletion_bus"

	// Peer presence polling fallback alongside the change feed
	FlagPeerPolling = "peer_polling"

	// Observability
	FlagDistributedTracing = "distributed_tracing"

	// Circuit breaker around backend REST calls
	FlagCircuitBreaker = "circuit_breaker"
)

// FlagDefinition contains metadata about a flag
type FlagDefinition struct {
	Name         string
	Description  string
	DefaultValue bool
	Tags         []string
}

// DefaultFlags defines all available feature flags with their defaults
var DefaultFlags = []FlagDefinition{
	{FlagDeletionBus, "Propagate deletions between sessions via the shared store", true, []string{"core", "sync"}},
	{FlagPeerPolling, "Poll peer presence as a fallback to feed updates", true, []string{"core", "presence"}},
	{FlagDistributedTracing, "Enable OpenTelemetry distributed tracing", true, []string{"observability"}},
	{FlagCircuitBreaker, "Enable circuit breaker for backend calls", true, []string{"reliability"}},
}

// InitializeDefaults sets up all default flags
func (fm *FlagManager) InitializeDefaults() {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	now := time.Now()
	for _, def := range DefaultFlags {
		if _, exists := fm.flags[def.Name]; !exists {
			fm.flags[def.Name] = &Flag{
				Name:        def.Name,
				Enabled:     def.DefaultValue,
				Description: def.Description,
				CreatedAt:   now,
				UpdatedAt:   now,
				Tags:        def.Tags,
			}
		}
	}
}

// IsEnabled checks if a feature flag is enabled
func (fm *FlagManager) IsEnabled(flagName string) bool {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	flag, exists := fm.flags[flagName]
	if !exists {
		return false
	}

	return flag.Enabled
}

// Enable enables a feature flag
func (fm *FlagManager) Enable(flagName string) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	flag, exists := fm.flags[flagName]
	if !exists {
		return ErrFlagNotFound{Name: flagName}
	}

	flag.Enabled = true
	flag.UpdatedAt = time.Now()
	return nil
}

// Disable disables a feature flag
func (fm *FlagManager) Disable(flagName string) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	flag, exists := fm.flags[flagName]
	if !exists {
		return ErrFlagNotFound{Name: flagName}
	}

	flag.Enabled = false
	flag.UpdatedAt = time.Now()
	return nil
}

// CreateFlag creates a new feature flag
func (fm *FlagManager) CreateFlag(name, description string, enabled bool, tags []string) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	if _, exists := fm.flags[name]; exists {
		return ErrFlagExists{Name: name}
	}

	now := time.Now()
	fm.flags[name] = &Flag{
		Name:        name,
		Enabled:     enabled,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
		Tags:        tags,
	}

	return nil
}

// GetFlag returns a copy of the flag information
func (fm *FlagManager) GetFlag(flagName string) (*Flag, error) {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	flag, exists := fm.flags[flagName]
	if !exists {
		return nil, ErrFlagNotFound{Name: flagName}
	}

	// Return a copy to prevent external modification
	flagCopy := *flag
	if flag.Tags != nil {
		flagCopy.Tags = make([]string, len(flag.Tags))
		copy(flagCopy.Tags, flag.Tags)
	}

	return &flagCopy, nil
}

// ListFlags returns all flags, optionally filtered by tags
func (fm *FlagManager) ListFlags(filterTags ...string) []*Flag {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	var result []*Flag
	for _, flag := range fm.flags {
		if len(filterTags) > 0 && !hasAnyTag(flag.Tags, filterTags) {
			continue
		}

		flagCopy := *flag
		if flag.Tags != nil {
			flagCopy.Tags = make([]string, len(flag.Tags))
			copy(flagCopy.Tags, flag.Tags)
		}
		result = append(result, &flagCopy)
	}

	return result
}

func hasAnyTag(tags, wanted []string) bool {
	for _, w := range wanted {
		for _, t := range tags {
			if t == w {
				return true
			}
		}
	}
	return false
}

// LoadFromEnvironment applies flag overrides from environment variables.
// Individual flags: CHATWIRE_FEATURE_<FLAG_NAME>=true/false.
// Global switches: CHATWIRE_FEATURES_ENABLE_ALL, CHATWIRE_FEATURES_DISABLE_ALL.
func (fm *FlagManager) LoadFromEnvironment() {
	const (
		envPrefix     = "CHATWIRE_FEATURE_"
		envEnableAll  = "CHATWIRE_FEATURES_ENABLE_ALL"
		envDisableAll = "CHATWIRE_FEATURES_DISABLE_ALL"
	)

	fm.mu.Lock()
	defer fm.mu.Unlock()

	if envValue := os.Getenv(envEnableAll); envValue != "" {
		if enableAll, _ := strconv.ParseBool(envValue); enableAll {
			for _, flag := range fm.flags {
				flag.Enabled = true
				flag.UpdatedAt = time.Now()
			}
			return
		}
	}

	if envValue := os.Getenv(envDisableAll); envValue != "" {
		if disableAll, _ := strconv.ParseBool(envValue); disableAll {
			for _, flag := range fm.flags {
				flag.Enabled = false
				flag.UpdatedAt = time.Now()
			}
			return
		}
	}

	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, envPrefix) {
			continue
		}

		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}

		flagName := strings.ToLower(strings.TrimPrefix(parts[0], envPrefix))
		enabled, err := strconv.ParseBool(parts[1])
		if err != nil {
			continue
		}

		if flag, exists := fm.flags[flagName]; exists {
			flag.Enabled = enabled
			flag.UpdatedAt = time.Now()
		} else {
			now := time.Now()
			fm.flags[flagName] = &Flag{
				Name:        flagName,
				Enabled:     enabled,
				Description: "Flag created from environment variable",
				CreatedAt:   now,
				UpdatedAt:   now,
				Tags:        []string{"env"},
			}
		}
	}
}

// Global flag manager instance
var globalFlagManager = NewFlagManager()

// Initialize sets up the global flag manager with defaults and applies
// environment overrides.
func Initialize() {
	globalFlagManager.InitializeDefaults()
	globalFlagManager.LoadFromEnvironment()
}

// IsEnabled checks if a feature flag is enabled globally
func IsEnabled(flagName string) bool {
	return globalFlagManager.IsEnabled(flagName)
}

// Enable enables a feature flag globally
func Enable(flagName string) error {
	return globalFlagManager.Enable(flagName)
}

// Disable disables a feature flag globally
func Disable(flagName string) error {
	return globalFlagManager.Disable(flagName)
}

// GetGlobalManager returns the global flag manager
func GetGlobalManager() *FlagManager {
	return globalFlagManager
}

// Custom errors
type ErrFlagNotFound struct {
	Name string
}

func (e ErrFlagNotFound) Error() string {
	return "feature flag not found: " + e.Name
}

type ErrFlagExists struct {
	Name string
}

func (e ErrFlagExists) Error() string {
	return "feature flag already exists: " + e.Name
}
