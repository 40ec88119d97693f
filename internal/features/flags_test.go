package features

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagManager_InitializeDefaults(t *testing.T) {
	fm := NewFlagManager()
	fm.InitializeDefaults()

	assert.True(t, fm.IsEnabled(FlagDeletionBus))
	assert.True(t, fm.IsEnabled(FlagPeerPolling))
	assert.True(t, fm.IsEnabled(FlagDistributedTracing))
	assert.True(t, fm.IsEnabled(FlagCircuitBreaker))

	// Unknown flags are disabled
	assert.False(t, fm.IsEnabled("nonexistent_flag"))
}

func TestFlagManager_InitializeDefaultsPreservesChanges(t *testing.T) {
	fm := NewFlagManager()
	fm.InitializeDefaults()

	require.NoError(t, fm.Disable(FlagDeletionBus))

	// Re-initializing must not resurrect a disabled flag
	fm.InitializeDefaults()
	assert.False(t, fm.IsEnabled(FlagDeletionBus))
}

func TestFlagManager_EnableDisable(t *testing.T) {
	fm := NewFlagManager()
	fm.InitializeDefaults()

	require.NoError(t, fm.Disable(FlagPeerPolling))
	assert.False(t, fm.IsEnabled(FlagPeerPolling))

	require.NoError(t, fm.Enable(FlagPeerPolling))
	assert.True(t, fm.IsEnabled(FlagPeerPolling))

	err := fm.Enable("nonexistent_flag")
	require.Error(t, err)
	assert.IsType(t, ErrFlagNotFound{}, err)

	err = fm.Disable("nonexistent_flag")
	require.Error(t, err)
	assert.IsType(t, ErrFlagNotFound{}, err)
}

func TestFlagManager_CreateFlag(t *testing.T) {
	fm := NewFlagManager()

	require.NoError(t, fm.CreateFlag("experimental_thing", "A test flag", true, []string{"experimental"}))
	assert.True(t, fm.IsEnabled("experimental_thing"))

	err := fm.CreateFlag("experimental_thing", "Duplicate", false, nil)
	require.Error(t, err)
	assert.IsType(t, ErrFlagExists{}, err)
}

func TestFlagManager_GetFlagReturnsCopy(t *testing.T) {
	fm := NewFlagManager()
	fm.InitializeDefaults()

	flag, err := fm.GetFlag(FlagDeletionBus)
	require.NoError(t, err)
	assert.Equal(t, FlagDeletionBus, flag.Name)
	assert.True(t, flag.Enabled)

	// Mutating the copy must not affect the manager
	flag.Enabled = false
	flag.Tags[0] = "mutated"

	fresh, err := fm.GetFlag(FlagDeletionBus)
	require.NoError(t, err)
	assert.True(t, fresh.Enabled)
	assert.Equal(t, "core", fresh.Tags[0])

	_, err = fm.GetFlag("nonexistent_flag")
	require.Error(t, err)
}

func TestFlagManager_ListFlags(t *testing.T) {
	fm := NewFlagManager()
	fm.InitializeDefaults()

	all := fm.ListFlags()
	assert.Len(t, all, len(DefaultFlags))

	observability := fm.ListFlags("observability")
	require.Len(t, observability, 1)
	assert.Equal(t, FlagDistributedTracing, observability[0].Name)

	core := fm.ListFlags("core")
	assert.Len(t, core, 2)

	none := fm.ListFlags("no-such-tag")
	assert.Empty(t, none)
}

func TestFlagManager_LoadFromEnvironment(t *testing.T) {
	envVars := []string{
		"CHATWIRE_FEATURE_DELETION_BUS",
		"CHATWIRE_FEATURE_BRAND_NEW",
		"CHATWIRE_FEATURES_ENABLE_ALL",
		"CHATWIRE_FEATURES_DISABLE_ALL",
	}
	originals := make(map[string]string)
	for _, key := range envVars {
		originals[key] = os.Getenv(key)
		_ = os.Unsetenv(key)
	}
	defer func() {
		for key, value := range originals {
			if value != "" {
				_ = os.Setenv(key, value)
			} else {
				_ = os.Unsetenv(key)
			}
		}
	}()

	t.Run("individual override", func(t *testing.T) {
		_ = os.Setenv("CHATWIRE_FEATURE_DELETION_BUS", "false")
		defer func() { _ = os.Unsetenv("CHATWIRE_FEATURE_DELETION_BUS") }()

		fm := NewFlagManager()
		fm.InitializeDefaults()
		fm.LoadFromEnvironment()

		assert.False(t, fm.IsEnabled(FlagDeletionBus))
		assert.True(t, fm.IsEnabled(FlagPeerPolling))
	})

	t.Run("unknown flag created", func(t *testing.T) {
		_ = os.Setenv("CHATWIRE_FEATURE_BRAND_NEW", "true")
		defer func() { _ = os.Unsetenv("CHATWIRE_FEATURE_BRAND_NEW") }()

		fm := NewFlagManager()
		fm.InitializeDefaults()
		fm.LoadFromEnvironment()

		assert.True(t, fm.IsEnabled("brand_new"))
	})

	t.Run("disable all wins", func(t *testing.T) {
		_ = os.Setenv("CHATWIRE_FEATURES_DISABLE_ALL", "true")
		defer func() { _ = os.Unsetenv("CHATWIRE_FEATURES_DISABLE_ALL") }()

		fm := NewFlagManager()
		fm.InitializeDefaults()
		fm.LoadFromEnvironment()

		for _, def := range DefaultFlags {
			assert.False(t, fm.IsEnabled(def.Name), "flag %s should be disabled", def.Name)
		}
	})

	t.Run("invalid boolean ignored", func(t *testing.T) {
		_ = os.Setenv("CHATWIRE_FEATURE_DELETION_BUS", "not-a-bool")
		defer func() { _ = os.Unsetenv("CHATWIRE_FEATURE_DELETION_BUS") }()

		fm := NewFlagManager()
		fm.InitializeDefaults()
		fm.LoadFromEnvironment()

		assert.True(t, fm.IsEnabled(FlagDeletionBus))
	})
}

func TestGlobalFlagManager(t *testing.T) {
	Initialize()

	assert.True(t, IsEnabled(FlagDeletionBus))

	require.NoError(t, Disable(FlagDeletionBus))
	assert.False(t, IsEnabled(FlagDeletionBus))

	require.NoError(t, Enable(FlagDeletionBus))
	assert.True(t, IsEnabled(FlagDeletionBus))

	assert.NotNil(t, GetGlobalManager())
}
