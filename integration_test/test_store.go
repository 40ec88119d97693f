package integration_test

import (
	"os"
	"path/filepath"
	"testing"

	"chatwire/internal/database"
)

// TestStoreOptions configures test profile store creation.
type TestStoreOptions struct {
	// EncryptionSecret enables field encryption with the given secret. The
	// environment toggles stay set until cleanup because the store consults
	// them on every operation.
	EncryptionSecret string
}

// NewTestStore creates a profile store on a temp file. The file matters:
// sharing one store between engines models several daemon sessions opening
// the same profile directory.
func NewTestStore(t *testing.T, opts *TestStoreOptions) (*database.Database, string, func()) {
	t.Helper()

	if opts == nil {
		opts = &TestStoreOptions{}
	}

	restoreEnv := func() {}
	if opts.EncryptionSecret != "" {
		oldEnabled, hadEnabled := os.LookupEnv("CHATWIRE_ENABLE_ENCRYPTION")
		oldSecret, hadSecret := os.LookupEnv("CHATWIRE_ENCRYPTION_SECRET")
		_ = os.Setenv("CHATWIRE_ENABLE_ENCRYPTION", "true")
		_ = os.Setenv("CHATWIRE_ENCRYPTION_SECRET", opts.EncryptionSecret)

		restoreEnv = func() {
			if hadEnabled {
				_ = os.Setenv("CHATWIRE_ENABLE_ENCRYPTION", oldEnabled)
			} else {
				_ = os.Unsetenv("CHATWIRE_ENABLE_ENCRYPTION")
			}
			if hadSecret {
				_ = os.Setenv("CHATWIRE_ENCRYPTION_SECRET", oldSecret)
			} else {
				_ = os.Unsetenv("CHATWIRE_ENCRYPTION_SECRET")
			}
		}
	}

	storePath := filepath.Join(t.TempDir(), "profile.db")
	store, err := database.New(storePath)
	if err != nil {
		restoreEnv()
		t.Fatalf("Failed to create test profile store: %v", err)
	}

	cleanup := func() {
		if err := store.Close(); err != nil {
			t.Errorf("Failed to close test profile store: %v", err)
		}
		restoreEnv()
	}

	return store, storePath, cleanup
}
