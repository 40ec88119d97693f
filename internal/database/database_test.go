package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chatwire/internal/models"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) (*Database, func()) {
	// Set up encryption for tests
	originalEnable := os.Getenv("CHATWIRE_ENABLE_ENCRYPTION")
	originalSecret := os.Getenv("CHATWIRE_ENCRYPTION_SECRET")
	_ = os.Setenv("CHATWIRE_ENABLE_ENCRYPTION", "true")
	_ = os.Setenv("CHATWIRE_ENCRYPTION_SECRET", "this-is-a-very-long-test-secret-key-for-database-testing")

	tmpDir, err := os.MkdirTemp("", "chatwire-db-test")
	require.NoError(t, err)

	dbPath := filepath.Join(tmpDir, "profile.db")
	db, err := New(dbPath)
	require.NoError(t, err)

	cleanup := func() {
		_ = db.Close()
		_ = os.RemoveAll(tmpDir)
		restoreEnv("CHATWIRE_ENABLE_ENCRYPTION", originalEnable)
		restoreEnv("CHATWIRE_ENCRYPTION_SECRET", originalSecret)
	}

	return db, cleanup
}

func restoreEnv(key, value string) {
	if value != "" {
		_ = os.Setenv(key, value)
	} else {
		_ = os.Unsetenv(key)
	}
}

func TestNewDatabase(t *testing.T) {
	tests := []struct {
		name        string
		setupPath   func(t *testing.T) string
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid path",
			setupPath: func(t *testing.T) string {
				tmpDir, err := os.MkdirTemp("", "chatwire-db-test")
				require.NoError(t, err)
				t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })
				return filepath.Join(tmpDir, "profile.db")
			},
			expectError: false,
		},
		{
			name: "invalid path with null byte",
			setupPath: func(t *testing.T) string {
				return "\x00invalid"
			},
			expectError: true,
			errorMsg:    "invalid database path",
		},
		{
			name: "empty path",
			setupPath: func(t *testing.T) string {
				return ""
			},
			expectError: true,
			errorMsg:    "invalid database path",
		},
		{
			name: "unwritable directory",
			setupPath: func(t *testing.T) string {
				tmpDir, err := os.MkdirTemp("", "chatwire-db-test")
				require.NoError(t, err)
				t.Cleanup(func() {
					if err := os.Chmod(tmpDir, 0755); err != nil {
						t.Errorf("Failed to restore directory permissions: %v", err)
					}
					_ = os.RemoveAll(tmpDir)
				})

				err = os.Chmod(tmpDir, 0444)
				require.NoError(t, err)

				return filepath.Join(tmpDir, "profile.db")
			},
			expectError: true,
			errorMsg:    "failed to create database file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dbPath := tt.setupPath(t)

			db, err := New(dbPath)

			if tt.expectError {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorMsg)
				assert.Nil(t, db)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, db)
				if db != nil {
					_ = db.Close()
				}
			}
		})
	}
}

func TestNewDatabase_SchemaIsRerunnable(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "chatwire-db-test")
	require.NoError(t, err)
	defer func() { _ = os.RemoveAll(tmpDir) }()

	dbPath := filepath.Join(tmpDir, "profile.db")

	// Opening the same store twice must not fail on the second schema run
	db1, err := New(dbPath)
	require.NoError(t, err)
	require.NoError(t, db1.Close())

	db2, err := New(dbPath)
	require.NoError(t, err)
	require.NoError(t, db2.Close())
}

func TestSessionRegistry(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	window := time.Minute

	count, err := db.CountActiveSessions(ctx, window)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	require.NoError(t, db.RegisterSession(ctx, "sess-alpha"))
	require.NoError(t, db.RegisterSession(ctx, "sess-beta"))

	count, err = db.CountActiveSessions(ctx, window)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Re-registering an existing session must not create a second row
	require.NoError(t, db.RegisterSession(ctx, "sess-alpha"))

	count, err = db.CountActiveSessions(ctx, window)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	sessions, err := db.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	ids := []string{sessions[0].SessionID, sessions[1].SessionID}
	assert.ElementsMatch(t, []string{"sess-alpha", "sess-beta"}, ids)
	for _, s := range sessions {
		assert.WithinDuration(t, time.Now(), s.LastActive, time.Minute)
	}

	require.NoError(t, db.UnregisterSession(ctx, "sess-alpha"))

	count, err = db.CountActiveSessions(ctx, window)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Unregistering an absent session is a no-op
	require.NoError(t, db.UnregisterSession(ctx, "sess-alpha"))
	require.NoError(t, db.UnregisterSession(ctx, "never-registered"))
}

func TestTouchSession(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	found, err := db.TouchSession(ctx, "sess-ghost")
	require.NoError(t, err)
	assert.False(t, found, "touching an unregistered session should report a missing record")

	require.NoError(t, db.RegisterSession(ctx, "sess-live"))

	found, err = db.TouchSession(ctx, "sess-live")
	require.NoError(t, err)
	assert.True(t, found)

	// After unregistration the heartbeat must see the record gone
	require.NoError(t, db.UnregisterSession(ctx, "sess-live"))

	found, err = db.TouchSession(ctx, "sess-live")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCountActiveSessions_StalenessWindow(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	require.NoError(t, db.RegisterSession(ctx, "sess-old"))

	// Age the record past the window by rewriting last_active directly
	lookupID, err := db.encryptor.EncryptForLookupIfEnabled("sess-old")
	require.NoError(t, err)
	_, err = db.db.ExecContext(ctx,
		`UPDATE sessions SET last_active = datetime('now', '-120 seconds') WHERE session_id_hash = ?`,
		lookupID)
	require.NoError(t, err)

	count, err := db.CountActiveSessions(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "a session outside the staleness window is not active")

	count, err = db.CountActiveSessions(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPruneStaleSessions(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	require.NoError(t, db.RegisterSession(ctx, "sess-crashed"))
	require.NoError(t, db.RegisterSession(ctx, "sess-live"))

	lookupID, err := db.encryptor.EncryptForLookupIfEnabled("sess-crashed")
	require.NoError(t, err)
	_, err = db.db.ExecContext(ctx,
		`UPDATE sessions SET last_active = datetime('now', '-300 seconds') WHERE session_id_hash = ?`,
		lookupID)
	require.NoError(t, err)

	pruned, err := db.PruneStaleSessions(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	sessions, err := db.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "sess-live", sessions[0].SessionID)

	// Nothing left to prune
	pruned, err = db.PruneStaleSessions(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pruned)
}

func TestDeletionBus(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	latest, err := db.LatestDeletionID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), latest, "empty bus reports id 0")

	id1, err := db.AppendDeletion(ctx, &models.DeletionRecord{
		ChatID:    "chat-1",
		MessageID: "msg-100",
		Origin:    "sess-alpha",
	})
	require.NoError(t, err)
	assert.Greater(t, id1, int64(0))

	id2, err := db.AppendDeletion(ctx, &models.DeletionRecord{
		ChatID:    "chat-1",
		MessageID: "msg-101",
		Origin:    "sess-beta",
	})
	require.NoError(t, err)
	assert.Greater(t, id2, id1, "bus ids are monotonically increasing")

	latest, err = db.LatestDeletionID(ctx)
	require.NoError(t, err)
	assert.Equal(t, id2, latest)

	records, err := db.ListDeletionsSince(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "msg-100", records[0].MessageID)
	assert.Equal(t, "msg-101", records[1].MessageID)
	assert.Equal(t, "chat-1", records[0].ChatID)
	assert.Equal(t, "sess-alpha", records[0].Origin)
	assert.WithinDuration(t, time.Now(), records[0].PublishedAt, time.Minute)

	// Cursor skips already-seen records
	records, err = db.ListDeletionsSince(ctx, id1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "msg-101", records[0].MessageID)

	records, err = db.ListDeletionsSince(ctx, id2)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSweepDeletions(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	id1, err := db.AppendDeletion(ctx, &models.DeletionRecord{
		ChatID:    "chat-1",
		MessageID: "msg-old",
		Origin:    "sess-alpha",
	})
	require.NoError(t, err)

	_, err = db.AppendDeletion(ctx, &models.DeletionRecord{
		ChatID:    "chat-1",
		MessageID: "msg-new",
		Origin:    "sess-alpha",
	})
	require.NoError(t, err)

	// Age the first record past the retention window
	_, err = db.db.ExecContext(ctx,
		`UPDATE deletions SET published_at = datetime('now', '-600 seconds') WHERE id = ?`, id1)
	require.NoError(t, err)

	swept, err := db.SweepDeletions(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	records, err := db.ListDeletionsSince(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "msg-new", records[0].MessageID)
}

func TestSharedStoreAcrossHandles(t *testing.T) {
	// Two Database handles on the same file stand in for two chatwire
	// processes serving sessions of the same profile.
	originalEnable := os.Getenv("CHATWIRE_ENABLE_ENCRYPTION")
	originalSecret := os.Getenv("CHATWIRE_ENCRYPTION_SECRET")
	_ = os.Setenv("CHATWIRE_ENABLE_ENCRYPTION", "true")
	_ = os.Setenv("CHATWIRE_ENCRYPTION_SECRET", "this-is-a-very-long-test-secret-key-for-database-testing")
	defer func() {
		restoreEnv("CHATWIRE_ENABLE_ENCRYPTION", originalEnable)
		restoreEnv("CHATWIRE_ENCRYPTION_SECRET", originalSecret)
	}()

	tmpDir, err := os.MkdirTemp("", "chatwire-db-test")
	require.NoError(t, err)
	defer func() { _ = os.RemoveAll(tmpDir) }()

	dbPath := filepath.Join(tmpDir, "profile.db")

	dbA, err := New(dbPath)
	require.NoError(t, err)
	defer func() { _ = dbA.Close() }()

	dbB, err := New(dbPath)
	require.NoError(t, err)
	defer func() { _ = dbB.Close() }()

	ctx := context.Background()

	require.NoError(t, dbA.RegisterSession(ctx, "sess-a"))
	require.NoError(t, dbB.RegisterSession(ctx, "sess-b"))

	count, err := dbA.CountActiveSessions(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, count, "both handles see the shared registry")

	id, err := dbA.AppendDeletion(ctx, &models.DeletionRecord{
		ChatID:    "chat-1",
		MessageID: "msg-1",
		Origin:    "sess-a",
	})
	require.NoError(t, err)

	records, err := dbB.ListDeletionsSince(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, id, records[0].ID)
	assert.Equal(t, "msg-1", records[0].MessageID)
	assert.Equal(t, "sess-a", records[0].Origin)
}

func TestEncryptedColumnsAreNotPlaintext(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	require.NoError(t, db.RegisterSession(ctx, "sess-secret"))

	var rawID string
	err := db.db.QueryRowContext(ctx, `SELECT session_id FROM sessions LIMIT 1`).Scan(&rawID)
	require.NoError(t, err)
	assert.NotEqual(t, "sess-secret", rawID, "session_id must be stored encrypted")

	_, err = db.AppendDeletion(ctx, &models.DeletionRecord{
		ChatID:    "chat-secret",
		MessageID: "msg-secret",
		Origin:    "sess-secret",
	})
	require.NoError(t, err)

	var rawChat, rawMsg string
	err = db.db.QueryRowContext(ctx, `SELECT chat_id, message_id FROM deletions LIMIT 1`).Scan(&rawChat, &rawMsg)
	require.NoError(t, err)
	assert.NotEqual(t, "chat-secret", rawChat)
	assert.NotEqual(t, "msg-secret", rawMsg)
}
