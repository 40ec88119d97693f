package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"chatwire/internal/migrations"
	"chatwire/internal/models"
	"chatwire/internal/security"
	"chatwire/pkg/constants"

	_ "github.com/mattn/go-sqlite3"
)

// Database is the shared profile store. Every chatwire process serving a
// session of the same profile opens the same file, so writes must tolerate
// cross-process lock contention.
type Database struct {
	db        *sql.DB
	encryptor *encryptor
}

func New(dbPath string) (*Database, error) {
	if len(dbPath) == 0 || dbPath[0] == '\x00' {
		return nil, fmt.Errorf("invalid database path")
	}

	// Validate database path to prevent directory traversal
	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	// The profile directory is shared by every session of this profile;
	// whichever process starts first creates it.
	if err := os.MkdirAll(filepath.Dir(dbPath), constants.DefaultDirectoryPermissions); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, constants.DefaultFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(migrations.GetInitialSchema()); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	encryptor, err := NewEncryptor()
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize encryptor: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	return &Database{db: db, encryptor: encryptor}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Session registry operations

// RegisterSession adds a session to the shared registry, refreshing the
// record if the id is already present.
func (d *Database) RegisterSession(ctx context.Context, sessionID string) error {
	encryptedID, err := d.encryptor.EncryptIfEnabled(sessionID)
	if err != nil {
		return fmt.Errorf("failed to encrypt session ID: %w", err)
	}

	lookupID, err := d.encryptor.EncryptForLookupIfEnabled(sessionID)
	if err != nil {
		return fmt.Errorf("failed to encrypt session ID for lookup: %w", err)
	}

	err = retryableDBOperation(ctx, func() error {
		_, execErr := d.db.ExecContext(ctx, upsertSessionQuery, encryptedID, lookupID)
		return execErr
	}, "register session")
	if err != nil {
		return fmt.Errorf("failed to register session: %w", err)
	}

	return nil
}

// TouchSession refreshes a session's last_active mark. The bool reports
// whether the record still existed; a pruned record means the caller should
// re-register.
func (d *Database) TouchSession(ctx context.Context, sessionID string) (bool, error) {
	lookupID, err := d.encryptor.EncryptForLookupIfEnabled(sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to encrypt session ID for lookup: %w", err)
	}

	var rows int64
	err = retryableDBOperation(ctx, func() error {
		result, execErr := d.db.ExecContext(ctx, touchSessionQuery, lookupID)
		if execErr != nil {
			return execErr
		}
		rows, execErr = result.RowsAffected()
		return execErr
	}, "touch session")
	if err != nil {
		return false, fmt.Errorf("failed to touch session: %w", err)
	}

	return rows > 0, nil
}

// UnregisterSession removes a session from the registry. Removing an absent
// session is not an error.
func (d *Database) UnregisterSession(ctx context.Context, sessionID string) error {
	lookupID, err := d.encryptor.EncryptForLookupIfEnabled(sessionID)
	if err != nil {
		return fmt.Errorf("failed to encrypt session ID for lookup: %w", err)
	}

	err = retryableDBOperation(ctx, func() error {
		_, execErr := d.db.ExecContext(ctx, deleteSessionQuery, lookupID)
		return execErr
	}, "unregister session")
	if err != nil {
		return fmt.Errorf("failed to unregister session: %w", err)
	}

	return nil
}

// CountActiveSessions counts sessions whose last_active falls inside the
// staleness window. Crashed sessions age out of this count on their own.
func (d *Database) CountActiveSessions(ctx context.Context, within time.Duration) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, countActiveSessionsQuery, int(within.Seconds())).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return count, nil
}

func (d *Database) ListSessions(ctx context.Context) ([]models.SessionRecord, error) {
	rows, err := d.db.QueryContext(ctx, selectSessionsQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []models.SessionRecord
	for rows.Next() {
		var encryptedID string
		var rec models.SessionRecord
		if err := rows.Scan(&encryptedID, &rec.LastActive); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		rec.SessionID, err = d.encryptor.DecryptIfEnabled(encryptedID)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt session ID: %w", err)
		}
		sessions = append(sessions, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}

	return sessions, nil
}

// PruneStaleSessions deletes sessions whose last_active is older than the
// staleness window and returns how many were removed.
func (d *Database) PruneStaleSessions(ctx context.Context, olderThan time.Duration) (int64, error) {
	var pruned int64
	err := retryableDBOperation(ctx, func() error {
		result, execErr := d.db.ExecContext(ctx, pruneStaleSessionsQuery, int(olderThan.Seconds()))
		if execErr != nil {
			return execErr
		}
		pruned, execErr = result.RowsAffected()
		return execErr
	}, "prune stale sessions")
	if err != nil {
		return 0, fmt.Errorf("failed to prune stale sessions: %w", err)
	}
	return pruned, nil
}

// Deletion bus operations

// AppendDeletion writes a deletion record to the bus and returns its id.
// published_at is assigned by the store so retention sweeps compare uniform
// timestamps.
func (d *Database) AppendDeletion(ctx context.Context, rec *models.DeletionRecord) (int64, error) {
	encryptedChatID, err := d.encryptor.EncryptIfEnabled(rec.ChatID)
	if err != nil {
		return 0, fmt.Errorf("failed to encrypt chat ID: %w", err)
	}

	encryptedMessageID, err := d.encryptor.EncryptIfEnabled(rec.MessageID)
	if err != nil {
		return 0, fmt.Errorf("failed to encrypt message ID: %w", err)
	}

	encryptedOrigin, err := d.encryptor.EncryptIfEnabled(rec.Origin)
	if err != nil {
		return 0, fmt.Errorf("failed to encrypt origin: %w", err)
	}

	var id int64
	err = retryableDBOperation(ctx, func() error {
		result, execErr := d.db.ExecContext(ctx, insertDeletionQuery,
			encryptedChatID, encryptedMessageID, encryptedOrigin)
		if execErr != nil {
			return execErr
		}
		id, execErr = result.LastInsertId()
		return execErr
	}, "append deletion")
	if err != nil {
		return 0, fmt.Errorf("failed to append deletion: %w", err)
	}

	return id, nil
}

// ListDeletionsSince returns bus records with id greater than sinceID, in
// publication order.
func (d *Database) ListDeletionsSince(ctx context.Context, sinceID int64) ([]models.DeletionRecord, error) {
	rows, err := d.db.QueryContext(ctx, selectDeletionsSinceQuery, sinceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deletions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []models.DeletionRecord
	for rows.Next() {
		var encryptedChatID, encryptedMessageID, encryptedOrigin string
		var rec models.DeletionRecord
		if err := rows.Scan(&rec.ID, &encryptedChatID, &encryptedMessageID, &encryptedOrigin, &rec.PublishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan deletion: %w", err)
		}

		rec.ChatID, err = d.encryptor.DecryptIfEnabled(encryptedChatID)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt chat ID: %w", err)
		}

		rec.MessageID, err = d.encryptor.DecryptIfEnabled(encryptedMessageID)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt message ID: %w", err)
		}

		rec.Origin, err = d.encryptor.DecryptIfEnabled(encryptedOrigin)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt origin: %w", err)
		}

		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate deletions: %w", err)
	}

	return records, nil
}

// LatestDeletionID returns the id of the newest bus record, or 0 when the
// bus is empty. New observers start their cursor here so they only see
// records published after they attached.
func (d *Database) LatestDeletionID(ctx context.Context) (int64, error) {
	var id int64
	if err := d.db.QueryRowContext(ctx, selectLatestDeletionIDQuery).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to get latest deletion ID: %w", err)
	}
	return id, nil
}

// SweepDeletions deletes bus records older than the retention window and
// returns how many were removed.
func (d *Database) SweepDeletions(ctx context.Context, retention time.Duration) (int64, error) {
	var swept int64
	err := retryableDBOperation(ctx, func() error {
		result, execErr := d.db.ExecContext(ctx, sweepDeletionsQuery, int(retention.Seconds()))
		if execErr != nil {
			return execErr
		}
		swept, execErr = result.RowsAffected()
		return execErr
	}, "sweep deletions")
	if err != nil {
		return 0, fmt.Errorf("failed to sweep deletions: %w", err)
	}
	return swept, nil
}
