package database

// Session registry queries
const (
	upsertSessionQuery = `
		INSERT OR REPLACE INTO sessions (session_id, session_id_hash, last_active)
		VALUES (?, ?, CURRENT_TIMESTAMP)
	`

	touchSessionQuery = `
		UPDATE sessions
		SET last_active = CURRENT_TIMESTAMP
		WHERE session_id_hash = ?
	`

	deleteSessionQuery = `
		DELETE FROM sessions
		WHERE session_id_hash = ?
	`

	countActiveSessionsQuery = `
		SELECT COUNT(*)
		FROM sessions
		WHERE last_active >= datetime('now', '-' || ? || ' seconds')
	`

	selectSessionsQuery = `
		SELECT session_id, last_active
		FROM sessions
		ORDER BY last_active DESC
	`

	pruneStaleSessionsQuery = `
		DELETE FROM sessions
		WHERE last_active < datetime('now', '-' || ? || ' seconds')
	`
)

// Deletion bus queries
const (
	insertDeletionQuery = `
		INSERT INTO deletions (chat_id, message_id, origin)
		VALUES (?, ?, ?)
	`

	selectDeletionsSinceQuery = `
		SELECT id, chat_id, message_id, origin, published_at
		FROM deletions
		WHERE id > ?
		ORDER BY id ASC
	`

	selectLatestDeletionIDQuery = `
		SELECT COALESCE(MAX(id), 0)
		FROM deletions
	`

	sweepDeletionsQuery = `
		DELETE FROM deletions
		WHERE published_at < datetime('now', '-' || ? || ' seconds')
	`
)
