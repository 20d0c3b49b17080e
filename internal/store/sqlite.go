package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/2060-io/message-pickup-repository/internal/models"
)

// SQLiteStore handles SQLite database operations. It is used for local
// development and single-instance deployments without Postgres.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/pickup.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/pickup.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS queued_messages (
		id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL,
		recipient_keys TEXT NOT NULL DEFAULT '[]',
		encrypted_message TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME NOT NULL,
		claimed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_queued_messages_connection ON queued_messages(connection_id);
	CREATE INDEX IF NOT EXISTS idx_queued_messages_state ON queued_messages(state);
	CREATE INDEX IF NOT EXISTS idx_queued_messages_created ON queued_messages(created_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Enqueue persists a message.
func (s *SQLiteStore) Enqueue(ctx context.Context, msg *models.QueuedMessage) error {
	prepare(msg)

	keys, err := json.Marshal(msg.RecipientKeys)
	if err != nil {
		return err
	}

	var claimedAt interface{}
	if msg.State == models.StateSending {
		claimedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO queued_messages (id, connection_id, recipient_keys, encrypted_message, state, created_at, claimed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConnectionID, string(keys), string(msg.EncryptedMessage), string(msg.State), msg.CreatedAt.UTC(), claimedAt)
	return err
}

// Fetch retrieves pending messages for a connection or recipient DID.
func (s *SQLiteStore) Fetch(ctx context.Context, connectionID, recipientDid string, limit int, deleteAfterFetch bool) ([]models.QueuedMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, connection_id, recipient_keys, encrypted_message, state, created_at
		FROM queued_messages
		WHERE (connection_id = ?
			OR EXISTS (SELECT 1 FROM json_each(queued_messages.recipient_keys) WHERE json_each.value = ?))
			AND state = 'pending'
		ORDER BY created_at, id
		LIMIT ?
	`, connectionID, recipientDid, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.QueuedMessage
	var ids []string
	for rows.Next() {
		var msg models.QueuedMessage
		var keys, payload, state string
		err := rows.Scan(
			&msg.ID,
			&msg.ConnectionID,
			&keys,
			&payload,
			&state,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(keys), &msg.RecipientKeys); err != nil {
			return nil, err
		}
		msg.EncryptedMessage = json.RawMessage(payload)
		msg.State = models.MessageState(state)
		messages = append(messages, msg)
		ids = append(ids, msg.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return messages, nil
	}

	if deleteAfterFetch {
		query := `DELETE FROM queued_messages WHERE id IN (` + placeholders(len(ids)) + `)`
		if _, err := s.db.ExecContext(ctx, query, toArgs(ids)...); err != nil {
			return nil, err
		}
		return messages, nil
	}

	// Claim the batch. Partial application is repaired by the reclaimer.
	query := `UPDATE queued_messages SET state = 'sending', claimed_at = ?
		WHERE id IN (` + placeholders(len(ids)) + `) AND state = 'pending'`
	args := append([]interface{}{time.Now().UTC()}, toArgs(ids)...)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, err
	}
	for i := range messages {
		messages[i].State = models.StateSending
	}

	return messages, nil
}

// Remove deletes messages by ID, scoped to the connection.
func (s *SQLiteStore) Remove(ctx context.Context, connectionID string, messageIDs []string) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}

	query := `DELETE FROM queued_messages WHERE connection_id = ? AND id IN (` + placeholders(len(messageIDs)) + `)`
	args := append([]interface{}{connectionID}, toArgs(messageIDs)...)
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CountPending counts pending messages for a connection.
func (s *SQLiteStore) CountPending(ctx context.Context, connectionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queued_messages WHERE connection_id = ? AND state = 'pending'
	`, connectionID).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ResetStaleSending transitions sending messages back to pending for a connection.
func (s *SQLiteStore) ResetStaleSending(ctx context.Context, connectionID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE queued_messages SET state = 'pending', claimed_at = NULL
		WHERE connection_id = ? AND state = 'sending'
	`, connectionID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ResetExpiredSending transitions long-claimed sending messages back to pending.
func (s *SQLiteStore) ResetExpiredSending(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	result, err := s.db.ExecContext(ctx, `
		UPDATE queued_messages SET state = 'pending', claimed_at = NULL
		WHERE state = 'sending' AND claimed_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// placeholders returns a "?, ?, ..." list of n placeholders.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toArgs(ids []string) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
