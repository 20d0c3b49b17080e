package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/2060-io/message-pickup-repository/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool
// and initializes the schema.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	store := &PostgresStore{pool: pool}

	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates the queued_messages table if it doesn't exist.
func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS queued_messages (
		id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL,
		recipient_keys TEXT[] NOT NULL DEFAULT '{}',
		encrypted_message JSONB NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		claimed_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_queued_messages_connection ON queued_messages(connection_id);
	CREATE INDEX IF NOT EXISTS idx_queued_messages_state ON queued_messages(state);
	CREATE INDEX IF NOT EXISTS idx_queued_messages_created ON queued_messages(created_at);
	CREATE INDEX IF NOT EXISTS idx_queued_messages_recipients ON queued_messages USING GIN(recipient_keys);
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Enqueue persists a message.
func (s *PostgresStore) Enqueue(ctx context.Context, msg *models.QueuedMessage) error {
	prepare(msg)

	var claimedAt *time.Time
	if msg.State == models.StateSending {
		now := time.Now().UTC()
		claimedAt = &now
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO queued_messages (id, connection_id, recipient_keys, encrypted_message, state, created_at, claimed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, msg.ID, msg.ConnectionID, msg.RecipientKeys, msg.EncryptedMessage, string(msg.State), msg.CreatedAt, claimedAt)
	return err
}

// Fetch retrieves pending messages for a connection or recipient DID.
func (s *PostgresStore) Fetch(ctx context.Context, connectionID, recipientDid string, limit int, deleteAfterFetch bool) ([]models.QueuedMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, connection_id, recipient_keys, encrypted_message, state, created_at
		FROM queued_messages
		WHERE (connection_id = $1 OR $2 = ANY(recipient_keys)) AND state = 'pending'
		ORDER BY created_at, id
		LIMIT $3
	`, connectionID, recipientDid, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.QueuedMessage
	var ids []string
	for rows.Next() {
		var msg models.QueuedMessage
		var state string
		err := rows.Scan(
			&msg.ID,
			&msg.ConnectionID,
			&msg.RecipientKeys,
			&msg.EncryptedMessage,
			&state,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
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
		_, err = s.pool.Exec(ctx, `DELETE FROM queued_messages WHERE id = ANY($1)`, ids)
		if err != nil {
			return nil, err
		}
		return messages, nil
	}

	// Claim the batch. A partially applied update is recoverable: the
	// reclaimer resets stragglers, so the row count is not checked here.
	_, err = s.pool.Exec(ctx, `
		UPDATE queued_messages SET state = 'sending', claimed_at = NOW()
		WHERE id = ANY($1) AND state = 'pending'
	`, ids)
	if err != nil {
		return nil, err
	}
	for i := range messages {
		messages[i].State = models.StateSending
	}

	return messages, nil
}

// Remove deletes messages by ID, scoped to the connection.
func (s *PostgresStore) Remove(ctx context.Context, connectionID string, messageIDs []string) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM queued_messages WHERE connection_id = $1 AND id = ANY($2)
	`, connectionID, messageIDs)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CountPending counts pending messages for a connection.
func (s *PostgresStore) CountPending(ctx context.Context, connectionID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM queued_messages WHERE connection_id = $1 AND state = 'pending'
	`, connectionID).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ResetStaleSending transitions sending messages back to pending for a connection.
func (s *PostgresStore) ResetStaleSending(ctx context.Context, connectionID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queued_messages SET state = 'pending', claimed_at = NULL
		WHERE connection_id = $1 AND state = 'sending'
	`, connectionID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ResetExpiredSending transitions long-claimed sending messages back to pending.
func (s *PostgresStore) ResetExpiredSending(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := s.pool.Exec(ctx, `
		UPDATE queued_messages SET state = 'pending', claimed_at = NULL
		WHERE state = 'sending' AND claimed_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
