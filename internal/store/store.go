package store

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/2060-io/message-pickup-repository/internal/models"
)

// MessageStore defines the interface for durable storage of queued messages.
// Both PostgresStore and SQLiteStore implement this interface.
type MessageStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Enqueue persists a message. A missing ID or CreatedAt is assigned
	// before the insert; a pre-set ID is kept as-is (used when migrating
	// messages from the fast tier).
	Enqueue(ctx context.Context, msg *models.QueuedMessage) error

	// Fetch returns up to limit pending messages claimable by connectionID
	// or recipientDid (inclusive-or), oldest first. When deleteAfterFetch
	// is false every returned message is transitioned to sending in the
	// same call; when true the fetched rows are deleted outright.
	Fetch(ctx context.Context, connectionID, recipientDid string, limit int, deleteAfterFetch bool) ([]models.QueuedMessage, error)

	// Remove deletes the given message IDs scoped to connectionID.
	// Missing IDs are silently ignored. Returns the number of rows deleted.
	Remove(ctx context.Context, connectionID string, messageIDs []string) (int64, error)

	// CountPending returns the number of pending messages for a connection.
	CountPending(ctx context.Context, connectionID string) (int, error)

	// ResetStaleSending transitions all sending messages for a connection
	// back to pending. Returns the number of rows affected.
	ResetStaleSending(ctx context.Context, connectionID string) (int64, error)

	// ResetExpiredSending transitions sending messages claimed longer than
	// olderThan ago back to pending, across all connections.
	ResetExpiredSending(ctx context.Context, olderThan time.Duration) (int64, error)
}

// idGen produces lexicographically sortable ULIDs. The monotonic entropy
// source guarantees ordering for IDs minted within the same millisecond.
var idGen = struct {
	sync.Mutex
	entropy *ulid.MonotonicEntropy
}{entropy: ulid.Monotonic(rand.Reader, 0)}

// NewMessageID generates a ULID for a queued message.
func NewMessageID(t time.Time) string {
	idGen.Lock()
	defer idGen.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), idGen.entropy).String()
}

// prepare fills in ID, CreatedAt and State defaults before an insert.
func prepare(msg *models.QueuedMessage) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.ID == "" {
		msg.ID = NewMessageID(msg.CreatedAt)
	}
	if msg.State == "" {
		msg.State = models.StatePending
	}
}
