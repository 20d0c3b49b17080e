package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2060-io/message-pickup-repository/internal/models"
)

// Cache is the fast tier for freshly queued messages. New messages are
// appended to a per-connection list and migrated to the durable store by the
// persister once they pass the configured age threshold. This decouples
// write latency from durability.
type Cache interface {
	// Push appends a message to the connection's list, assigning ID,
	// CreatedAt and State defaults first.
	Push(ctx context.Context, msg *models.QueuedMessage) error

	// Entries returns up to limit entries for a connection, oldest first.
	// limit <= 0 returns the whole list.
	Entries(ctx context.Context, connectionID string, limit int) ([]CacheEntry, error)

	// Remove deletes entries whose message ID is in messageIDs. Returns
	// the number of entries removed.
	Remove(ctx context.Context, connectionID string, messageIDs []string) (int64, error)

	// RemoveRaw deletes a single entry by its raw list value.
	RemoveRaw(ctx context.Context, connectionID, raw string) error

	// Len returns the number of fast-tier messages for a connection.
	Len(ctx context.Context, connectionID string) (int64, error)

	// Connections returns all connection IDs with fast-tier messages.
	Connections(ctx context.Context) ([]string, error)
}

// RedisCache implements Cache on a per-connection Redis list.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a fast-tier cache on an existing Redis client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Ping checks the Redis connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// messagesKey returns the key for a connection's message list.
func messagesKey(connectionID string) string {
	return fmt.Sprintf("connectionId:%s:messages", connectionID)
}

// CacheEntry pairs a decoded message with the raw list member it was decoded
// from, so callers can LREM the exact value.
type CacheEntry struct {
	Raw     string
	Message models.QueuedMessage
}

// Push appends a message to the connection's fast-tier list.
func (c *RedisCache) Push(ctx context.Context, msg *models.QueuedMessage) error {
	prepare(msg)

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return c.client.RPush(ctx, messagesKey(msg.ConnectionID), string(data)).Err()
}

// Entries returns up to limit entries for a connection, oldest first.
// limit <= 0 returns the whole list.
func (c *RedisCache) Entries(ctx context.Context, connectionID string, limit int) ([]CacheEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	raw, err := c.client.LRange(ctx, messagesKey(connectionID), 0, stop).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]CacheEntry, 0, len(raw))
	for _, data := range raw {
		var msg models.QueuedMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			continue
		}
		entries = append(entries, CacheEntry{Raw: data, Message: msg})
	}

	return entries, nil
}

// Remove deletes entries whose message ID is in messageIDs. Returns the
// number of entries removed.
func (c *RedisCache) Remove(ctx context.Context, connectionID string, messageIDs []string) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}

	wanted := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = true
	}

	entries, err := c.Entries(ctx, connectionID, 0)
	if err != nil {
		return 0, err
	}

	var removed int64
	for _, entry := range entries {
		if !wanted[entry.Message.ID] {
			continue
		}
		n, err := c.client.LRem(ctx, messagesKey(connectionID), 1, entry.Raw).Result()
		if err != nil {
			return removed, err
		}
		removed += n
	}

	return removed, nil
}

// RemoveRaw deletes a single entry by its raw list value.
func (c *RedisCache) RemoveRaw(ctx context.Context, connectionID, raw string) error {
	return c.client.LRem(ctx, messagesKey(connectionID), 1, raw).Err()
}

// Len returns the number of fast-tier messages for a connection.
func (c *RedisCache) Len(ctx context.Context, connectionID string) (int64, error) {
	return c.client.LLen(ctx, messagesKey(connectionID)).Result()
}

// Connections scans for all connection IDs with fast-tier messages.
func (c *RedisCache) Connections(ctx context.Context) ([]string, error) {
	var connections []string

	iter := c.client.Scan(ctx, 0, "connectionId:*:messages", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		// connectionId:<id>:messages
		id := key[len("connectionId:") : len(key)-len(":messages")]
		connections = append(connections, id)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	return connections, nil
}

// OlderThan filters entries created before the cutoff.
func OlderThan(entries []CacheEntry, cutoff time.Time) []CacheEntry {
	var old []CacheEntry
	for _, entry := range entries {
		if entry.Message.CreatedAt.Before(cutoff) {
			old = append(old, entry)
		}
	}
	return old
}
