package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/2060-io/message-pickup-repository/internal/models"
)

// MemoryCache is a process-local fast tier for single-instance runs and
// tests. Entries are held in the same JSON-encoded form RedisCache stores,
// so Raw values behave identically.
type MemoryCache struct {
	mu    sync.Mutex
	lists map[string][]string
}

// NewMemoryCache creates an empty in-memory fast tier.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{lists: make(map[string][]string)}
}

// Push appends a message to the connection's list.
func (c *MemoryCache) Push(_ context.Context, msg *models.QueuedMessage) error {
	prepare(msg)

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.lists[msg.ConnectionID] = append(c.lists[msg.ConnectionID], string(data))
	c.mu.Unlock()
	return nil
}

// Entries returns up to limit entries for a connection, oldest first.
func (c *MemoryCache) Entries(_ context.Context, connectionID string, limit int) ([]CacheEntry, error) {
	c.mu.Lock()
	raw := append([]string(nil), c.lists[connectionID]...)
	c.mu.Unlock()

	if limit > 0 && len(raw) > limit {
		raw = raw[:limit]
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

// Remove deletes entries whose message ID is in messageIDs.
func (c *MemoryCache) Remove(ctx context.Context, connectionID string, messageIDs []string) (int64, error) {
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
		if err := c.RemoveRaw(ctx, connectionID, entry.Raw); err != nil {
			return removed, err
		}
		removed++
	}

	return removed, nil
}

// RemoveRaw deletes the first entry equal to raw.
func (c *MemoryCache) RemoveRaw(_ context.Context, connectionID, raw string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.lists[connectionID]
	for i, data := range list {
		if data == raw {
			c.lists[connectionID] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(c.lists[connectionID]) == 0 {
		delete(c.lists, connectionID)
	}
	return nil
}

// Len returns the number of fast-tier messages for a connection.
func (c *MemoryCache) Len(_ context.Context, connectionID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.lists[connectionID])), nil
}

// Connections returns all connection IDs with fast-tier messages.
func (c *MemoryCache) Connections(_ context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	connections := make([]string, 0, len(c.lists))
	for id := range c.lists {
		connections = append(connections, id)
	}
	return connections, nil
}
