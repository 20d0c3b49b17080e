package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2060-io/message-pickup-repository/internal/models"
)

// RedisRegistry stores live-session records in Redis so that every instance
// sees the same view. Records may carry a TTL so a crashed instance cannot
// pin a connection forever; the subscription is re-created on every
// AddLiveSession, which makes expiry safe.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration // 0 disables expiry
}

// NewRedisRegistry creates a registry on an existing Redis client.
func NewRedisRegistry(client *redis.Client, ttl time.Duration) *RedisRegistry {
	return &RedisRegistry{client: client, ttl: ttl}
}

// sessionKey returns the key for a connection's live-session record.
func sessionKey(connectionID string) string {
	return fmt.Sprintf("livesession:%s", connectionID)
}

// Get returns the live session for a connection, or nil if absent.
func (r *RedisRegistry) Get(ctx context.Context, connectionID string) (*models.LiveSession, error) {
	data, err := r.client.Get(ctx, sessionKey(connectionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var session models.LiveSession
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Put upserts the session record, returning whether one was replaced.
func (r *RedisRegistry) Put(ctx context.Context, session *models.LiveSession) (bool, error) {
	data, err := json.Marshal(session)
	if err != nil {
		return false, err
	}

	// SET with GET returns the previous value atomically, which tells us
	// whether this write overwrote another instance's session.
	old, err := r.client.SetArgs(ctx, sessionKey(session.ConnectionID), string(data), redis.SetArgs{
		TTL: r.ttl,
		Get: true,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return old != "", nil
}

// Delete removes the record for a connection.
func (r *RedisRegistry) Delete(ctx context.Context, connectionID string) (bool, error) {
	n, err := r.client.Del(ctx, sessionKey(connectionID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
