package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBus implements NotificationBus on Redis pub/sub. Each subscription
// holds its own PubSub connection with a single receive goroutine, so a
// connection's handler is registered exactly once per lifecycle.
type RedisBus struct {
	client *redis.Client
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

// NewRedisBus creates a bus on an existing Redis client.
func NewRedisBus(client *redis.Client, logger zerolog.Logger) *RedisBus {
	return &RedisBus{
		client: client,
		logger: logger.With().Str("component", "bus").Logger(),
		subs:   make(map[string]*redis.PubSub),
	}
}

// channelName namespaces bus channels away from cache and registry keys.
func channelName(connectionID string) string {
	return fmt.Sprintf("pickup:conn:%s", connectionID)
}

// Publish broadcasts a signal on the connection's channel.
func (b *RedisBus) Publish(ctx context.Context, connectionID, payload string) error {
	return b.client.Publish(ctx, channelName(connectionID), payload).Err()
}

// Subscribe registers the handler for the connection's channel. An existing
// subscription for the same connection is torn down first.
func (b *RedisBus) Subscribe(ctx context.Context, connectionID string, handler Handler) error {
	b.mu.Lock()
	if old, ok := b.subs[connectionID]; ok {
		// Replacing, not stacking: the event-emitter pattern in naive
		// pub/sub clients accumulates handlers across re-subscribes.
		_ = old.Close()
		delete(b.subs, connectionID)
	}

	sub := b.client.Subscribe(ctx, channelName(connectionID))
	b.subs[connectionID] = sub
	b.mu.Unlock()

	// Confirm the subscription before returning so a Publish immediately
	// after Subscribe cannot be missed.
	if _, err := sub.Receive(ctx); err != nil {
		b.mu.Lock()
		delete(b.subs, connectionID)
		b.mu.Unlock()
		_ = sub.Close()
		return err
	}

	go func() {
		for msg := range sub.Channel() {
			handler(msg.Payload)
		}
		b.logger.Debug().Str("connection_id", connectionID).Msg("subscription closed")
	}()

	return nil
}

// Unsubscribe removes the subscription for a connection. Idempotent.
func (b *RedisBus) Unsubscribe(connectionID string) error {
	b.mu.Lock()
	sub, ok := b.subs[connectionID]
	delete(b.subs, connectionID)
	b.mu.Unlock()

	if !ok {
		return nil
	}
	return sub.Close()
}

// Close tears down all subscriptions.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		_ = sub.Close()
		delete(b.subs, id)
	}
	return nil
}
