package bus

import (
	"context"
	"sync"
)

// MemoryBus is a process-local bus for single-instance deployments and
// tests. Signals are delivered synchronously to the registered handler.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[string]Handler)}
}

// Publish invokes the connection's handler, if any. Signals published to
// channels without a subscriber are dropped, matching pub/sub semantics.
func (b *MemoryBus) Publish(_ context.Context, connectionID, payload string) error {
	b.mu.RLock()
	handler, ok := b.handlers[connectionID]
	b.mu.RUnlock()

	if ok {
		handler(payload)
	}
	return nil
}

// Subscribe registers the handler, replacing any existing one.
func (b *MemoryBus) Subscribe(_ context.Context, connectionID string, handler Handler) error {
	b.mu.Lock()
	b.handlers[connectionID] = handler
	b.mu.Unlock()
	return nil
}

// Unsubscribe removes the subscription for a connection. Idempotent.
func (b *MemoryBus) Unsubscribe(connectionID string) error {
	b.mu.Lock()
	delete(b.handlers, connectionID)
	b.mu.Unlock()
	return nil
}

// Close removes all subscriptions.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.handlers = make(map[string]Handler)
	b.mu.Unlock()
	return nil
}
