// Package bus carries ephemeral wake-up signals between instances. It holds
// no state of its own: when a message is queued for a connection whose live
// session lives elsewhere, a signal published on the connection's channel
// wakes whichever instance holds the subscription.
package bus

import "context"

// NewMessageSignal is the payload published when a message is queued for a
// connection with a live session.
const NewMessageSignal = "new message"

// Handler is invoked once per published signal on a subscribed channel.
// Handlers run on the bus's receive loop and must not block; forward the
// work and return.
type Handler func(payload string)

// NotificationBus is a fire-and-forget pub/sub channel keyed by connectionId.
// No delivery guarantee, best-effort FIFO per channel, no ordering across
// channels.
type NotificationBus interface {
	// Publish broadcasts a signal on the connection's channel.
	Publish(ctx context.Context, connectionID, payload string) error

	// Subscribe registers the handler for the connection's channel.
	// Exactly one handler exists per subscription lifecycle; subscribing
	// again replaces the previous handler.
	Subscribe(ctx context.Context, connectionID string, handler Handler) error

	// Unsubscribe removes the subscription. Idempotent.
	Unsubscribe(connectionID string) error

	// Close tears down all subscriptions.
	Close() error
}
