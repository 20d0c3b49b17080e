// Package registry tracks which instance holds the active live pickup
// session for each connection. The backing store must be visible to every
// instance in the fleet, since any instance may need to answer "does this
// connection have a live session anywhere?".
package registry

import (
	"context"

	"github.com/2060-io/message-pickup-repository/internal/models"
)

// LiveSessionRegistry is the cluster-visible mapping from connectionId to
// the live session currently serving it.
type LiveSessionRegistry interface {
	// Get returns the live session for a connection, or nil if absent.
	Get(ctx context.Context, connectionID string) (*models.LiveSession, error)

	// Put upserts the session for its connectionId, last-writer-wins.
	// It reports whether an existing record was replaced.
	Put(ctx context.Context, session *models.LiveSession) (replaced bool, err error)

	// Delete removes the record for a connection. It reports whether a
	// record existed.
	Delete(ctx context.Context, connectionID string) (bool, error)
}
