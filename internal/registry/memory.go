package registry

import (
	"context"
	"sync"

	"github.com/2060-io/message-pickup-repository/internal/models"
)

// MemoryRegistry is a process-local registry for single-instance
// deployments and tests. It must not be used behind a load balancer.
type MemoryRegistry struct {
	mu       sync.RWMutex
	sessions map[string]models.LiveSession
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{sessions: make(map[string]models.LiveSession)}
}

// Get returns the live session for a connection, or nil if absent.
func (r *MemoryRegistry) Get(_ context.Context, connectionID string) (*models.LiveSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[connectionID]
	if !ok {
		return nil, nil
	}
	copied := session
	return &copied, nil
}

// Put upserts the session record, returning whether one was replaced.
func (r *MemoryRegistry) Put(_ context.Context, session *models.LiveSession) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, replaced := r.sessions[session.ConnectionID]
	r.sessions[session.ConnectionID] = *session
	return replaced, nil
}

// Delete removes the record for a connection.
func (r *MemoryRegistry) Delete(_ context.Context, connectionID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, existed := r.sessions[connectionID]
	delete(r.sessions, connectionID)
	return existed, nil
}
