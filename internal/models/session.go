package models

import "time"

// LiveSession records which instance currently holds an active pickup
// session for a connection. At most one record exists per connectionId;
// conflicting writes are last-writer-wins.
type LiveSession struct {
	SessionID    string    `json:"sessionId"`
	ConnectionID string    `json:"connectionId"`
	Instance     string    `json:"instance"` // diagnostics only, routing goes through the bus
	CreatedAt    time.Time `json:"createdAt,omitempty"`
}
