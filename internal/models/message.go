package models

import (
	"encoding/json"
	"time"
)

// MessageState is the delivery state of a queued message.
type MessageState string

const (
	// StatePending marks a message awaiting a delivery attempt.
	StatePending MessageState = "pending"
	// StateSending marks a message claimed for delivery, awaiting
	// acknowledgment or removal.
	StateSending MessageState = "sending"
)

// QueuedMessage represents an encrypted message queued for delivery.
type QueuedMessage struct {
	ID               string          `json:"id"` // ULID
	ConnectionID     string          `json:"connectionId"`
	RecipientKeys    []string        `json:"recipientKeys,omitempty"`
	EncryptedMessage json.RawMessage `json:"encryptedMessage"` // opaque, never inspected
	State            MessageState    `json:"state"`
	CreatedAt        time.Time       `json:"receivedAt"`
}
