// Package push is the delivery fallback: when no live session exists
// anywhere in the fleet, the device is poked through an external push
// notification service so the client comes back and picks up its queue.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const dispatchTimeout = 2 * time.Second

// Dispatcher sends a wake-up notification for a queued message to a device
// token. Implementations report success but never surface errors to the
// enqueue path; a failed notification is logged and dropped.
type Dispatcher interface {
	Send(ctx context.Context, token, messageID string) bool
}

// sendRequest is the wire format expected by the push notification service.
type sendRequest struct {
	Token     string `json:"token"`
	MessageID string `json:"messageId"`
}

// sendResponse is the push notification service's reply.
type sendResponse struct {
	Success bool `json:"success"`
}

// HTTPDispatcher posts notifications to an FCM-style relay service. A
// per-token queue suppresses duplicate notifications within a short window,
// so a burst of messages produces a single device wake-up.
type HTTPDispatcher struct {
	url    string
	client *http.Client
	queue  *tokenQueue
	logger zerolog.Logger
}

// NewHTTPDispatcher creates a dispatcher targeting the given service URL.
func NewHTTPDispatcher(url string, logger zerolog.Logger) *HTTPDispatcher {
	return &HTTPDispatcher{
		url:    url,
		client: &http.Client{Timeout: dispatchTimeout},
		queue:  newTokenQueue(tokenQueueTTL),
		logger: logger.With().Str("component", "push").Logger(),
	}
}

// Send posts a notification for messageID to the device token. Returns
// whether the provider reported success. Duplicate tokens within the dedup
// window are skipped and reported as success.
func (d *HTTPDispatcher) Send(ctx context.Context, token, messageID string) bool {
	if !d.queue.tryAcquire(token) {
		d.logger.Debug().Str("message_id", messageID).Msg("token already queued, skipping notification")
		return true
	}

	body, err := json.Marshal(sendRequest{Token: token, MessageID: messageID})
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to encode push request")
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to build push request")
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Error().Err(err).Str("message_id", messageID).Msg("push notification request failed")
		return false
	}
	defer resp.Body.Close()

	var result sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		d.logger.Error().Err(err).Int("status", resp.StatusCode).Msg("failed to decode push response")
		return false
	}

	if !result.Success {
		d.logger.Error().Str("message_id", messageID).Msg("push notification was not successful")
		return false
	}

	d.logger.Debug().Str("message_id", messageID).Msg("push notification sent")
	return true
}

// NoopDispatcher is used when no push service is configured.
type NoopDispatcher struct{}

// Send drops the notification.
func (NoopDispatcher) Send(context.Context, string, string) bool { return false }
