// Package client provides a Go client for the message pickup repository's
// JSON-RPC WebSocket API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultCallTimeout = 2 * time.Second
	writeTimeout       = 5 * time.Second
)

// RPCError is a JSON-RPC error returned by the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ErrClosed is returned by calls made after the connection is closed.
var ErrClosed = errors.New("client: connection closed")

// QueuedMessage is a message held by the repository for a connection.
type QueuedMessage struct {
	ID               string          `json:"id"`
	ReceivedAt       time.Time       `json:"receivedAt"`
	EncryptedMessage json.RawMessage `json:"encryptedMessage"`
	State            string          `json:"state"`
}

// LiveSession describes an active pickup session.
type LiveSession struct {
	SessionID    string    `json:"sessionId"`
	ConnectionID string    `json:"connectionId"`
	Instance     string    `json:"instance"`
	CreatedAt    time.Time `json:"createdAt,omitempty"`
}

// MessageReceived is the payload of a messageReceive push from the server.
type MessageReceived struct {
	ConnectionID string          `json:"connectionId"`
	Messages     []QueuedMessage `json:"messages"`
}

// MessageListener handles server-pushed messages for live sessions
// registered over this connection.
type MessageListener func(MessageReceived)

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Client is a message pickup repository client. It is safe for
// concurrent use.
type Client struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan rpcEnvelope
	closed    bool

	nextID uint64

	listenerMu sync.Mutex
	listener   MessageListener

	// CallTimeout bounds each RPC round trip. Defaults to 2 seconds.
	CallTimeout time.Duration
}

// Dial connects to a repository at the given WebSocket URL
// (e.g. ws://localhost:3100/ws).
func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	c := &Client{
		ws:          ws,
		pending:     make(map[string]chan rpcEnvelope),
		CallTimeout: defaultCallTimeout,
	}
	go c.readLoop()
	return c, nil
}

// SetMessageListener registers the callback invoked for messageReceive
// pushes. Register it before calling AddLiveSession.
func (c *Client) SetMessageListener(fn MessageListener) {
	c.listenerMu.Lock()
	c.listener = fn
	c.listenerMu.Unlock()
}

// Close closes the connection. In-flight calls fail with ErrClosed.
func (c *Client) Close() error {
	err := c.ws.Close()
	c.failPending()
	return err
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) readLoop() {
	defer c.failPending()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var env rpcEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		// Server push: a request with a method and no id.
		if env.Method != "" && env.ID == nil {
			c.handleNotification(env)
			continue
		}

		var id string
		if err := json.Unmarshal(env.ID, &id); err != nil {
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[id]
		if ok {
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- env
		}
	}
}

func (c *Client) handleNotification(env rpcEnvelope) {
	if env.Method != "messageReceive" {
		return
	}
	c.listenerMu.Lock()
	fn := c.listener
	c.listenerMu.Unlock()
	if fn == nil {
		return
	}

	var payload MessageReceived
	if err := json.Unmarshal(env.Params, &payload); err != nil {
		return
	}
	fn(payload)
}

// call performs one RPC round trip and unmarshals the result into out
// (when out is non-nil).
func (c *Client) call(ctx context.Context, method string, params, out interface{}) error {
	id := strconv.FormatUint(atomic.AddUint64(&c.nextID, 1), 10)
	ch := make(chan rpcEnvelope, 1)

	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		return ErrClosed
	}
	c.pending[id] = ch
	c.pendingMu.Unlock()

	drop := func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := c.ws.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		drop()
		return err
	}

	timeout := c.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		if env.Error != nil {
			return env.Error
		}
		if out == nil || len(env.Result) == 0 || string(env.Result) == "null" {
			return nil
		}
		return json.Unmarshal(env.Result, out)
	case <-timer.C:
		drop()
		return fmt.Errorf("client: %s timed out after %s", method, timeout)
	case <-ctx.Done():
		drop()
		return ctx.Err()
	}
}

// TakeFromQueueOptions are the optional knobs of TakeFromQueue.
type TakeFromQueueOptions struct {
	// Limit caps the number of returned messages; 0 means the server
	// default.
	Limit int

	// RecipientDid widens the fetch to messages queued under this
	// recipient key.
	RecipientDid string

	// DeleteMessages removes the returned messages outright instead of
	// claiming them for later acknowledgement.
	DeleteMessages bool
}

type takeFromQueueRequest struct {
	ConnectionID   string `json:"connectionId"`
	Limit          int    `json:"limit,omitempty"`
	DeleteMessages bool   `json:"deleteMessages,omitempty"`
	RecipientDid   string `json:"recipientDid,omitempty"`
}

// TakeFromQueue fetches queued messages for a connection.
func (c *Client) TakeFromQueue(ctx context.Context, connectionID string, opts TakeFromQueueOptions) ([]QueuedMessage, error) {
	req := takeFromQueueRequest{
		ConnectionID:   connectionID,
		Limit:          opts.Limit,
		DeleteMessages: opts.DeleteMessages,
		RecipientDid:   opts.RecipientDid,
	}
	var messages []QueuedMessage
	if err := c.call(ctx, "takeFromQueue", req, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

type connectionIDRequest struct {
	ConnectionID string `json:"connectionId"`
}

// GetAvailableMessageCount returns how many messages await pickup.
func (c *Client) GetAvailableMessageCount(ctx context.Context, connectionID string) (int64, error) {
	var count int64
	err := c.call(ctx, "getAvailableMessageCount", connectionIDRequest{ConnectionID: connectionID}, &count)
	return count, err
}

type addMessageRequest struct {
	ConnectionID  string          `json:"connectionId"`
	RecipientDids []string        `json:"recipientDids"`
	Payload       json.RawMessage `json:"payload"`
	Token         string          `json:"token,omitempty"`
}

// AddMessageResult reports how an added message was routed.
type AddMessageResult struct {
	MessageID string `json:"messageId"`

	// ReceivedAt is when the repository accepted the message.
	ReceivedAt time.Time `json:"receivedAt"`
}

// AddMessage queues an encrypted message for a connection. Token, when
// set, enables a push notification if no live session exists anywhere.
func (c *Client) AddMessage(ctx context.Context, connectionID string, recipientDids []string, payload json.RawMessage, token string) (*AddMessageResult, error) {
	req := addMessageRequest{
		ConnectionID:  connectionID,
		RecipientDids: recipientDids,
		Payload:       payload,
		Token:         token,
	}
	var result AddMessageResult
	if err := c.call(ctx, "addMessage", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type removeMessagesRequest struct {
	ConnectionID string   `json:"connectionId"`
	MessageIDs   []string `json:"messageIds"`
}

// RemoveMessages acknowledges delivered messages, deleting them.
func (c *Client) RemoveMessages(ctx context.Context, connectionID string, messageIDs []string) error {
	return c.call(ctx, "removeMessages", removeMessagesRequest{
		ConnectionID: connectionID,
		MessageIDs:   messageIDs,
	}, nil)
}

// GetLiveSession returns the live session for a connection, or nil when
// none is registered.
func (c *Client) GetLiveSession(ctx context.Context, connectionID string) (*LiveSession, error) {
	var session *LiveSession
	if err := c.call(ctx, "getLiveSession", connectionIDRequest{ConnectionID: connectionID}, &session); err != nil {
		return nil, err
	}
	return session, nil
}

type addLiveSessionRequest struct {
	ConnectionID string `json:"connectionId"`
	SessionID    string `json:"sessionId"`
	Instance     string `json:"instance,omitempty"`
}

// AddLiveSession registers a live pickup session bound to this
// connection. Queued messages start flowing through the listener set
// with SetMessageListener.
func (c *Client) AddLiveSession(ctx context.Context, connectionID, sessionID string) (bool, error) {
	var ok bool
	err := c.call(ctx, "addLiveSession", addLiveSessionRequest{
		ConnectionID: connectionID,
		SessionID:    sessionID,
	}, &ok)
	return ok, err
}

// RemoveLiveSession deregisters the live session for a connection.
func (c *Client) RemoveLiveSession(ctx context.Context, connectionID string) (bool, error) {
	var ok bool
	err := c.call(ctx, "removeLiveSession", connectionIDRequest{ConnectionID: connectionID}, &ok)
	return ok, err
}

// Ping checks that the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	var pong string
	if err := c.call(ctx, "ping", struct{}{}, &pong); err != nil {
		return err
	}
	if pong != "pong" {
		return fmt.Errorf("client: unexpected ping reply %q", pong)
	}
	return nil
}
