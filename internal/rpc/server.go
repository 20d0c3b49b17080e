package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/2060-io/message-pickup-repository/internal/metrics"
	"github.com/2060-io/message-pickup-repository/internal/models"
	"github.com/2060-io/message-pickup-repository/internal/pickup"
)

const (
	writeTimeout   = 5 * time.Second
	callTimeout    = 2 * time.Second
	maxMessageSize = 1 << 20 // 1MB
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server exposes the repository facade as JSON-RPC 2.0 over WebSocket.
// Live sessions created over a socket are bound to it: delivery
// notifications go out on that socket, and closing it tears the sessions
// down as if removeLiveSession had been called.
type Server struct {
	service *pickup.Service
	logger  zerolog.Logger
}

// NewServer creates the RPC server.
func NewServer(service *pickup.Service, logger zerolog.Logger) *Server {
	return &Server{
		service: service,
		logger:  logger.With().Str("component", "rpc").Logger(),
	}
}

// wsConn is one client socket. Writes are serialized through mu; gorilla
// websocket connections do not support concurrent writers.
type wsConn struct {
	ws *websocket.Conn

	mu sync.Mutex

	sessionMu sync.Mutex
	closed    bool            // set by teardown; no session may bind after this
	sessions  map[string]bool // connectionIds with a live session on this socket
}

func (c *wsConn) send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

// ServeHTTP upgrades the connection and runs the read loop.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := &wsConn{ws: ws, sessions: make(map[string]bool)}
	s.logger.Debug().Str("remote_addr", r.RemoteAddr).Msg("client connected")

	defer s.teardown(conn, r.RemoteAddr)

	ws.SetReadLimit(maxMessageSize)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}

		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			_ = conn.send(errorResponse(nil, codeParseError, "parse error"))
			continue
		}
		if req.Method == "" {
			_ = conn.send(errorResponse(req.ID, codeInvalidRequest, "invalid request"))
			continue
		}

		// Dispatch concurrently so a slow store round-trip doesn't stall
		// the socket's other calls.
		go s.dispatch(conn, req)
	}
}

// teardown removes every live session bound to a closing socket.
func (s *Server) teardown(conn *wsConn, remoteAddr string) {
	_ = conn.ws.Close()

	// Marking the socket closed before sweeping means an in-flight
	// addLiveSession either lands in the map we sweep here, or observes the
	// flag and rolls itself back.
	conn.sessionMu.Lock()
	conn.closed = true
	connectionIDs := make([]string, 0, len(conn.sessions))
	for id := range conn.sessions {
		connectionIDs = append(connectionIDs, id)
	}
	conn.sessions = make(map[string]bool)
	conn.sessionMu.Unlock()

	for _, connectionID := range connectionIDs {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		s.service.RemoveLiveSession(ctx, connectionID)
		cancel()
		s.logger.Info().Str("connection_id", connectionID).Msg("live session removed on socket close")
	}

	s.logger.Debug().Str("remote_addr", remoteAddr).Msg("client disconnected")
}

// dispatch routes one request and writes the reply.
func (s *Server) dispatch(conn *wsConn, req request) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	resp := s.handle(ctx, conn, req)

	status := "ok"
	if resp.Error != nil {
		status = "error"
	}
	metrics.RPCRequestsTotal.WithLabelValues(req.Method, status).Inc()
	metrics.RPCRequestDuration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())

	// A request without an id is a notification; no reply goes out.
	if req.ID == nil {
		return
	}
	if err := conn.send(resp); err != nil {
		s.logger.Debug().Err(err).Str("method", req.Method).Msg("failed to write response")
	}
}

// deliverTo builds the delivery callback pushing messageReceive
// notifications for a connection over the given socket.
func (s *Server) deliverTo(conn *wsConn, connectionID string) pickup.DeliveryFunc {
	return func(messages []models.QueuedMessage) {
		note := notification{
			JSONRPC: jsonrpcVersion,
			Method:  "messageReceive",
			Params: messageReceiveParams{
				ConnectionID: connectionID,
				Messages:     toQueuedMessageDTOs(messages),
			},
		}
		if err := conn.send(note); err != nil {
			s.logger.Warn().Err(err).Str("connection_id", connectionID).Msg("failed to push messages to live session")
		}
	}
}
