package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/2060-io/message-pickup-repository/internal/models"
	"github.com/2060-io/message-pickup-repository/internal/pickup"
)

// Param and result DTOs for the RPC surface.

type takeFromQueueParams struct {
	ConnectionID   string `json:"connectionId"`
	Limit          int    `json:"limit,omitempty"`
	DeleteMessages bool   `json:"deleteMessages,omitempty"`
	RecipientDid   string `json:"recipientDid,omitempty"`
}

type connectionIDParams struct {
	ConnectionID string `json:"connectionId"`
}

type addMessageParams struct {
	ConnectionID  string          `json:"connectionId"`
	RecipientDids []string        `json:"recipientDids"`
	Payload       json.RawMessage `json:"payload"`
	Token         string          `json:"token,omitempty"`
}

type removeMessagesParams struct {
	ConnectionID string   `json:"connectionId"`
	MessageIDs   []string `json:"messageIds"`
}

type addLiveSessionParams struct {
	ConnectionID string `json:"connectionId"`
	SessionID    string `json:"sessionId"`
	Instance     string `json:"instance,omitempty"`
}

// queuedMessageDTO is the wire shape of a queued message.
type queuedMessageDTO struct {
	ID               string          `json:"id"`
	ReceivedAt       time.Time       `json:"receivedAt"`
	EncryptedMessage json.RawMessage `json:"encryptedMessage"`
	State            string          `json:"state"`
}

// messageReceiveParams is the payload of the messageReceive notification
// pushed to live-session sockets.
type messageReceiveParams struct {
	ConnectionID string             `json:"connectionId"`
	Messages     []queuedMessageDTO `json:"messages"`
}

func toQueuedMessageDTOs(messages []models.QueuedMessage) []queuedMessageDTO {
	dtos := make([]queuedMessageDTO, len(messages))
	for i, msg := range messages {
		dtos[i] = queuedMessageDTO{
			ID:               msg.ID,
			ReceivedAt:       msg.CreatedAt,
			EncryptedMessage: msg.EncryptedMessage,
			State:            string(msg.State),
		}
	}
	return dtos
}

// handle executes one RPC call against the facade.
func (s *Server) handle(ctx context.Context, conn *wsConn, req request) response {
	switch req.Method {
	case "ping":
		return resultResponse(req.ID, "pong")

	case "takeFromQueue":
		var p takeFromQueueParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return errorResponse(req.ID, codeInvalidParams, err.Error())
		}
		if p.ConnectionID == "" {
			return errorResponse(req.ID, codeInvalidParams, "connectionId is required")
		}
		messages := s.service.TakeFromQueue(ctx, pickup.TakeFromQueueParams{
			ConnectionID:   p.ConnectionID,
			RecipientDid:   p.RecipientDid,
			Limit:          p.Limit,
			DeleteMessages: p.DeleteMessages,
		})
		return resultResponse(req.ID, toQueuedMessageDTOs(messages))

	case "getAvailableMessageCount":
		var p connectionIDParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return errorResponse(req.ID, codeInvalidParams, err.Error())
		}
		if p.ConnectionID == "" {
			return errorResponse(req.ID, codeInvalidParams, "connectionId is required")
		}
		return resultResponse(req.ID, s.service.GetAvailableMessageCount(ctx, p.ConnectionID))

	case "addMessage":
		var p addMessageParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return errorResponse(req.ID, codeInvalidParams, err.Error())
		}
		result, err := s.service.AddMessage(ctx, pickup.AddMessageParams{
			ConnectionID:  p.ConnectionID,
			RecipientDids: p.RecipientDids,
			Payload:       p.Payload,
			Token:         p.Token,
		})
		if err != nil {
			if errors.Is(err, pickup.ErrValidation) {
				return errorResponse(req.ID, codeInvalidParams, err.Error())
			}
			s.logger.Error().Err(err).Str("connection_id", p.ConnectionID).Msg("addMessage failed")
			return errorResponse(req.ID, codeServerError, "failed to add message")
		}
		return resultResponse(req.ID, result)

	case "removeMessages":
		var p removeMessagesParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return errorResponse(req.ID, codeInvalidParams, err.Error())
		}
		if err := s.service.RemoveMessages(ctx, p.ConnectionID, p.MessageIDs); err != nil {
			if errors.Is(err, pickup.ErrValidation) {
				return errorResponse(req.ID, codeInvalidParams, err.Error())
			}
			s.logger.Error().Err(err).Str("connection_id", p.ConnectionID).Msg("removeMessages failed")
			return errorResponse(req.ID, codeServerError, "failed to remove messages")
		}
		return resultResponse(req.ID, json.RawMessage("null"))

	case "getLiveSession":
		var p connectionIDParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return errorResponse(req.ID, codeInvalidParams, err.Error())
		}
		if p.ConnectionID == "" {
			return errorResponse(req.ID, codeInvalidParams, "connectionId is required")
		}
		session := s.service.GetLiveSession(ctx, p.ConnectionID)
		if session == nil {
			return resultResponse(req.ID, json.RawMessage("null"))
		}
		return resultResponse(req.ID, session)

	case "addLiveSession":
		var p addLiveSessionParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return errorResponse(req.ID, codeInvalidParams, err.Error())
		}
		if p.ConnectionID == "" || p.SessionID == "" {
			return errorResponse(req.ID, codeInvalidParams, "connectionId and sessionId are required")
		}
		ok := s.service.AddLiveSession(ctx, pickup.AddLiveSessionParams{
			ConnectionID: p.ConnectionID,
			SessionID:    p.SessionID,
			Instance:     p.Instance,
		}, s.deliverTo(conn, p.ConnectionID))
		if ok {
			conn.sessionMu.Lock()
			if conn.closed {
				conn.sessionMu.Unlock()
				// The socket closed while the call was in flight. The
				// session would outlive its transport and permanently
				// shadow the push fallback, so undo the registration.
				cleanupCtx, cancel := context.WithTimeout(context.Background(), callTimeout)
				s.service.RemoveLiveSession(cleanupCtx, p.ConnectionID)
				cancel()
				return resultResponse(req.ID, false)
			}
			conn.sessions[p.ConnectionID] = true
			conn.sessionMu.Unlock()
		}
		return resultResponse(req.ID, ok)

	case "removeLiveSession":
		var p connectionIDParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return errorResponse(req.ID, codeInvalidParams, err.Error())
		}
		if p.ConnectionID == "" {
			return errorResponse(req.ID, codeInvalidParams, "connectionId is required")
		}
		ok := s.service.RemoveLiveSession(ctx, p.ConnectionID)
		conn.sessionMu.Lock()
		delete(conn.sessions, p.ConnectionID)
		conn.sessionMu.Unlock()
		return resultResponse(req.ID, ok)

	default:
		return errorResponse(req.ID, codeMethodNotFound, "method not found")
	}
}

func unmarshalParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return errors.New("params are required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.New("invalid params")
	}
	return nil
}
