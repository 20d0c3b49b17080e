package pickup

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/2060-io/message-pickup-repository/internal/bus"
	"github.com/2060-io/message-pickup-repository/internal/metrics"
	"github.com/2060-io/message-pickup-repository/internal/models"
	"github.com/2060-io/message-pickup-repository/internal/push"
	"github.com/2060-io/message-pickup-repository/internal/registry"
	"github.com/2060-io/message-pickup-repository/internal/store"
)

// opTimeout bounds registry and bus round-trips triggered from internal
// paths (wake-up handlers, async reclaim).
const opTimeout = 2 * time.Second

// DeliveryFunc pushes a batch of messages to the client holding the live
// session. The transport layer provides it when a session is registered.
type DeliveryFunc func(messages []models.QueuedMessage)

// localSession is a live session held by this instance.
type localSession struct {
	sessionID string
	deliver   DeliveryFunc
}

// Options configures a Service.
type Options struct {
	Store      store.MessageStore
	Cache      store.Cache // optional fast tier
	Registry   registry.LiveSessionRegistry
	Bus        bus.NotificationBus
	Dispatcher push.Dispatcher
	Logger     zerolog.Logger
	InstanceID string

	TakeDefaultLimit int
	TakeMaxLimit     int
}

// Service is the repository facade. It owns the decision logic composing
// the message store, live-session registry, notification bus and push
// dispatcher; all cross-instance coordination goes through those
// collaborators, never through in-process state.
type Service struct {
	store      store.MessageStore
	cache      store.Cache
	registry   registry.LiveSessionRegistry
	bus        bus.NotificationBus
	dispatcher push.Dispatcher
	logger     zerolog.Logger
	instanceID string

	defaultLimit int
	maxLimit     int

	mu    sync.RWMutex
	local map[string]localSession
}

// NewService creates the repository facade.
func NewService(opts Options) *Service {
	defaultLimit := opts.TakeDefaultLimit
	if defaultLimit <= 0 {
		defaultLimit = 10
	}
	maxLimit := opts.TakeMaxLimit
	if maxLimit <= 0 {
		maxLimit = 100
	}

	return &Service{
		store:        opts.Store,
		cache:        opts.Cache,
		registry:     opts.Registry,
		bus:          opts.Bus,
		dispatcher:   opts.Dispatcher,
		logger:       opts.Logger.With().Str("component", "pickup").Logger(),
		instanceID:   opts.InstanceID,
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
		local:        make(map[string]localSession),
	}
}

// AddMessageParams are the inputs to AddMessage.
type AddMessageParams struct {
	ConnectionID  string
	RecipientDids []string
	Payload       json.RawMessage
	Token         string // device token for the push fallback, optional
}

// AddMessageResult is returned on successful enqueue.
type AddMessageResult struct {
	MessageID  string    `json:"messageId"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// AddMessage persists a message and routes a wake-up signal: in-process
// delivery when this instance holds the live session, a bus publish when
// another instance does, a push notification when nobody does. At most one
// notification path is taken.
func (s *Service) AddMessage(ctx context.Context, p AddMessageParams) (*AddMessageResult, error) {
	if p.ConnectionID == "" {
		return nil, fmt.Errorf("%w: connectionId is required", ErrValidation)
	}
	if len(p.Payload) == 0 {
		return nil, fmt.Errorf("%w: payload is required", ErrValidation)
	}

	local, isLocal := s.localSession(p.ConnectionID)

	msg := models.QueuedMessage{
		ConnectionID:     p.ConnectionID,
		RecipientKeys:    p.RecipientDids,
		EncryptedMessage: p.Payload,
		State:            models.StatePending,
	}

	if isLocal {
		// A locally held session will deliver immediately, so the message
		// is born claimed. It goes straight to the durable store: claimed
		// messages must be visible to the reclaimer.
		msg.State = models.StateSending
		if err := s.store.Enqueue(ctx, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAddMessageFailed, err)
		}
	} else if s.cache != nil {
		if err := s.cache.Push(ctx, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAddMessageFailed, err)
		}
	} else {
		if err := s.store.Enqueue(ctx, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAddMessageFailed, err)
		}
	}

	metrics.MessagesAdded.Inc()

	s.notify(ctx, p, msg, local, isLocal)

	return &AddMessageResult{MessageID: msg.ID, ReceivedAt: msg.CreatedAt}, nil
}

// notify routes the wake-up for a freshly queued message. Exactly one path
// is taken: local delivery XOR bus publish XOR push notification.
func (s *Service) notify(ctx context.Context, p AddMessageParams, msg models.QueuedMessage, local localSession, isLocal bool) {
	if isLocal {
		local.deliver([]models.QueuedMessage{msg})
		metrics.MessagesDelivered.WithLabelValues("local").Inc()
		return
	}

	session, err := s.registry.Get(ctx, p.ConnectionID)
	if err != nil {
		// Treated as "no session anywhere": the push fallback still gives
		// the client a way to come back for the message.
		s.logger.Error().Err(err).Str("connection_id", p.ConnectionID).Msg("registry lookup failed during addMessage")
		session = nil
	}

	if session != nil {
		if err := s.bus.Publish(ctx, p.ConnectionID, bus.NewMessageSignal); err != nil {
			s.logger.Error().Err(err).Str("connection_id", p.ConnectionID).Msg("bus publish failed")
		}
		return
	}

	if p.Token != "" {
		if s.dispatcher.Send(ctx, p.Token, msg.ID) {
			metrics.PushNotifications.WithLabelValues("success").Inc()
		} else {
			metrics.PushNotifications.WithLabelValues("failure").Inc()
		}
	}
}

// TakeFromQueueParams are the inputs to TakeFromQueue.
type TakeFromQueueParams struct {
	ConnectionID   string
	RecipientDid   string
	Limit          int
	DeleteMessages bool
}

// TakeFromQueue returns pending messages for a connection, oldest first.
// Returned messages are claimed (transitioned to sending) unless
// DeleteMessages is set, in which case they are removed outright.
//
// This path is fail-open: internal errors produce an empty batch and a
// diagnostic log, never an error to the caller.
func (s *Service) TakeFromQueue(ctx context.Context, p TakeFromQueueParams) []models.QueuedMessage {
	if p.ConnectionID == "" {
		s.logger.Warn().Msg("takeFromQueue called without connectionId")
		return []models.QueuedMessage{}
	}

	limit := p.Limit
	if limit <= 0 {
		limit = s.defaultLimit
	}
	if limit > s.maxLimit {
		limit = s.maxLimit
	}

	// Durable tier first: its rows predate anything still in the fast tier.
	start := time.Now()
	messages, err := s.store.Fetch(ctx, p.ConnectionID, p.RecipientDid, limit, p.DeleteMessages)
	metrics.StoreLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		s.logger.Error().Err(err).Str("connection_id", p.ConnectionID).Msg("takeFromQueue: durable fetch failed")
		return []models.QueuedMessage{}
	}

	if s.cache != nil && len(messages) < limit {
		fromCache, err := s.takeFromCache(ctx, p.ConnectionID, limit-len(messages), p.DeleteMessages)
		if err != nil {
			s.logger.Error().Err(err).Str("connection_id", p.ConnectionID).Msg("takeFromQueue: fast-tier fetch failed")
		} else {
			messages = append(messages, fromCache...)
		}
	}

	sort.Slice(messages, func(i, j int) bool {
		if messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].ID < messages[j].ID
		}
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})

	if messages == nil {
		messages = []models.QueuedMessage{}
	}
	return messages
}

// takeFromCache claims fast-tier entries. Claimed entries move to the
// durable store in sending state so the reclaimer can see them; deleted
// entries are dropped from the list outright.
func (s *Service) takeFromCache(ctx context.Context, connectionID string, limit int, deleteMessages bool) ([]models.QueuedMessage, error) {
	entries, err := s.cache.Entries(ctx, connectionID, limit)
	if err != nil {
		return nil, err
	}

	messages := make([]models.QueuedMessage, 0, len(entries))
	for _, entry := range entries {
		msg := entry.Message

		if !deleteMessages {
			msg.State = models.StateSending
			if err := s.store.Enqueue(ctx, &msg); err != nil {
				// Recoverable: the entry stays in the fast tier and will
				// be picked up again.
				s.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("failed to claim fast-tier message")
				continue
			}
		}
		if err := s.cache.RemoveRaw(ctx, connectionID, entry.Raw); err != nil {
			s.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("failed to remove fast-tier entry")
		}

		messages = append(messages, msg)
	}

	return messages, nil
}

// GetAvailableMessageCount returns the number of pending messages for a
// connection across both tiers. Fail-open: errors produce 0 and a log.
func (s *Service) GetAvailableMessageCount(ctx context.Context, connectionID string) int {
	if connectionID == "" {
		s.logger.Warn().Msg("getAvailableMessageCount called without connectionId")
		return 0
	}

	start := time.Now()
	count, err := s.store.CountPending(ctx, connectionID)
	metrics.StoreLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		s.logger.Error().Err(err).Str("connection_id", connectionID).Msg("failed to count pending messages")
		return 0
	}

	if s.cache != nil {
		start := time.Now()
		n, err := s.cache.Len(ctx, connectionID)
		metrics.RedisLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			s.logger.Error().Err(err).Str("connection_id", connectionID).Msg("failed to count fast-tier messages")
		} else {
			count += int(n)
		}
	}

	return count
}

// RemoveMessages deletes the given message IDs scoped to the connection.
// Missing IDs are ignored. This path is fail-closed: storage errors
// propagate so the caller's acknowledgment logic can react.
func (s *Service) RemoveMessages(ctx context.Context, connectionID string, messageIDs []string) error {
	if connectionID == "" {
		return fmt.Errorf("%w: connectionId is required", ErrValidation)
	}
	if len(messageIDs) == 0 {
		return nil
	}

	if s.cache != nil {
		if _, err := s.cache.Remove(ctx, connectionID, messageIDs); err != nil {
			return fmt.Errorf("%w: fast tier: %v", ErrStorageUnavailable, err)
		}
	}

	removed, err := s.store.Remove(ctx, connectionID, messageIDs)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	metrics.MessagesRemoved.Add(float64(removed))
	return nil
}

// GetLiveSession returns the live session for a connection, or nil. Finding
// one also publishes a wake signal, re-triggering a delivery check on the
// instance holding the session. Fail-open.
func (s *Service) GetLiveSession(ctx context.Context, connectionID string) *models.LiveSession {
	if connectionID == "" {
		s.logger.Warn().Msg("getLiveSession called without connectionId")
		return nil
	}

	session, err := s.registry.Get(ctx, connectionID)
	if err != nil {
		s.logger.Error().Err(err).Str("connection_id", connectionID).Msg("registry lookup failed")
		return nil
	}
	if session == nil {
		return nil
	}

	if err := s.bus.Publish(ctx, connectionID, bus.NewMessageSignal); err != nil {
		s.logger.Error().Err(err).Str("connection_id", connectionID).Msg("wake signal publish failed")
	}

	return session
}

// AddLiveSessionParams are the inputs to AddLiveSession.
type AddLiveSessionParams struct {
	ConnectionID string
	SessionID    string
	Instance     string // defaults to this instance's ID
}

// AddLiveSession registers a live session held by this instance and
// subscribes to the connection's wake channel. The deliver callback is
// invoked with message batches for the session. Returns false if the
// session could not be fully established; a registry record without a
// working subscription is rolled back rather than left un-routable.
func (s *Service) AddLiveSession(ctx context.Context, p AddLiveSessionParams, deliver DeliveryFunc) bool {
	if p.ConnectionID == "" || p.SessionID == "" {
		s.logger.Warn().Str("connection_id", p.ConnectionID).Msg("addLiveSession called with missing fields")
		return false
	}

	instance := p.Instance
	if instance == "" {
		instance = s.instanceID
	}

	session := &models.LiveSession{
		SessionID:    p.SessionID,
		ConnectionID: p.ConnectionID,
		Instance:     instance,
		CreatedAt:    time.Now().UTC(),
	}

	replaced, err := s.registry.Put(ctx, session)
	if err != nil {
		s.logger.Error().Err(err).Str("connection_id", p.ConnectionID).Msgf("%v", ErrRegistryWriteFailed)
		return false
	}
	if replaced {
		s.logger.Warn().
			Str("connection_id", p.ConnectionID).
			Str("session_id", p.SessionID).
			Msg("replaced existing live session (last writer wins)")
	}

	s.mu.Lock()
	_, hadLocal := s.local[p.ConnectionID]
	s.local[p.ConnectionID] = localSession{sessionID: p.SessionID, deliver: deliver}
	s.mu.Unlock()

	err = s.bus.Subscribe(ctx, p.ConnectionID, func(string) {
		// Bus handlers must not block the receive loop.
		go s.deliverFromQueue(p.ConnectionID)
	})
	if err != nil {
		// The registry write succeeded but the session is un-routable.
		// Roll back rather than leaving a live record nobody serves.
		s.logger.Error().Err(err).Str("connection_id", p.ConnectionID).Msgf("%v", ErrBusSubscribeFailed)
		s.mu.Lock()
		delete(s.local, p.ConnectionID)
		s.mu.Unlock()
		if _, derr := s.registry.Delete(ctx, p.ConnectionID); derr != nil {
			s.logger.Error().Err(derr).Str("connection_id", p.ConnectionID).Msg("rollback of live session record failed")
		}
		return false
	}

	if !hadLocal {
		metrics.LiveSessions.Inc()
	}
	s.logger.Info().
		Str("connection_id", p.ConnectionID).
		Str("session_id", p.SessionID).
		Str("instance", instance).
		Msg("live session added")

	return true
}

// RemoveLiveSession deregisters a live session, unsubscribes from the wake
// channel and reclaims messages stuck in sending state. Returns true only
// if a registry record existed.
func (s *Service) RemoveLiveSession(ctx context.Context, connectionID string) bool {
	if connectionID == "" {
		s.logger.Warn().Msg("removeLiveSession called without connectionId")
		return false
	}

	existed, err := s.registry.Delete(ctx, connectionID)
	if err != nil {
		s.logger.Error().Err(err).Str("connection_id", connectionID).Msg("registry delete failed")
		return false
	}

	s.mu.Lock()
	_, hadLocal := s.local[connectionID]
	delete(s.local, connectionID)
	s.mu.Unlock()
	if hadLocal {
		metrics.LiveSessions.Dec()
	}

	if err := s.bus.Unsubscribe(connectionID); err != nil {
		s.logger.Error().Err(err).Str("connection_id", connectionID).Msg("bus unsubscribe failed")
	}

	if !existed {
		s.logger.Debug().Str("connection_id", connectionID).Msg("no live session found to remove")
		return false
	}

	// Best-effort: messages the dead session never acknowledged become
	// deliverable again.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		s.Reclaim(ctx, connectionID)
	}()

	s.logger.Info().Str("connection_id", connectionID).Msg("live session removed")
	return true
}

// Reclaim resets messages stuck in sending state for a connection back to
// pending. Idempotent: a second run is a no-op.
func (s *Service) Reclaim(ctx context.Context, connectionID string) int64 {
	n, err := s.store.ResetStaleSending(ctx, connectionID)
	if err != nil {
		s.logger.Error().Err(err).Str("connection_id", connectionID).Msg("reclaim failed")
		return 0
	}
	if n > 0 {
		metrics.MessagesReclaimed.Add(float64(n))
		s.logger.Info().Int64("count", n).Str("connection_id", connectionID).Msg("reclaimed stuck messages")
	}
	return n
}

// deliverFromQueue pulls pending messages and hands them to the local live
// session. Invoked when a wake signal arrives on the bus.
func (s *Service) deliverFromQueue(connectionID string) {
	local, ok := s.localSession(connectionID)
	if !ok {
		s.logger.Debug().Str("connection_id", connectionID).Msg("wake signal for connection without local session")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	messages := s.TakeFromQueue(ctx, TakeFromQueueParams{ConnectionID: connectionID})
	if len(messages) == 0 {
		return
	}

	local.deliver(messages)
	metrics.MessagesDelivered.WithLabelValues("wakeup").Add(float64(len(messages)))
}

func (s *Service) localSession(connectionID string) (localSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	local, ok := s.local[connectionID]
	return local, ok
}
