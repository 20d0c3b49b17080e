package pickup

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/2060-io/message-pickup-repository/internal/bus"
	"github.com/2060-io/message-pickup-repository/internal/models"
	"github.com/2060-io/message-pickup-repository/internal/registry"
	"github.com/2060-io/message-pickup-repository/internal/store"
)

type fakeDispatcher struct {
	mu     sync.Mutex
	tokens []string
	result bool
}

func (d *fakeDispatcher) Send(_ context.Context, token, _ string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens = append(d.tokens, token)
	return d.result
}

func (d *fakeDispatcher) sent() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tokens...)
}

type testEnv struct {
	service    *Service
	store      store.MessageStore
	cache      *store.MemoryCache
	registry   *registry.MemoryRegistry
	bus        *bus.MemoryBus
	dispatcher *fakeDispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return buildTestEnv(t, nil)
}

// newTieredTestEnv builds an env with a fast tier in front of the durable
// store, matching the Redis-backed deployment shape.
func newTieredTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return buildTestEnv(t, store.NewMemoryCache())
}

func buildTestEnv(t *testing.T, cache *store.MemoryCache) *testEnv {
	t.Helper()

	st, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "pickup.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(st.Close)

	reg := registry.NewMemoryRegistry()
	b := bus.NewMemoryBus()
	d := &fakeDispatcher{result: true}

	opts := Options{
		Store:      st,
		Registry:   reg,
		Bus:        b,
		Dispatcher: d,
		Logger:     zerolog.Nop(),
		InstanceID: "test-instance",
	}
	if cache != nil {
		opts.Cache = cache
	}

	return &testEnv{
		service:    NewService(opts),
		store:      st,
		cache:      cache,
		registry:   reg,
		bus:        b,
		dispatcher: d,
	}
}

func addTestMessage(t *testing.T, env *testEnv, connectionID string) *AddMessageResult {
	t.Helper()
	result, err := env.service.AddMessage(context.Background(), AddMessageParams{
		ConnectionID:  connectionID,
		RecipientDids: []string{"did:peer:recipient"},
		Payload:       json.RawMessage(`{"protected":"eyJhbGciOiJ..."}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	return result
}

func TestAddMessageValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.service.AddMessage(ctx, AddMessageParams{Payload: json.RawMessage(`{}`)})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for missing connectionId, got %v", err)
	}

	_, err = env.service.AddMessage(ctx, AddMessageParams{ConnectionID: "conn-1"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for missing payload, got %v", err)
	}
}

func TestAddMessageThenCount(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 3; i++ {
		addTestMessage(t, env, "conn-1")
	}

	count := env.service.GetAvailableMessageCount(context.Background(), "conn-1")
	if count != 3 {
		t.Fatalf("expected 3 available messages, got %d", count)
	}
}

func TestTakeClaimsAndExcludes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		addTestMessage(t, env, "conn-1")
	}

	first := env.service.TakeFromQueue(ctx, TakeFromQueueParams{ConnectionID: "conn-1", Limit: 2})
	if len(first) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(first))
	}
	for _, msg := range first {
		if msg.State != models.StateSending {
			t.Fatalf("expected sending state, got %q", msg.State)
		}
	}

	// The claimed batch stays out of subsequent takes until reclaimed.
	second := env.service.TakeFromQueue(ctx, TakeFromQueueParams{ConnectionID: "conn-1", Limit: 10})
	if len(second) != 1 {
		t.Fatalf("expected 1 remaining message, got %d", len(second))
	}
	if second[0].ID == first[0].ID || second[0].ID == first[1].ID {
		t.Fatal("expected the remaining message to differ from the claimed batch")
	}
}

func TestTakeOrderedOldestFirst(t *testing.T) {
	env := newTestEnv(t)

	var ids []string
	for i := 0; i < 4; i++ {
		ids = append(ids, addTestMessage(t, env, "conn-1").MessageID)
	}

	got := env.service.TakeFromQueue(context.Background(), TakeFromQueueParams{ConnectionID: "conn-1"})
	if len(got) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(got))
	}
	for i, msg := range got {
		if msg.ID != ids[i] {
			t.Fatalf("position %d: expected %s, got %s", i, ids[i], msg.ID)
		}
	}
}

func TestTakeDeleteMessages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	addTestMessage(t, env, "conn-1")

	got := env.service.TakeFromQueue(ctx, TakeFromQueueParams{ConnectionID: "conn-1", DeleteMessages: true})
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}

	// Deleted outright: gone even after a reclaim.
	env.service.Reclaim(ctx, "conn-1")
	if count := env.service.GetAvailableMessageCount(ctx, "conn-1"); count != 0 {
		t.Fatalf("expected 0 messages after delete, got %d", count)
	}
}

func TestTakeMissingConnectionID(t *testing.T) {
	env := newTestEnv(t)

	got := env.service.TakeFromQueue(context.Background(), TakeFromQueueParams{})
	if got == nil || len(got) != 0 {
		t.Fatalf("expected an empty batch, got %v", got)
	}
}

func TestRemoveMessages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := addTestMessage(t, env, "conn-1")
	b := addTestMessage(t, env, "conn-1")

	if err := env.service.RemoveMessages(ctx, "conn-1", []string{a.MessageID}); err != nil {
		t.Fatal(err)
	}
	if count := env.service.GetAvailableMessageCount(ctx, "conn-1"); count != 1 {
		t.Fatalf("expected 1 message left, got %d", count)
	}

	// Unknown IDs are ignored; an empty list is a no-op.
	if err := env.service.RemoveMessages(ctx, "conn-1", []string{"no-such-id"}); err != nil {
		t.Fatal(err)
	}
	if err := env.service.RemoveMessages(ctx, "conn-1", nil); err != nil {
		t.Fatal(err)
	}
	if err := env.service.RemoveMessages(ctx, "", []string{b.MessageID}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestReclaimRestoresClaimedMessages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	addTestMessage(t, env, "conn-1")
	addTestMessage(t, env, "conn-1")
	env.service.TakeFromQueue(ctx, TakeFromQueueParams{ConnectionID: "conn-1"})

	if n := env.service.Reclaim(ctx, "conn-1"); n != 2 {
		t.Fatalf("expected 2 reclaimed, got %d", n)
	}
	// Idempotent
	if n := env.service.Reclaim(ctx, "conn-1"); n != 0 {
		t.Fatalf("expected second reclaim to be a no-op, got %d", n)
	}

	if count := env.service.GetAvailableMessageCount(ctx, "conn-1"); count != 2 {
		t.Fatalf("expected 2 available after reclaim, got %d", count)
	}
}

func TestAddLiveSessionDeliversLocally(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var mu sync.Mutex
	var delivered []models.QueuedMessage
	ok := env.service.AddLiveSession(ctx, AddLiveSessionParams{
		ConnectionID: "conn-1",
		SessionID:    "sess-1",
	}, func(messages []models.QueuedMessage) {
		mu.Lock()
		delivered = append(delivered, messages...)
		mu.Unlock()
	})
	if !ok {
		t.Fatal("expected addLiveSession to succeed")
	}

	addTestMessage(t, env, "conn-1")

	mu.Lock()
	n := len(delivered)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("expected immediate local delivery, got %d messages", n)
	}

	// No push goes out while a session is held.
	if len(env.dispatcher.sent()) != 0 {
		t.Fatal("expected no push notification on the local path")
	}

	// The delivered message is claimed, not pending.
	if count := env.service.GetAvailableMessageCount(ctx, "conn-1"); count != 0 {
		t.Fatalf("expected 0 pending, got %d", count)
	}
}

func TestGetLiveSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if session := env.service.GetLiveSession(ctx, "conn-1"); session != nil {
		t.Fatalf("expected nil for unknown connection, got %+v", session)
	}

	env.service.AddLiveSession(ctx, AddLiveSessionParams{ConnectionID: "conn-1", SessionID: "sess-1"}, func([]models.QueuedMessage) {})

	session := env.service.GetLiveSession(ctx, "conn-1")
	if session == nil || session.SessionID != "sess-1" {
		t.Fatalf("expected sess-1, got %+v", session)
	}
	if session.Instance != "test-instance" {
		t.Fatalf("expected the default instance ID, got %q", session.Instance)
	}
}

func TestRemoveLiveSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.service.AddLiveSession(ctx, AddLiveSessionParams{ConnectionID: "conn-1", SessionID: "sess-1"}, func([]models.QueuedMessage) {})

	if !env.service.RemoveLiveSession(ctx, "conn-1") {
		t.Fatal("expected removal of an existing session to report true")
	}
	if env.service.RemoveLiveSession(ctx, "conn-1") {
		t.Fatal("expected removal of an absent session to report false")
	}
	if session := env.service.GetLiveSession(ctx, "conn-1"); session != nil {
		t.Fatalf("expected nil after removal, got %+v", session)
	}
}

func TestRemoveLiveSessionReclaims(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	addTestMessage(t, env, "conn-1")
	env.service.TakeFromQueue(ctx, TakeFromQueueParams{ConnectionID: "conn-1"})
	env.service.AddLiveSession(ctx, AddLiveSessionParams{ConnectionID: "conn-1", SessionID: "sess-1"}, func([]models.QueuedMessage) {})

	env.service.RemoveLiveSession(ctx, "conn-1")

	// The reclaim runs asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if env.service.GetAvailableMessageCount(ctx, "conn-1") == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("claimed message was not reclaimed after session removal")
}

func TestNotifyPublishesToRemoteSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// A session held elsewhere: present in the registry, not in this
	// instance's local map.
	env.registry.Put(ctx, &models.LiveSession{
		SessionID:    "sess-1",
		ConnectionID: "conn-1",
		Instance:     "other-instance",
	})

	var mu sync.Mutex
	var signals []string
	env.bus.Subscribe(ctx, "conn-1", func(payload string) {
		mu.Lock()
		signals = append(signals, payload)
		mu.Unlock()
	})

	_, err := env.service.AddMessage(ctx, AddMessageParams{
		ConnectionID: "conn-1",
		Payload:      json.RawMessage(`{}`),
		Token:        "token-a",
	})
	if err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	got := append([]string(nil), signals...)
	mu.Unlock()
	if len(got) != 1 || got[0] != bus.NewMessageSignal {
		t.Fatalf("expected one wake signal, got %v", got)
	}

	// The bus path suppresses the push fallback.
	if len(env.dispatcher.sent()) != 0 {
		t.Fatal("expected no push notification when a remote session exists")
	}
}

func TestNotifyFallsBackToPush(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.service.AddMessage(ctx, AddMessageParams{
		ConnectionID: "conn-1",
		Payload:      json.RawMessage(`{}`),
		Token:        "token-a",
	})
	if err != nil {
		t.Fatal(err)
	}

	sent := env.dispatcher.sent()
	if len(sent) != 1 || sent[0] != "token-a" {
		t.Fatalf("expected one push to token-a, got %v", sent)
	}

	// Without a token there is nothing to push to.
	_, err = env.service.AddMessage(ctx, AddMessageParams{
		ConnectionID: "conn-2",
		Payload:      json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(env.dispatcher.sent()) != 1 {
		t.Fatal("expected no push for a message without a token")
	}
}

func TestWakeSignalDrainsQueue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	addTestMessage(t, env, "conn-1")

	delivered := make(chan []models.QueuedMessage, 1)
	env.service.AddLiveSession(ctx, AddLiveSessionParams{ConnectionID: "conn-1", SessionID: "sess-1"}, func(messages []models.QueuedMessage) {
		delivered <- messages
	})

	// A wake signal, e.g. published by another instance, triggers a drain.
	if err := env.bus.Publish(ctx, "conn-1", bus.NewMessageSignal); err != nil {
		t.Fatal(err)
	}

	select {
	case messages := <-delivered:
		if len(messages) != 1 {
			t.Fatalf("expected 1 drained message, got %d", len(messages))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued message was not delivered on wake signal")
	}
}

func TestGetLiveSessionPublishesWake(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.registry.Put(ctx, &models.LiveSession{SessionID: "sess-1", ConnectionID: "conn-1", Instance: "other-instance"})

	woken := make(chan string, 1)
	env.bus.Subscribe(ctx, "conn-1", func(payload string) { woken <- payload })

	if session := env.service.GetLiveSession(ctx, "conn-1"); session == nil {
		t.Fatal("expected a session")
	}

	select {
	case payload := <-woken:
		if payload != bus.NewMessageSignal {
			t.Fatalf("expected %q, got %q", bus.NewMessageSignal, payload)
		}
	default:
		t.Fatal("expected getLiveSession to publish a wake signal")
	}
}

func TestTakeLimitCap(t *testing.T) {
	st, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "pickup.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(st.Close)

	service := NewService(Options{
		Store:            st,
		Registry:         registry.NewMemoryRegistry(),
		Bus:              bus.NewMemoryBus(),
		Dispatcher:       &fakeDispatcher{},
		Logger:           zerolog.Nop(),
		TakeDefaultLimit: 2,
		TakeMaxLimit:     3,
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := service.AddMessage(ctx, AddMessageParams{ConnectionID: "conn-1", Payload: json.RawMessage(`{}`)}); err != nil {
			t.Fatal(err)
		}
	}

	// Zero limit falls back to the default.
	if got := service.TakeFromQueue(ctx, TakeFromQueueParams{ConnectionID: "conn-1"}); len(got) != 2 {
		t.Fatalf("expected the default limit of 2, got %d", len(got))
	}

	// An oversized limit is capped.
	if got := service.TakeFromQueue(ctx, TakeFromQueueParams{ConnectionID: "conn-1", Limit: 50}); len(got) != 3 {
		t.Fatalf("expected the cap of 3, got %d", len(got))
	}
}

func TestAddMessageGoesToFastTier(t *testing.T) {
	env := newTieredTestEnv(t)
	ctx := context.Background()

	addTestMessage(t, env, "conn-1")

	// Without a local session the write lands in the fast tier, not the
	// durable store.
	n, err := env.cache.Len(ctx, "conn-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 fast-tier entry, got %d", n)
	}

	// The count spans both tiers.
	if count := env.service.GetAvailableMessageCount(ctx, "conn-1"); count != 1 {
		t.Fatalf("expected count 1, got %d", count)
	}
}

func TestAddMessageLocalSessionBypassesFastTier(t *testing.T) {
	env := newTieredTestEnv(t)
	ctx := context.Background()

	env.service.AddLiveSession(ctx, AddLiveSessionParams{ConnectionID: "conn-1", SessionID: "sess-1"}, func([]models.QueuedMessage) {})

	addTestMessage(t, env, "conn-1")

	// Claimed messages must be visible to the reclaimer, so the local path
	// writes straight to the durable store.
	n, err := env.cache.Len(ctx, "conn-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected no fast-tier entry on the local path, got %d", n)
	}
	if reclaimed := env.service.Reclaim(ctx, "conn-1"); reclaimed != 1 {
		t.Fatalf("expected the delivered message claimed in the durable store, got %d", reclaimed)
	}
}

func TestTakeMergesTiersOldestFirst(t *testing.T) {
	env := newTieredTestEnv(t)
	ctx := context.Background()

	// A durable row predating everything in the fast tier.
	durable := models.QueuedMessage{
		ConnectionID:     "conn-1",
		EncryptedMessage: json.RawMessage(`{}`),
		CreatedAt:        time.Now().UTC().Add(-time.Minute),
	}
	if err := env.store.Enqueue(ctx, &durable); err != nil {
		t.Fatal(err)
	}

	fresh := addTestMessage(t, env, "conn-1")

	got := env.service.TakeFromQueue(ctx, TakeFromQueueParams{ConnectionID: "conn-1"})
	if len(got) != 2 {
		t.Fatalf("expected 2 messages across both tiers, got %d", len(got))
	}
	if got[0].ID != durable.ID || got[1].ID != fresh.MessageID {
		t.Fatalf("expected durable row first, got %s then %s", got[0].ID, got[1].ID)
	}
}

func TestTakeClaimsFastTierIntoDurableStore(t *testing.T) {
	env := newTieredTestEnv(t)
	ctx := context.Background()

	added := addTestMessage(t, env, "conn-1")

	got := env.service.TakeFromQueue(ctx, TakeFromQueueParams{ConnectionID: "conn-1"})
	if len(got) != 1 || got[0].ID != added.MessageID {
		t.Fatalf("expected the fast-tier message back, got %+v", got)
	}
	if got[0].State != models.StateSending {
		t.Fatalf("expected sending state, got %q", got[0].State)
	}

	// The entry left the fast tier and is invisible until reclaimed.
	n, err := env.cache.Len(ctx, "conn-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected the fast tier drained, got %d entries", n)
	}
	if count := env.service.GetAvailableMessageCount(ctx, "conn-1"); count != 0 {
		t.Fatalf("expected 0 available while claimed, got %d", count)
	}

	// The claim moved it to the durable store where the reclaimer can see it.
	if reclaimed := env.service.Reclaim(ctx, "conn-1"); reclaimed != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", reclaimed)
	}
	if count := env.service.GetAvailableMessageCount(ctx, "conn-1"); count != 1 {
		t.Fatalf("expected 1 available after reclaim, got %d", count)
	}
}

func TestTakeDeleteRemovesFromFastTier(t *testing.T) {
	env := newTieredTestEnv(t)
	ctx := context.Background()

	addTestMessage(t, env, "conn-1")

	got := env.service.TakeFromQueue(ctx, TakeFromQueueParams{ConnectionID: "conn-1", DeleteMessages: true})
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}

	// Deleted outright: no durable claim, nothing to reclaim.
	if reclaimed := env.service.Reclaim(ctx, "conn-1"); reclaimed != 0 {
		t.Fatalf("expected nothing to reclaim, got %d", reclaimed)
	}
	if count := env.service.GetAvailableMessageCount(ctx, "conn-1"); count != 0 {
		t.Fatalf("expected 0 available, got %d", count)
	}
}

func TestRemoveMessagesClearsFastTier(t *testing.T) {
	env := newTieredTestEnv(t)
	ctx := context.Background()

	added := addTestMessage(t, env, "conn-1")

	if err := env.service.RemoveMessages(ctx, "conn-1", []string{added.MessageID}); err != nil {
		t.Fatal(err)
	}
	if count := env.service.GetAvailableMessageCount(ctx, "conn-1"); count != 0 {
		t.Fatalf("expected 0 after removal, got %d", count)
	}
}

func TestPersisterMigratesAgedEntries(t *testing.T) {
	env := newTieredTestEnv(t)
	ctx := context.Background()

	aged := models.QueuedMessage{
		ConnectionID:     "conn-1",
		EncryptedMessage: json.RawMessage(`{}`),
		CreatedAt:        time.Now().UTC().Add(-2 * time.Minute),
	}
	if err := env.cache.Push(ctx, &aged); err != nil {
		t.Fatal(err)
	}
	fresh := models.QueuedMessage{
		ConnectionID:     "conn-1",
		EncryptedMessage: json.RawMessage(`{}`),
	}
	if err := env.cache.Push(ctx, &fresh); err != nil {
		t.Fatal(err)
	}

	p := NewPersister(env.store, env.cache, zerolog.Nop(), time.Minute, time.Minute, 5*time.Minute)
	p.Sweep(ctx)

	// The aged entry moved to the durable store; the fresh one stayed.
	durableCount, err := env.store.CountPending(ctx, "conn-1")
	if err != nil {
		t.Fatal(err)
	}
	if durableCount != 1 {
		t.Fatalf("expected 1 migrated row, got %d", durableCount)
	}
	n, err := env.cache.Len(ctx, "conn-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 entry left in the fast tier, got %d", n)
	}

	// Migration preserves identity, and the total count is unchanged.
	if count := env.service.GetAvailableMessageCount(ctx, "conn-1"); count != 2 {
		t.Fatalf("expected 2 available, got %d", count)
	}
	messages, err := env.store.Fetch(ctx, "conn-1", "", 10, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 1 || messages[0].ID != aged.ID {
		t.Fatalf("expected the aged entry migrated as-is, got %+v", messages)
	}
}

func TestPersisterResetsExpiredSending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	addTestMessage(t, env, "conn-1")
	env.service.TakeFromQueue(ctx, TakeFromQueueParams{ConnectionID: "conn-1"})

	// A negative threshold makes every claim count as expired.
	p := NewPersister(env.store, nil, zerolog.Nop(), time.Minute, time.Minute, time.Minute)
	p.staleAfter = -time.Second
	p.Sweep(ctx)

	if count := env.service.GetAvailableMessageCount(ctx, "conn-1"); count != 1 {
		t.Fatalf("expected the stale claim to be reset, got count %d", count)
	}
}
