package pickup

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/2060-io/message-pickup-repository/internal/metrics"
	"github.com/2060-io/message-pickup-repository/internal/store"
)

// Persister is the periodic sweep. Every interval it migrates fast-tier
// messages older than the age threshold into the durable store, and resets
// messages stuck in sending state past the stale threshold back to pending.
// The second half is the timed complement to the explicit reclaim on
// RemoveLiveSession.
type Persister struct {
	store  store.MessageStore
	cache  store.Cache // optional
	logger zerolog.Logger

	interval     time.Duration
	persistAfter time.Duration
	staleAfter   time.Duration
}

// NewPersister creates the sweep. cache may be nil, in which case only the
// stale-sending reset runs.
func NewPersister(s store.MessageStore, cache store.Cache, logger zerolog.Logger, interval, persistAfter, staleAfter time.Duration) *Persister {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if persistAfter <= 0 {
		persistAfter = 60 * time.Second
	}
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}

	return &Persister{
		store:        s,
		cache:        cache,
		logger:       logger.With().Str("component", "persister").Logger(),
		interval:     interval,
		persistAfter: persistAfter,
		staleAfter:   staleAfter,
	}
}

// Run sweeps on the configured interval until ctx is canceled.
func (p *Persister) Run(ctx context.Context) {
	p.logger.Info().
		Dur("interval", p.interval).
		Dur("persist_after", p.persistAfter).
		Dur("stale_after", p.staleAfter).
		Msg("persister started")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("persister stopped")
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. Exported so the sweep can be triggered directly in
// tests and on shutdown.
func (p *Persister) Sweep(ctx context.Context) {
	if p.cache != nil {
		p.migrate(ctx)
	}

	n, err := p.store.ResetExpiredSending(ctx, p.staleAfter)
	if err != nil {
		p.logger.Error().Err(err).Msg("stale sending reset failed")
	} else if n > 0 {
		metrics.MessagesReclaimed.Add(float64(n))
		p.logger.Info().Int64("count", n).Msg("reset expired sending messages to pending")
	}
}

// migrate moves fast-tier messages past the age threshold into the durable
// store. Each message is inserted before its list entry is removed, so a
// crash between the two can only duplicate, never lose.
func (p *Persister) migrate(ctx context.Context) {
	connections, err := p.cache.Connections(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("fast-tier scan failed")
		return
	}

	cutoff := time.Now().UTC().Add(-p.persistAfter)
	var migrated int64

	for _, connectionID := range connections {
		entries, err := p.cache.Entries(ctx, connectionID, 0)
		if err != nil {
			p.logger.Error().Err(err).Str("connection_id", connectionID).Msg("fast-tier read failed")
			continue
		}

		for _, entry := range store.OlderThan(entries, cutoff) {
			msg := entry.Message
			if err := p.store.Enqueue(ctx, &msg); err != nil {
				p.logger.Error().Err(err).Str("message_id", msg.ID).Msg("migration insert failed")
				continue
			}
			if err := p.cache.RemoveRaw(ctx, connectionID, entry.Raw); err != nil {
				p.logger.Error().Err(err).Str("message_id", msg.ID).Msg("migration removal failed")
				continue
			}
			migrated++
		}
	}

	if migrated > 0 {
		metrics.MessagesPersisted.Add(float64(migrated))
		p.logger.Info().Int64("count", migrated).Msg("migrated fast-tier messages to durable storage")
	}
}
