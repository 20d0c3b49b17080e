package push

import (
	"sync"
	"time"
)

// tokenQueueTTL is how long a token stays in the dedup queue after a
// notification is dispatched for it.
const tokenQueueTTL = 5 * time.Second

// tokenQueue suppresses duplicate notifications to the same device token
// within a short window.
type tokenQueue struct {
	mu      sync.Mutex
	ttl     time.Duration
	expires map[string]time.Time
}

func newTokenQueue(ttl time.Duration) *tokenQueue {
	return &tokenQueue{ttl: ttl, expires: make(map[string]time.Time)}
}

// tryAcquire reserves the token for the TTL window. It returns false if the
// token is already reserved.
func (q *tokenQueue) tryAcquire(token string) bool {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	if expiry, ok := q.expires[token]; ok && now.Before(expiry) {
		return false
	}
	q.expires[token] = now.Add(q.ttl)

	// Drop expired entries opportunistically so the map doesn't grow
	// unbounded across distinct tokens.
	for t, expiry := range q.expires {
		if now.After(expiry) {
			delete(q.expires, t)
		}
	}

	return true
}

// contains reports whether the token is currently reserved.
func (q *tokenQueue) contains(token string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	expiry, ok := q.expires[token]
	return ok && time.Now().Before(expiry)
}
