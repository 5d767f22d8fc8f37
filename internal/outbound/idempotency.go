package outbound

import (
	"sync"
	"time"
)

// idempotencyStore maps caller-supplied dedup keys to the message id they
// produced. Entries live for their own TTL (default 24h), independent of
// how long the completed record is retained, so a key can outlive the
// record it points to.
//
// The store has its own lock and is never held together with the pipeline
// mutex. A lookup-then-record race between two submissions carrying the
// same key at the same instant is accepted; see Pipeline.QueueWithIdempotency.
type idempotencyStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]idempotencyEntry
}

type idempotencyEntry struct {
	messageID string
	createdAt time.Time
}

func newIdempotencyStore(ttl time.Duration) *idempotencyStore {
	return &idempotencyStore{
		ttl:     ttl,
		entries: make(map[string]idempotencyEntry),
	}
}

// lookup returns the message id recorded under key if the entry is still
// live. Expired entries are dropped on touch.
func (s *idempotencyStore) lookup(key string, now time.Time) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return "", false
	}
	if now.Sub(e.createdAt) >= s.ttl {
		delete(s.entries, key)
		return "", false
	}
	return e.messageID, true
}

// record stores or replaces the entry for key.
func (s *idempotencyStore) record(key, messageID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = idempotencyEntry{messageID: messageID, createdAt: now}
}

// prune removes entries past their TTL and returns how many were dropped.
func (s *idempotencyStore) prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.entries {
		if now.Sub(e.createdAt) >= s.ttl {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

func (s *idempotencyStore) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]idempotencyEntry)
}

func (s *idempotencyStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
