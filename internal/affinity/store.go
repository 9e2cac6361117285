// Package affinity records sticky (consumer, assistant) → endpoint bindings
// with a TTL, so follow-up calls about an assistant land on the endpoint
// that created it.
package affinity

import (
	"context"
	"sync"
	"time"
)

// Store is the binding store consulted by the affinity selector. Lookup
// misses are normal; Record failures are swallowed by implementations since
// affinity is best-effort routing, not correctness.
type Store interface {
	Lookup(ctx context.Context, consumerID, assistantID string) (endpointID string, ok bool)
	Record(ctx context.Context, consumerID, assistantID, endpointID string)
}

type entry struct {
	endpointID string
	expires    time.Time
}

// MemoryStore is the default per-process store.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	s := &MemoryStore{
		ttl:     ttl,
		entries: make(map[string]entry),
	}
	go s.sweep()
	return s
}

func (s *MemoryStore) Lookup(_ context.Context, consumerID, assistantID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key(consumerID, assistantID)]
	if !ok || time.Now().After(e.expires) {
		return "", false
	}
	return e.endpointID, true
}

func (s *MemoryStore) Record(_ context.Context, consumerID, assistantID, endpointID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key(consumerID, assistantID)] = entry{
		endpointID: endpointID,
		expires:    time.Now().Add(s.ttl),
	}
}

func (s *MemoryStore) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		s.mu.Lock()
		for k, e := range s.entries {
			if now.After(e.expires) {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}

func key(consumerID, assistantID string) string {
	return consumerID + "\x00" + assistantID
}
