package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Store is the shared counter backend. Counters are the one piece of global
// mutable state in the admission path, so they live behind an explicit
// interface rather than in-process globals: any backend with an atomic
// increment can serve (the badger store here, or a networked key-value
// store shared across ingest instances).
type Store interface {
	// IncrWindow atomically increments the 1-second bucket for key at now
	// and returns the total count across the trailing window, including
	// this increment. Increment and count happen in a single round trip so
	// concurrent callers cannot undercount each other.
	IncrWindow(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error)
}

// MemoryStore keeps per-second buckets in process. It serves tests and
// single-node deployments; multi-node deployments point Store at a shared
// backend instead.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string]map[int64]int64 // key -> unix second -> count
}

// NewMemoryStore creates an empty in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]map[int64]int64)}
}

// IncrWindow implements Store.
func (s *MemoryStore) IncrWindow(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	sec := now.Unix()
	oldest := sec - int64(window/time.Second) + 1

	s.mu.Lock()
	defer s.mu.Unlock()

	buckets, ok := s.keys[key]
	if !ok {
		buckets = make(map[int64]int64)
		s.keys[key] = buckets
	}
	buckets[sec]++

	var total int64
	for bucketSec, count := range buckets {
		if bucketSec < oldest {
			delete(buckets, bucketSec)
			continue
		}
		total += count
	}
	return total, nil
}
