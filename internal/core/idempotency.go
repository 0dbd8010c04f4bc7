package core

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"SettleLedger/internal/state"
)

// EventRecorder is the durable tier: an insert-or-ignore against a unique
// constraint. A conflicting insert reports inserted=false, not an error.
type EventRecorder interface {
	InsertProviderEvent(ctx context.Context, ev state.ProviderEvent) (inserted bool, err error)
}

// DedupObserver receives duplicate hits, tier is "lru" or "durable".
type DedupObserver interface {
	RecordDuplicate(eventType string, tier string)
}

// IdempotencyStore implements two-tier deduplication. The LRU only learns a
// key after the caller's transaction commits (MarkProcessed), so a rolled
// back attempt can be retried.
type IdempotencyStore struct {
	mu       sync.Mutex
	lru      *IdempotencyLRU
	observer DedupObserver
}

func NewIdempotencyStore(capacity int, observer DedupObserver) *IdempotencyStore {
	return &IdempotencyStore{
		lru:      NewIdempotencyLRU(capacity),
		observer: observer,
	}
}

func compositeKey(provider, eventType, externalID string) string {
	return fmt.Sprintf("%s:%s:%s", provider, eventType, externalID)
}

// Record reports whether ev is seen for the first time. It must run inside
// the transaction that performs the event's side effects.
func (s *IdempotencyStore) Record(ctx context.Context, tx EventRecorder, ev state.ProviderEvent) (bool, error) {
	key := compositeKey(ev.Provider, ev.EventType, ev.ExternalID)

	// Tier 1: LRU check (hot path)
	s.mu.Lock()
	hit := s.lru.Contains(key)
	s.mu.Unlock()
	if hit {
		s.recordDuplicate(ev.EventType, "lru")
		return false, nil
	}

	// Tier 2: unique insert (authoritative)
	inserted, err := tx.InsertProviderEvent(ctx, ev)
	if err != nil {
		return false, fmt.Errorf("record %s: %w", key, err)
	}
	if !inserted {
		s.recordDuplicate(ev.EventType, "durable")
		s.MarkProcessed(ev.Provider, ev.EventType, ev.ExternalID)
		return false, nil
	}
	return true, nil
}

// MarkProcessed adds key to LRU after the recording transaction commits.
func (s *IdempotencyStore) MarkProcessed(provider, eventType, externalID string) {
	s.mu.Lock()
	s.lru.Add(compositeKey(provider, eventType, externalID))
	s.mu.Unlock()
}

// Warm loads recently processed events into the LRU on startup.
func (s *IdempotencyStore) Warm(events []state.ProviderEvent) {
	keys := make([]string, 0, len(events))
	for _, ev := range events {
		keys = append(keys, compositeKey(ev.Provider, ev.EventType, ev.ExternalID))
	}
	s.mu.Lock()
	s.lru.WarmFromKeys(keys)
	s.mu.Unlock()
}

func (s *IdempotencyStore) recordDuplicate(eventType, tier string) {
	if s.observer != nil {
		s.observer.RecordDuplicate(eventType, tier)
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU cache for idempotency keys.
// Not thread-safe; IdempotencyStore guards it.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64 // For metrics
}

type lruEntry struct {
	key string
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity < 1 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(&lruEntry{key: key})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		entry := elem.Value.(*lruEntry)
		delete(lru.cache, entry.key)
		lru.evictions++
	}
}

// WarmFromKeys loads a batch of composite keys into the LRU.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions (for metrics)
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
