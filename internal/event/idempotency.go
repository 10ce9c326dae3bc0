package event

import (
	"container/list"
	"fmt"
	"sync"
)

// IdempotencyChecker implements two-tier deduplication: an in-memory LRU
// for the hot path backed by an optional durable store for the cold path.
type IdempotencyChecker struct {
	mu  sync.Mutex
	lru *idempotencyLRU

	dbChecker DBIdempotencyChecker
}

// DBIdempotencyChecker is the interface for durable dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       newIdempotencyLRU(capacity),
		dbChecker: dbChecker,
	}
}

// IsDuplicate checks if the event has been processed (two-tier lookup).
// A store error is treated as not-duplicate so a store outage never
// blocks event processing.
func (ic *IdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) bool {
	compositeKey := fmt.Sprintf("%s:%s", eventType, idempotencyKey)

	ic.mu.Lock()
	hit := ic.lru.contains(compositeKey)
	ic.mu.Unlock()
	if hit {
		return true
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
		if err != nil {
			return false
		}
		if isDup {
			ic.mu.Lock()
			ic.lru.add(compositeKey)
			ic.mu.Unlock()
			return true
		}
	}

	return false
}

// MarkProcessed adds the key to the LRU after successful processing
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	compositeKey := fmt.Sprintf("%s:%s", eventType, idempotencyKey)
	ic.mu.Lock()
	ic.lru.add(compositeKey)
	ic.mu.Unlock()
}

// WarmFromKeys loads recent composite keys into the LRU on restart so
// recently processed events skip the cold path.
func (ic *IdempotencyChecker) WarmFromKeys(keys []string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	for _, key := range keys {
		ic.lru.add(key)
	}
}

// Size returns the number of cached keys
func (ic *IdempotencyChecker) Size() int {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.lru.size()
}

// --- LRU Implementation ---

type idempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List
}

type lruEntry struct {
	key string
}

func newIdempotencyLRU(capacity int) *idempotencyLRU {
	return &idempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

func (lru *idempotencyLRU) contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

func (lru *idempotencyLRU) add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	entry := &lruEntry{key: key}
	elem := lru.lruList.PushFront(entry)
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *idempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		entry := elem.Value.(*lruEntry)
		delete(lru.cache, entry.key)
	}
}

func (lru *idempotencyLRU) size() int {
	return lru.lruList.Len()
}
