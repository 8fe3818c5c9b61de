package core

import (
	"container/list"
	"fmt"
)

// IdempotencyChecker implements two-tier deduplication for commands that
// carry a stable key: an in-memory LRU in front of a Postgres lookup.
type IdempotencyChecker struct {
	lru       *idempotencyLRU
	dbChecker DBIdempotencyChecker
}

// DBIdempotencyChecker is the interface for the Postgres dedup lookup.
type DBIdempotencyChecker interface {
	IsDuplicate(commandType string, key string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       newIdempotencyLRU(capacity),
		dbChecker: dbChecker,
	}
}

// IsDuplicate checks both tiers. A DB error is treated as not-duplicate so a
// Postgres hiccup never blocks processing.
func (ic *IdempotencyChecker) IsDuplicate(commandType, key string) bool {
	compositeKey := fmt.Sprintf("%s:%s", commandType, key)

	if ic.lru.contains(compositeKey) {
		return true
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(commandType, key)
		if err != nil {
			return false
		}
		if isDup {
			ic.lru.add(compositeKey)
			return true
		}
	}
	return false
}

// MarkProcessed adds a key to the LRU after successful processing.
func (ic *IdempotencyChecker) MarkProcessed(commandType, key string) {
	ic.lru.add(fmt.Sprintf("%s:%s", commandType, key))
}

// WarmFromKeys loads recent composite keys on restart so the cold path is
// not hit for recently processed commands.
func (ic *IdempotencyChecker) WarmFromKeys(keys []string) {
	for _, key := range keys {
		ic.lru.add(key)
	}
}

func (ic *IdempotencyChecker) Size() int {
	return ic.lru.size()
}

// idempotencyLRU is an LRU cache for idempotency keys.
// Not thread-safe — only accessed from the single-threaded core.
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
