package vault

import (
	"container/list"
	"fmt"

	"github.com/google/uuid"
)

// OpChecker implements two-tier operation deduplication: a hot in-memory
// LRU backed by the durable operation log. Only accessed while the
// settlement latch is held, so it needs no locking of its own.
type OpChecker struct {
	lru *opLRU

	// Tier 2: durable log lookup (injected via interface)
	dbChecker DBOpChecker
}

// DBOpChecker is the interface for the durable dedup lookup.
type DBOpChecker interface {
	IsDuplicate(kind string, opID uuid.UUID) (bool, error)
}

func NewOpChecker(capacity int, dbChecker DBOpChecker) *OpChecker {
	return &OpChecker{
		lru:       newOpLRU(capacity),
		dbChecker: dbChecker,
	}
}

// IsDuplicate checks whether the operation has already committed.
func (oc *OpChecker) IsDuplicate(kind string, opID uuid.UUID) bool {
	compositeKey := fmt.Sprintf("%s:%s", kind, opID)

	// Tier 1: LRU check (hot path)
	if oc.lru.contains(compositeKey) {
		return true
	}

	// Tier 2: durable log check (cold path)
	if oc.dbChecker != nil {
		isDup, err := oc.dbChecker.IsDuplicate(kind, opID)
		if err != nil {
			// Conservative: a lookup failure must not block settlement.
			// A true duplicate still bounces off the log's unique key.
			return false
		}
		if isDup {
			// Cache so we don't hit the log again
			oc.lru.add(compositeKey)
			return true
		}
	}

	return false
}

// MarkProcessed records the key after a successful commit.
func (oc *OpChecker) MarkProcessed(kind string, opID uuid.UUID) {
	oc.lru.add(fmt.Sprintf("%s:%s", kind, opID))
}

// Warm loads composite keys into the LRU (used on restart so recently
// committed operations skip the cold path).
func (oc *OpChecker) Warm(keys []string) {
	for _, key := range keys {
		oc.lru.add(key)
	}
}

// Size returns the number of cached keys.
func (oc *OpChecker) Size() int {
	return oc.lru.size()
}

// --- LRU implementation ---

type opLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List
}

type lruEntry struct {
	key string
}

func newOpLRU(capacity int) *opLRU {
	return &opLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// contains checks if key exists (promotes to front)
func (lru *opLRU) contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// add inserts a key (or promotes if it exists)
func (lru *opLRU) add(key string) {
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

func (lru *opLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		entry := elem.Value.(*lruEntry)
		delete(lru.cache, entry.key)
	}
}

func (lru *opLRU) size() int {
	return lru.lruList.Len()
}
