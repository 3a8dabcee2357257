// Package cache provides a small thread-safe MRU cache. The store keeps decoded
// historical versions in one so repeated ReadVersion calls skip the backend.
package cache

import (
	"sync"

	"github.com/sharedcode/lyra"
)

// Cache is a bounded key/value cache that evicts the least recently used entry.
type Cache[TK comparable, TV any] interface {
	// Get returns the value of key and marks it most recently used.
	Get(key TK) (TV, bool)
	// Set inserts or updates the given pairs, evicting as needed.
	Set(items ...lyra.KeyValuePair[TK, TV])
	// Delete removes the given keys, if present.
	Delete(keys ...TK)
	// Count returns the number of entries.
	Count() int
	// Clear removes all entries.
	Clear()
}

type entry[TK, TV any] struct {
	data TV
	node *node[TK]
}

type mru[TK comparable, TV any] struct {
	mu       sync.Mutex
	capacity int
	lookup   map[TK]*entry[TK, TV]
	dll      *doublyLinkedList[TK]
}

// NewMRU returns a Cache holding at most capacity entries. capacity < 1 is treated as 1.
func NewMRU[TK comparable, TV any](capacity int) Cache[TK, TV] {
	if capacity < 1 {
		capacity = 1
	}
	return &mru[TK, TV]{
		capacity: capacity,
		lookup:   make(map[TK]*entry[TK, TV], capacity),
		dll:      newDoublyLinkedList[TK](),
	}
}

func (c *mru[TK, TV]) Get(key TK) (TV, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup[key]
	if !ok {
		var zero TV
		return zero, false
	}
	c.dll.moveToHead(e.node)
	return e.data, true
}

func (c *mru[TK, TV]) Set(items ...lyra.KeyValuePair[TK, TV]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, it := range items {
		if e, ok := c.lookup[it.Key]; ok {
			e.data = it.Value
			c.dll.moveToHead(e.node)
			continue
		}
		c.lookup[it.Key] = &entry[TK, TV]{data: it.Value, node: c.dll.addToHead(it.Key)}
	}
	c.evict()
}

func (c *mru[TK, TV]) Delete(keys ...TK) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		if e, ok := c.lookup[k]; ok {
			c.dll.delete(e.node)
			delete(c.lookup, k)
		}
	}
}

func (c *mru[TK, TV]) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lookup)
}

func (c *mru[TK, TV]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookup = make(map[TK]*entry[TK, TV], c.capacity)
	c.dll = newDoublyLinkedList[TK]()
}

// evict drops tail entries until the cache is within capacity. Caller holds c.mu.
func (c *mru[TK, TV]) evict() {
	for c.dll.count() > c.capacity {
		id, ok := c.dll.deleteFromTail()
		if !ok {
			return
		}
		delete(c.lookup, id)
	}
}
