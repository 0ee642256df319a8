package loader

import (
	"container/list"
	"sync"
)

// byteLRU is an LRU cache bounded by total cached bytes rather than entry
// count, so a catalog of large wasm units cannot grow memory without bound.
// Safe for concurrent use.
type byteLRU struct {
	mu       sync.Mutex
	maxBytes int
	curBytes int
	order    *list.List // front = most recently used
	entries  map[string]*list.Element
}

type lruEntry struct {
	key  string
	unit *ExecutableUnit
}

func newByteLRU(maxBytes int) *byteLRU {
	return &byteLRU{
		maxBytes: maxBytes,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

func (c *byteLRU) get(key string) (*ExecutableUnit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruEntry).unit, true
}

func (c *byteLRU) add(key string, unit *ExecutableUnit) {
	size := unit.SizeBytes()
	if size > c.maxBytes {
		return // larger than the whole budget; serve uncached
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.curBytes += size - el.Value.(*lruEntry).unit.SizeBytes()
		el.Value.(*lruEntry).unit = unit
		c.order.MoveToFront(el)
	} else {
		c.entries[key] = c.order.PushFront(&lruEntry{key: key, unit: unit})
		c.curBytes += size
	}
	for c.curBytes > c.maxBytes {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		e := oldest.Value.(*lruEntry)
		c.order.Remove(oldest)
		delete(c.entries, e.key)
		c.curBytes -= e.unit.SizeBytes()
	}
}

func (c *byteLRU) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
