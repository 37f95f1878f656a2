// Package cache provides a bounded in-memory cache for slide image buffers.
// Entries are held under an optional byte budget and an optional item-count
// budget; when either budget would be exceeded, the oldest-inserted entries
// are evicted first.
//
// Eviction is deliberately first-in-first-out: a cache hit does not refresh
// an entry's position, so a hot entry inserted early is still evicted before
// a cold entry inserted later. The insertion-ordered list makes the oldest
// entry available in constant time.
package cache

import (
	"container/list"
	"errors"
	"fmt"
)

// ErrTypeMismatch is returned when a key is requested as a different element
// type than the one stored under it. This indicates a programming or
// configuration inconsistency and is fatal to the run.
var ErrTypeMismatch = errors.New("type mismatch in image cache")

// Sized is the constraint on cached values: each value reports its own
// in-memory footprint so it can be charged against the byte budget.
type Sized interface {
	ByteSize() int64
}

// Cache is a bounded FIFO cache keyed by source identifier (typically a
// filename). The zero budgets disable the corresponding constraint.
//
// Cache is not safe for concurrent use; the pipeline drives it from a single
// orchestrating goroutine.
type Cache struct {
	maxBytes  int64
	maxItems  int
	usedBytes int64

	// list holds entries front-to-back in insertion order, oldest first.
	list  *list.List
	items map[string]*list.Element
}

type entry struct {
	key   string
	bytes int64
	value any
}

// New creates a cache with the given byte and item budgets. A budget of zero
// leaves that constraint unbounded.
func New(maxBytes int64, maxItems int) *Cache {
	return &Cache{
		maxBytes: maxBytes,
		maxItems: maxItems,
		list:     list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Get returns the value stored under key, loading and registering it through
// load on a miss. Before a loaded value is inserted, older entries are
// evicted until both budgets accommodate it. A hit stored under a different
// element type fails with ErrTypeMismatch.
func Get[T Sized](c *Cache, key string, load func(string) (T, error)) (T, error) {
	var zero T
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		v, ok := e.value.(T)
		if !ok {
			return zero, fmt.Errorf("%w: key %q holds %T", ErrTypeMismatch, key, e.value)
		}
		return v, nil
	}

	// Miss: loading may perform expensive file I/O.
	v, err := load(key)
	if err != nil {
		return zero, err
	}
	c.Shrink(v.ByteSize(), 1)
	e := &entry{key: key, bytes: v.ByteSize(), value: v}
	c.items[key] = c.list.PushBack(e)
	c.usedBytes += e.bytes
	return v, nil
}

// Shrink evicts oldest-inserted entries until the cache can admit an
// incoming load of incomingBytes bytes and incomingCount items within its
// budgets. Eviction itself never performs I/O.
func (c *Cache) Shrink(incomingBytes int64, incomingCount int) {
	for c.full(incomingBytes, incomingCount) && c.list.Len() > 0 {
		oldest := c.list.Front()
		e := oldest.Value.(*entry)
		c.list.Remove(oldest)
		delete(c.items, e.key)
		c.usedBytes -= e.bytes
	}
}

// full reports whether admitting the incoming load would violate a budget.
func (c *Cache) full(incomingBytes int64, incomingCount int) bool {
	if c.maxBytes > 0 && c.usedBytes+incomingBytes > c.maxBytes {
		return true
	}
	if c.maxItems > 0 && c.list.Len()+incomingCount > c.maxItems {
		return true
	}
	return false
}

// Purge removes all entries.
func (c *Cache) Purge() {
	c.list.Init()
	c.items = make(map[string]*list.Element)
	c.usedBytes = 0
}

// Len returns the number of resident entries.
func (c *Cache) Len() int { return c.list.Len() }

// UsedBytes returns the total footprint of resident entries.
func (c *Cache) UsedBytes() int64 { return c.usedBytes }

// Keys returns the resident keys in insertion order, oldest first.
func (c *Cache) Keys() []string {
	keys := make([]string, 0, c.list.Len())
	for el := c.list.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry).key)
	}
	return keys
}
