package assets

import (
	"container/list"
	"log"
	"os"
	"sync"
)

// Cache is a bounded, byte-budgeted cache of downloaded source assets keyed
// by source URL. Eviction is least-recently-used. Entries acquired by a
// running job are pinned: eviction drops them from the budget immediately but
// the file stays on disk until the last holder releases it, so a concurrent
// job's download can never delete a source out from under an active encode.
type Cache struct {
	mu         sync.Mutex
	maxBytes   int64
	totalBytes int64
	entries    map[string]*list.Element
	byPath     map[string]*cacheEntry
	order      *list.List // front = most recently used
}

type cacheEntry struct {
	source string
	path   string
	size   int64
	refs   int
	// doomed marks an entry evicted while still referenced; the file is
	// removed when the last reference goes away.
	doomed bool
}

func NewCache(maxBytes int64) *Cache {
	return &Cache{
		maxBytes: maxBytes,
		entries:  make(map[string]*list.Element),
		byPath:   make(map[string]*cacheEntry),
		order:    list.New(),
	}
}

// Get returns the cached local path for a source, marking it recently used.
// The entry is not pinned; use Acquire when the path will be held.
func (c *Cache) Get(source string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[source]
	if !ok {
		return "", false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*cacheEntry).path, true
}

// Acquire is Get plus a pin: the returned path stays on disk until a
// matching Release, even if the entry is evicted in the meantime.
func (c *Cache) Acquire(source string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[source]
	if !ok {
		return "", false
	}
	entry := elem.Value.(*cacheEntry)
	entry.refs++
	c.order.MoveToFront(elem)
	return entry.path, true
}

// Release drops one pin on a path. When the last pin on an evicted entry is
// released the file is removed from disk. Unknown paths are ignored, so
// callers may release local passthrough sources freely.
func (c *Cache) Release(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.byPath[path]
	if !ok {
		return
	}
	if entry.refs > 0 {
		entry.refs--
	}
	if entry.refs == 0 && entry.doomed {
		delete(c.byPath, path)
		c.removeFile(path)
	}
}

// Put records a downloaded asset and evicts least-recently-used entries
// until the byte budget holds.
func (c *Cache) Put(source, path string, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[source]; ok {
		c.order.MoveToFront(elem)
		return
	}

	entry := &cacheEntry{source: source, path: path, size: size}
	c.entries[source] = c.order.PushFront(entry)
	c.byPath[path] = entry
	c.totalBytes += size

	for c.totalBytes > c.maxBytes && c.order.Len() > 1 {
		oldest := c.order.Back()
		evicted := oldest.Value.(*cacheEntry)
		c.order.Remove(oldest)
		delete(c.entries, evicted.source)
		c.totalBytes -= evicted.size

		if evicted.refs > 0 {
			evicted.doomed = true
			continue
		}
		delete(c.byPath, evicted.path)
		c.removeFile(evicted.path)
	}
}

// Len reports the number of cached assets.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("[Assets] Failed to remove evicted asset %s: %v", path, err)
	}
}
