package state

import "container/list"

// dirCacheSize bounds the LRU in front of the directory table.
const dirCacheSize = 64

type dirCacheItem struct {
	file  string
	entry DirectoryEntry
}

// dirCache is a small LRU for directory lookups on the LOOKUP hot path.
// It is guarded by the Store mutex and flushed on every mutation, so it
// can stay oblivious to invalidation granularity.
type dirCache struct {
	cap   int
	order *list.List
	items map[string]*list.Element
}

func newDirCache(capacity int) *dirCache {
	return &dirCache{
		cap:   capacity,
		order: list.New(),
		items: make(map[string]*list.Element, capacity),
	}
}

func (c *dirCache) get(file string) (DirectoryEntry, bool) {
	el, ok := c.items[file]
	if !ok {
		return DirectoryEntry{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(dirCacheItem).entry, true
}

func (c *dirCache) put(file string, entry DirectoryEntry) {
	if el, ok := c.items[file]; ok {
		el.Value = dirCacheItem{file: file, entry: entry}
		c.order.MoveToFront(el)
		return
	}
	c.items[file] = c.order.PushFront(dirCacheItem{file: file, entry: entry})
	if c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(dirCacheItem).file)
	}
}

func (c *dirCache) purge() {
	c.order.Init()
	for k := range c.items {
		delete(c.items, k)
	}
}
