package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/bookbridge/readalong/playback"
)

// ChunkCache keeps a handful of decoded chunks around the playback
// position. When full it evicts the least recently used chunk outside the
// window around the current chunk, and never the current chunk itself.
type ChunkCache struct {
	capacity int
	window   int

	// LRU implementation
	items map[playback.ChunkKey]*list.Element
	order *list.List

	current    playback.ChunkKey
	hasCurrent bool

	onEvict func(*playback.AudioChunk)

	mu    sync.Mutex
	stats Stats
}

// chunkEntry represents an entry in the chunk cache
type chunkEntry struct {
	key   playback.ChunkKey
	chunk *playback.AudioChunk
	added time.Time
	hits  int64
}

// ChunkOption configures a ChunkCache.
type ChunkOption func(*ChunkCache)

// WithEvictHook registers a function called for every evicted or removed
// chunk, after it has been released.
func WithEvictHook(fn func(*playback.AudioChunk)) ChunkOption {
	return func(c *ChunkCache) { c.onEvict = fn }
}

// NewChunkCache creates a chunk cache holding up to capacity chunks and
// protecting window chunks on each side of the current one.
func NewChunkCache(capacity, window int, opts ...ChunkOption) *ChunkCache {
	if capacity < 1 {
		capacity = 1
	}
	if window < 0 {
		window = 0
	}
	c := &ChunkCache{
		capacity: capacity,
		window:   window,
		items:    make(map[playback.ChunkKey]*list.Element),
		order:    list.New(),
		stats: Stats{
			Level:    CacheLevelChunk,
			Capacity: int64(capacity),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FromConfig creates a chunk cache from the playback configuration.
func FromConfig(cfg playback.CacheConfig, opts ...ChunkOption) *ChunkCache {
	return NewChunkCache(cfg.Capacity, cfg.Window, opts...)
}

// Get retrieves a chunk and marks it as recently used.
func (c *ChunkCache) Get(key playback.ChunkKey) (*playback.AudioChunk, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.LastAccess = time.Now()
	elem, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}

	c.order.MoveToFront(elem)
	entry := elem.Value.(*chunkEntry)
	entry.hits++
	c.stats.Hits++
	return entry.chunk, true
}

// Peek retrieves a chunk without touching the LRU order or the stats.
func (c *ChunkCache) Peek(key playback.ChunkKey) (*playback.AudioChunk, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		return elem.Value.(*chunkEntry).chunk, true
	}
	return nil, false
}

// Contains checks if a key exists in the cache without updating LRU.
func (c *ChunkCache) Contains(key playback.ChunkKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.items[key]
	return ok
}

// Put stores a chunk under its key. A chunk from an older generation never
// replaces a newer one.
func (c *ChunkCache) Put(chunk *playback.AudioChunk) error {
	if chunk == nil {
		return ErrNilChunk
	}

	c.mu.Lock()
	var released []*playback.AudioChunk

	if elem, ok := c.items[chunk.Key]; ok {
		entry := elem.Value.(*chunkEntry)
		if entry.chunk.Generation > chunk.Generation {
			c.mu.Unlock()
			return ErrStaleGeneration
		}
		c.order.MoveToFront(elem)
		if entry.chunk != chunk {
			released = append(released, entry.chunk)
			entry.chunk = chunk
			entry.added = time.Now()
		}
	} else {
		elem := c.order.PushFront(&chunkEntry{key: chunk.Key, chunk: chunk, added: time.Now()})
		c.items[chunk.Key] = elem
	}

	for c.order.Len() > c.capacity {
		victim := c.victimLocked()
		if victim == nil {
			break
		}
		released = append(released, c.removeElementLocked(victim))
		c.stats.Evictions++
		c.stats.LastEvict = time.Now()
	}
	c.mu.Unlock()

	c.release(released)
	return nil
}

// SetCurrent marks the chunk being played. The current chunk and its
// neighbours within the window are protected from eviction.
func (c *ChunkCache) SetCurrent(key playback.ChunkKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = key
	c.hasCurrent = true
}

// Current returns the key of the chunk being played.
func (c *ChunkCache) Current() (playback.ChunkKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.hasCurrent
}

// Remove drops a chunk from the cache and releases it.
func (c *ChunkCache) Remove(key playback.ChunkKey) bool {
	c.mu.Lock()
	elem, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	chunk := c.removeElementLocked(elem)
	c.mu.Unlock()

	c.release([]*playback.AudioChunk{chunk})
	return true
}

// Invalidate drops a chunk unless it is the one being played. It reports
// whether the chunk was removed.
func (c *ChunkCache) Invalidate(key playback.ChunkKey) bool {
	c.mu.Lock()
	if c.hasCurrent && c.current == key {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()
	return c.Remove(key)
}

// ReleaseBook drops every chunk of one book and level, including the
// current one.
func (c *ChunkCache) ReleaseBook(bookID string, level playback.CEFRLevel) int {
	unit := playback.ChunkKey{BookID: bookID, Level: level}

	c.mu.Lock()
	var released []*playback.AudioChunk
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*chunkEntry).key.SameUnit(unit) {
			released = append(released, c.removeElementLocked(elem))
		}
		elem = prev
	}
	if c.hasCurrent && c.current.SameUnit(unit) {
		c.hasCurrent = false
		c.current = playback.ChunkKey{}
	}
	c.mu.Unlock()

	c.release(released)
	return len(released)
}

// Clear removes all entries from the cache.
func (c *ChunkCache) Clear() {
	c.mu.Lock()
	released := make([]*playback.AudioChunk, 0, len(c.items))
	for elem := c.order.Back(); elem != nil; elem = elem.Prev() {
		released = append(released, elem.Value.(*chunkEntry).chunk)
	}
	c.items = make(map[playback.ChunkKey]*list.Element)
	c.order.Init()
	c.hasCurrent = false
	c.mu.Unlock()

	c.release(released)
}

// Len returns the number of cached chunks.
func (c *ChunkCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Keys returns the cached keys, most recently used first.
func (c *ChunkCache) Keys() []playback.ChunkKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]playback.ChunkKey, 0, c.order.Len())
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*chunkEntry).key)
	}
	return keys
}

// Stats returns cache statistics.
func (c *ChunkCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.ItemCount = int64(c.order.Len())
	stats.updateHitRate()
	return stats
}

// inWindowLocked reports whether key lies within the protected window of
// the current chunk (must be called with lock held).
func (c *ChunkCache) inWindowLocked(key playback.ChunkKey) bool {
	if !c.hasCurrent || !key.SameUnit(c.current) {
		return false
	}
	d := key.Index - c.current.Index
	if d < 0 {
		d = -d
	}
	return d <= c.window
}

// victimLocked picks the entry to evict: the least recently used entry
// outside the window, else the least recently used non-current entry.
func (c *ChunkCache) victimLocked() *list.Element {
	var fallback *list.Element
	for elem := c.order.Back(); elem != nil; elem = elem.Prev() {
		key := elem.Value.(*chunkEntry).key
		if c.hasCurrent && key == c.current {
			continue
		}
		if !c.inWindowLocked(key) {
			return elem
		}
		if fallback == nil {
			fallback = elem
		}
	}
	return fallback
}

// removeElementLocked removes an element from the cache (must be called
// with lock held).
func (c *ChunkCache) removeElementLocked(elem *list.Element) *playback.AudioChunk {
	c.order.Remove(elem)
	entry := elem.Value.(*chunkEntry)
	delete(c.items, entry.key)
	return entry.chunk
}

func (c *ChunkCache) release(chunks []*playback.AudioChunk) {
	for _, chunk := range chunks {
		chunk.Release()
		if c.onEvict != nil {
			c.onEvict(chunk)
		}
	}
}
