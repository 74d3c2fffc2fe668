package cache

import (
	"errors"
	"time"
)

// Common errors for cache operations
var (
	// ErrItemTooLarge is returned when an item exceeds the cache capacity
	ErrItemTooLarge = errors.New("item too large for cache")

	// ErrCacheCorrupted is returned when cache data is corrupted
	ErrCacheCorrupted = errors.New("cache data corrupted")

	// ErrStaleGeneration is returned when a put would replace a chunk
	// loaded by a newer request
	ErrStaleGeneration = errors.New("chunk belongs to an older generation")

	// ErrNilChunk is returned when putting a nil chunk
	ErrNilChunk = errors.New("nil chunk")
)

// CacheLevel represents the cache tier
type CacheLevel int

const (
	// CacheLevelChunk is the in-memory window of decoded chunks
	CacheLevelChunk CacheLevel = iota

	// CacheLevelDisk is the persistent manifest cache
	CacheLevelDisk
)

// String returns the string representation of the cache level
func (l CacheLevel) String() string {
	switch l {
	case CacheLevelChunk:
		return "chunk-window"
	case CacheLevelDisk:
		return "disk"
	default:
		return "unknown"
	}
}

// Stats holds cache performance metrics
type Stats struct {
	Level CacheLevel

	// Configuration
	Capacity int64 // Entries for the chunk cache, bytes for the disk cache

	// Current state
	Size      int64 // Bytes held (disk cache only)
	ItemCount int64

	// Performance metrics
	Hits      int64
	Misses    int64
	Evictions int64
	HitRate   float64 // hits / (hits + misses)

	LastAccess time.Time
	LastEvict  time.Time
}

func (s *Stats) updateHitRate() {
	if s.Hits+s.Misses > 0 {
		s.HitRate = float64(s.Hits) / float64(s.Hits+s.Misses)
	}
}
