package cache

import (
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
)

const indexFile = "manifests.index"

// DiskCache persists small documents (asset manifests) across runs. Entries
// are zstd-compressed, expire after a TTL and are evicted least recently
// used first when the byte budget is exceeded.
type DiskCache struct {
	basePath string
	capacity int64
	size     int64
	ttl      time.Duration

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	index map[string]*diskEntry
	dirty bool

	mu     sync.Mutex
	stats  Stats
	logger *log.Logger
	now    func() time.Time
}

// diskEntry represents an entry in the disk cache index
type diskEntry struct {
	Key          string
	File         string
	Size         int64 // compressed size on disk
	OriginalSize int64
	Stored       time.Time
	LastAccess   time.Time
	Hits         int64
}

// DiskOptions configures a DiskCache.
type DiskOptions struct {
	Capacity         int64         // bytes on disk
	TTL              time.Duration // zero keeps entries until evicted
	CompressionLevel int           // zstd level, 1-22
	Logger           *log.Logger
}

// NewDiskCache opens (or creates) a disk cache rooted at basePath.
func NewDiskCache(basePath string, opts DiskOptions) (*DiskCache, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	if opts.CompressionLevel <= 0 {
		opts.CompressionLevel = 3
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 32 << 20
	}
	if opts.Logger == nil {
		opts.Logger = log.Default().WithPrefix("disk-cache")
	}

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(opts.CompressionLevel)))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	dc := &DiskCache{
		basePath: basePath,
		capacity: opts.Capacity,
		ttl:      opts.TTL,
		encoder:  encoder,
		decoder:  decoder,
		index:    make(map[string]*diskEntry),
		logger:   opts.Logger,
		now:      time.Now,
		stats: Stats{
			Level:    CacheLevelDisk,
			Capacity: opts.Capacity,
		},
	}

	if err := dc.loadIndex(); err != nil {
		dc.logger.Warn("discarding unreadable cache index", "err", err)
		dc.index = make(map[string]*diskEntry)
	}
	for _, e := range dc.index {
		dc.size += e.Size
	}

	return dc, nil
}

// Get retrieves a document. Expired or unreadable entries are dropped and
// reported as misses.
func (dc *DiskCache) Get(key string) ([]byte, bool) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	now := dc.now()
	dc.stats.LastAccess = now

	entry, ok := dc.index[key]
	if !ok {
		dc.stats.Misses++
		return nil, false
	}
	if dc.expired(entry, now) {
		dc.removeLocked(entry)
		dc.stats.Misses++
		return nil, false
	}

	raw, err := os.ReadFile(entry.File)
	if err != nil {
		dc.removeLocked(entry)
		dc.stats.Misses++
		return nil, false
	}
	data, err := dc.decoder.DecodeAll(raw, nil)
	if err != nil {
		dc.logger.Warn("dropping corrupted cache entry", "key", key, "err", fmt.Errorf("%w: %v", ErrCacheCorrupted, err))
		dc.removeLocked(entry)
		dc.stats.Misses++
		return nil, false
	}

	entry.LastAccess = now
	entry.Hits++
	dc.dirty = true
	dc.stats.Hits++
	return data, true
}

// Put stores a document, evicting old entries to stay within capacity.
func (dc *DiskCache) Put(key string, value []byte) error {
	compressed := dc.encoder.EncodeAll(value, nil)
	diskSize := int64(len(compressed))
	if diskSize > dc.capacity {
		return ErrItemTooLarge
	}

	dc.mu.Lock()
	defer dc.mu.Unlock()

	if existing, ok := dc.index[key]; ok {
		dc.removeLocked(existing)
	}
	for dc.size+diskSize > dc.capacity && len(dc.index) > 0 {
		dc.evictOldestLocked()
	}

	path := dc.filePath(key)
	if err := writeFileAtomic(path, compressed); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	now := dc.now()
	dc.index[key] = &diskEntry{
		Key:          key,
		File:         path,
		Size:         diskSize,
		OriginalSize: int64(len(value)),
		Stored:       now,
		LastAccess:   now,
	}
	dc.size += diskSize
	dc.dirty = true

	dc.logger.Debug("cached manifest", "key", key,
		"size", humanize.Bytes(uint64(len(value))), "stored", humanize.Bytes(uint64(diskSize)))
	return nil
}

// Delete removes an entry.
func (dc *DiskCache) Delete(key string) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if entry, ok := dc.index[key]; ok {
		dc.removeLocked(entry)
	}
}

// Prune removes expired entries and returns how many were dropped.
func (dc *DiskCache) Prune() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	now := dc.now()
	pruned := 0
	for _, entry := range dc.index {
		if dc.expired(entry, now) {
			dc.removeLocked(entry)
			pruned++
		}
	}
	if pruned > 0 {
		dc.logger.Debug("pruned expired manifests", "count", pruned, "size", humanize.Bytes(uint64(dc.size)))
	}
	return pruned
}

// Size returns the bytes used on disk.
func (dc *DiskCache) Size() int64 {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.size
}

// Stats returns cache statistics.
func (dc *DiskCache) Stats() Stats {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	stats := dc.stats
	stats.Size = dc.size
	stats.ItemCount = int64(len(dc.index))
	stats.updateHitRate()
	return stats
}

// Flush writes the index to disk if it changed.
func (dc *DiskCache) Flush() error {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if !dc.dirty {
		return nil
	}
	if err := dc.saveIndex(); err != nil {
		return err
	}
	dc.dirty = false
	return nil
}

// Close saves the index and releases the codecs.
func (dc *DiskCache) Close() error {
	err := dc.Flush()
	dc.decoder.Close()
	if cerr := dc.encoder.Close(); err == nil {
		err = cerr
	}
	return err
}

func (dc *DiskCache) expired(e *diskEntry, now time.Time) bool {
	return dc.ttl > 0 && now.Sub(e.Stored) > dc.ttl
}

// evictOldestLocked removes the least recently used entry (must be called
// with lock held).
func (dc *DiskCache) evictOldestLocked() {
	entries := make([]*diskEntry, 0, len(dc.index))
	for _, e := range dc.index {
		entries = append(entries, e)
	}
	if len(entries) == 0 {
		return
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastAccess.Before(entries[j].LastAccess)
	})
	dc.removeLocked(entries[0])
	dc.stats.Evictions++
	dc.stats.LastEvict = dc.now()
}

func (dc *DiskCache) removeLocked(e *diskEntry) {
	_ = os.Remove(e.File)
	delete(dc.index, e.Key)
	dc.size -= e.Size
	dc.dirty = true
}

func (dc *DiskCache) filePath(key string) string {
	hash := sha256.Sum256([]byte(key))
	return filepath.Join(dc.basePath, hex.EncodeToString(hash[:16])+".zst")
}

func (dc *DiskCache) loadIndex() error {
	file, err := os.Open(filepath.Join(dc.basePath, indexFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer file.Close() //nolint:errcheck

	return gob.NewDecoder(file).Decode(&dc.index)
}

func (dc *DiskCache) saveIndex() error {
	path := filepath.Join(dc.basePath, indexFile)
	tmp := path + ".tmp"

	file, err := os.Create(tmp)
	if err != nil {
		return err
	}
	err = gob.NewEncoder(file).Encode(dc.index)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// writeFileAtomic writes to a temp file first, then renames it into place.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
