package assets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"github.com/bookbridge/readalong/playback"
)

// Invalidator drops cached chunks whose manifest changed on disk.
// *cache.ChunkCache satisfies it.
type Invalidator interface {
	Invalidate(key playback.ChunkKey) bool
}

// ChunkFile returns the manifest file name for chunk n.
func ChunkFile(n int) string {
	return fmt.Sprintf("chunk-%04d.json", n)
}

func parseChunkFile(name string) (int, bool) {
	var n int
	if _, err := fmt.Sscanf(filepath.Base(name), "chunk-%d.json", &n); err != nil {
		return 0, false
	}
	return n, true
}

// DirService serves chunk manifests from a directory tree laid out as
// root/<book>/<level>[/<voice>]/chunk-NNNN.json. Relative audio URLs are
// resolved against the manifest's directory.
type DirService struct {
	root    string
	decoder *Decoder
	logger  *log.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	watched map[string]playback.ChunkKey
	inv     Invalidator
	done    chan struct{}
}

// NewDirService creates a directory-backed asset service.
func NewDirService(root string, logger *log.Logger) (*DirService, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("asset root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("asset root %s is not a directory", root)
	}
	decoder, err := NewDecoder()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	return &DirService{
		root:    root,
		decoder: decoder,
		logger:  logger.WithPrefix("assets"),
		watched: make(map[string]playback.ChunkKey),
	}, nil
}

// Dir returns the directory holding the manifests of one reading unit.
// A voice subdirectory is used when it exists.
func (s *DirService) Dir(bookID string, level playback.CEFRLevel, voiceID string) string {
	dir := filepath.Join(s.root, bookID, string(level))
	if voiceID != "" {
		voiced := filepath.Join(dir, voiceID)
		if info, err := os.Stat(voiced); err == nil && info.IsDir() {
			return voiced
		}
	}
	return dir
}

// Asset implements playback.AssetService.
func (s *DirService) Asset(ctx context.Context, req playback.AssetRequest) (*playback.Asset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Chunk < 0 {
		return nil, fmt.Errorf("%w: chunk %d", playback.ErrNotFound, req.Chunk)
	}

	dir := s.Dir(req.BookID, req.Level, req.VoiceID)
	path := filepath.Join(dir, ChunkFile(req.Chunk))
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", playback.ErrNotFound, path)
		}
		return nil, playback.Transient(fmt.Errorf("read manifest: %w", err))
	}

	asset, err := s.decoder.Decode(data, req.Chunk, func(u string) string {
		if strings.Contains(u, "://") || filepath.IsAbs(u) {
			return u
		}
		return filepath.Join(dir, filepath.FromSlash(u))
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("loaded manifest", "chunk", req.Key(), "words", len(asset.Words))
	return asset, nil
}

// Watch invalidates cached chunks of one reading unit when their manifests
// are rewritten. The watcher is created on first use.
func (s *DirService) Watch(bookID string, level playback.CEFRLevel, voiceID string, inv Invalidator) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("create watcher: %w", err)
		}
		s.watcher = w
		s.done = make(chan struct{})
		go s.loop(w, s.done)
	}
	s.inv = inv

	dir := s.Dir(bookID, level, voiceID)
	if _, ok := s.watched[dir]; ok {
		return nil
	}
	if err := s.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	s.watched[dir] = playback.ChunkKey{BookID: bookID, Level: level}
	s.logger.Debug("watching manifests", "dir", dir)
	return nil
}

// Close stops the watcher.
func (s *DirService) Close() error {
	s.mu.Lock()
	w, done := s.watcher, s.done
	s.watcher = nil
	s.mu.Unlock()

	if w == nil {
		return nil
	}
	err := w.Close()
	<-done
	return err
}

func (s *DirService) loop(w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) &&
				!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			s.changed(ev.Name)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Warn("manifest watcher error", "err", err)
		}
	}
}

func (s *DirService) changed(name string) {
	n, ok := parseChunkFile(name)
	if !ok {
		return
	}
	s.mu.Lock()
	unit, watched := s.watched[filepath.Dir(name)]
	inv := s.inv
	s.mu.Unlock()
	if !watched || inv == nil {
		return
	}

	key := unit
	key.Index = n
	if inv.Invalidate(key) {
		s.logger.Debug("manifest changed, dropped cached chunk", "chunk", key)
	}
}
