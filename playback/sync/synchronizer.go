// Package sync keeps the highlighted word in step with audio playback.
package sync

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bookbridge/readalong/playback"
	"github.com/bookbridge/readalong/playback/timing"
)

// Frame describes one processed frame, passed to the frame hook.
type Frame struct {
	Chunk    int
	Position time.Duration
	Duration time.Duration
	Word     int
	Changed  bool
}

// Stats counts synchronizer activity.
type Stats struct {
	Ticks      int64
	Changes    int64
	Panics     int64
	Suppressed int64
}

// Synchronizer resolves the clock position of the active chunk to a word
// on every frame and publishes changes.
type Synchronizer struct {
	cfg       playback.SyncConfig
	scheduler FrameScheduler
	logger    *log.Logger

	mu      sync.Mutex
	store   *timing.Store
	clock   playback.Clock
	chunk   int
	offset  time.Duration
	running bool
	current int
	seq     uint64
	stats   Stats
	publish func(playback.Highlight)
	hook    func(Frame)

	// pubMu orders publications that were computed outside mu.
	pubMu   sync.Mutex
	lastPub uint64
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Synchronizer) { s.logger = l }
}

// WithFrameHook registers a function called after every frame with the
// resolved position. It runs without the synchronizer lock held.
func WithFrameHook(fn func(Frame)) Option {
	return func(s *Synchronizer) { s.hook = fn }
}

// New creates a synchronizer. publish receives highlight changes in order.
func New(cfg playback.SyncConfig, scheduler FrameScheduler, publish func(playback.Highlight), opts ...Option) *Synchronizer {
	if scheduler == nil {
		scheduler = NewTickerScheduler(cfg.FrameRate)
	}
	s := &Synchronizer{
		cfg:       cfg,
		scheduler: scheduler,
		logger:    log.Default().WithPrefix("sync"),
		current:   playback.NoHighlight,
		publish:   publish,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Attach makes store and clock the active chunk. The published highlight
// is forgotten without notifying; the next frame publishes the new word.
func (s *Synchronizer) Attach(chunk int, store *timing.Store, clock playback.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chunk = chunk
	s.store = store
	s.clock = clock
	s.current = playback.NoHighlight
}

// Detach drops the active chunk and publishes a null highlight if a word
// was highlighted.
func (s *Synchronizer) Detach() {
	s.mu.Lock()
	s.store = nil
	s.clock = nil
	h, changed := s.setLocked(playback.NoHighlight)
	s.mu.Unlock()

	if changed {
		s.emit(h)
	}
}

// SetOffset sets the calibration offset subtracted from clock positions.
func (s *Synchronizer) SetOffset(offset time.Duration) {
	s.mu.Lock()
	s.offset = offset
	s.mu.Unlock()
}

// Offset returns the calibration offset in use.
func (s *Synchronizer) Offset() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// Start begins frame delivery.
func (s *Synchronizer) Start() {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	s.scheduler.Run(s.frame)
}

// Stop halts frame delivery. The highlight stays where it is.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.scheduler.Stop()
}

// Running reports whether frames are processed.
func (s *Synchronizer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Current returns the published highlight.
func (s *Synchronizer) Current() playback.Highlight {
	s.mu.Lock()
	defer s.mu.Unlock()
	return playback.Highlight{Chunk: s.chunk, Word: s.current, Seq: s.seq}
}

// Stats returns activity counters.
func (s *Synchronizer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Tick resolves the clock once and publishes the word if it changed. It
// performs no I/O. Small backward moves during forward playback are
// treated as clock jitter and ignored.
func (s *Synchronizer) Tick() (playback.Highlight, bool) {
	_, h, changed := s.tick()
	if changed {
		s.emit(h)
	}
	return h, changed
}

func (s *Synchronizer) tick() (*Frame, playback.Highlight, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.store == nil || s.clock == nil {
		return nil, playback.Highlight{}, false
	}
	s.stats.Ticks++

	pos := s.clock.Position()
	adjusted := pos - s.offset
	word := s.resolveLocked(adjusted)

	frame := &Frame{Chunk: s.chunk, Position: pos, Duration: s.store.Duration(), Word: s.current}
	if word == s.current {
		return frame, playback.Highlight{}, false
	}
	if s.backwardJitterLocked(word, adjusted) {
		s.stats.Suppressed++
		return frame, playback.Highlight{}, false
	}

	h, changed := s.setLocked(word)
	frame.Word = word
	frame.Changed = changed
	return frame, h, changed
}

// Seek re-resolves the highlight for pos immediately, in either direction.
func (s *Synchronizer) Seek(pos time.Duration) playback.Highlight {
	s.mu.Lock()
	if s.store == nil {
		h := playback.Highlight{Chunk: s.chunk, Word: s.current, Seq: s.seq}
		s.mu.Unlock()
		return h
	}
	word := s.resolveLocked(pos - s.offset)
	h, changed := s.setLocked(word)
	if !changed {
		h = playback.Highlight{Chunk: s.chunk, Word: s.current, Seq: s.seq}
	}
	s.mu.Unlock()

	if changed {
		s.emit(h)
	}
	return h
}

// frame is called by the scheduler.
func (s *Synchronizer) frame() {
	defer func() {
		if r := recover(); r != nil {
			s.mu.Lock()
			s.stats.Panics++
			s.mu.Unlock()
			s.logger.Error("recovered panic in frame", "panic", r)
		}
	}()

	f, h, changed := s.tick()
	if changed {
		s.emit(h)
	}
	if s.hook != nil && f != nil {
		s.hook(*f)
	}
}

func (s *Synchronizer) resolveLocked(adjusted time.Duration) int {
	if idx, ok := s.store.Lookup(adjusted); ok {
		return idx
	}
	return playback.NoHighlight
}

// backwardJitterLocked reports whether moving to word is a backward step
// within the boundary hysteresis of the published word.
func (s *Synchronizer) backwardJitterLocked(word int, adjusted time.Duration) bool {
	if s.current == playback.NoHighlight {
		return false
	}
	if word != playback.NoHighlight && word > s.current {
		return false
	}
	start, ok := s.store.StartOf(s.current)
	if !ok {
		return false
	}
	return start-adjusted <= s.cfg.BoundaryHysteresis
}

func (s *Synchronizer) setLocked(word int) (playback.Highlight, bool) {
	if word == s.current {
		return playback.Highlight{}, false
	}
	s.current = word
	s.seq++
	s.stats.Changes++
	return playback.Highlight{Chunk: s.chunk, Word: word, Seq: s.seq}, true
}

// emit delivers h unless a newer highlight was already delivered.
func (s *Synchronizer) emit(h playback.Highlight) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	if h.Seq <= s.lastPub {
		return
	}
	s.lastPub = h.Seq
	if s.publish != nil {
		s.publish(h)
	}
}
