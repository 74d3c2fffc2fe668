// Package session coordinates one read-along session: it loads chunks,
// drives audio elements, keeps the highlight in sync and hands playback
// from one chunk to the next.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/bookbridge/readalong/internal/cache"
	"github.com/bookbridge/readalong/playback"
	"github.com/bookbridge/readalong/playback/calibration"
	psync "github.com/bookbridge/readalong/playback/sync"
	"github.com/bookbridge/readalong/playback/timing"
	"github.com/bookbridge/readalong/playback/transition"
)

// Deps are the collaborators of a Controller. Assets and Output are
// required; everything else has a default.
type Deps struct {
	Assets playback.AssetService
	Output playback.Output

	// Store persists calibration profiles. Ignored when Calibrator is set.
	Store playback.CalibrationStore
	// Calibrator may be shared between sessions.
	Calibrator *calibration.Calibrator
	// Cache holds loaded chunks. Created from the config when nil.
	Cache *cache.ChunkCache
	// Scheduler delivers highlight frames. A ticker at the configured
	// frame rate when nil.
	Scheduler psync.FrameScheduler
	// Levels picks the voice when a BookRef has none.
	Levels playback.Levels

	Logger *log.Logger
	// Sleep replaces the backoff and crossfade timer, for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Controller is the state machine of one playback session.
type Controller struct {
	id     string
	cfg    playback.Config
	output playback.Output
	levels playback.Levels
	logger *log.Logger

	emitter  *playback.Emitter
	cache    *cache.ChunkCache
	trans    *transition.Manager
	syncer   *psync.Synchronizer
	calib    *calibration.Calibrator
	ownCalib bool

	mu        sync.Mutex
	sm        *playback.StateMachine
	gen       uint64
	bg        context.Context
	cancel    context.CancelFunc
	book      playback.BookRef
	calKey    string
	index     int
	first     int // chunk the session started on
	autoplay  bool
	chunk     *playback.AudioChunk
	element   playback.Element
	outgoing  playback.Element // fading out during a handoff
	timings   *timing.Store
	buffering bool
	handoff   bool
	sampled   map[int]bool
	lastErr   error
	closed    bool
}

// New creates an idle controller.
func New(cfg playback.Config, deps Deps) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Assets == nil {
		return nil, errors.New("session: asset service is required")
	}
	if deps.Output == nil {
		return nil, errors.New("session: audio output is required")
	}

	id := uuid.NewString()
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}

	c := &Controller{
		id:      id,
		cfg:     cfg,
		output:  deps.Output,
		levels:  deps.Levels,
		logger:  logger.WithPrefix("session").With("session", id[:8]),
		emitter: playback.NewEmitter(logger.WithPrefix("events")),
		cache:   deps.Cache,
		calib:   deps.Calibrator,
		sm:      playback.NewStateMachine(),
		sampled: make(map[int]bool),
	}
	c.bg, c.cancel = context.WithCancel(context.Background())

	if c.cache == nil {
		c.cache = cache.FromConfig(cfg.Cache)
	}
	if c.calib == nil {
		c.calib = calibration.New(cfg.Calibration, deps.Store, calibration.WithLogger(logger.WithPrefix("calibration")))
		c.ownCalib = true
	}

	topts := []transition.Option{transition.WithLogger(logger.WithPrefix("transition"))}
	if p, ok := deps.Output.(playback.Preloader); ok {
		topts = append(topts, transition.WithPreloader(p))
	}
	if deps.Sleep != nil {
		topts = append(topts, transition.WithSleep(deps.Sleep))
	}
	c.trans = transition.New(cfg.Transition, deps.Assets, c.cache, topts...)

	c.syncer = psync.New(cfg.Sync, deps.Scheduler, c.publish,
		psync.WithLogger(logger.WithPrefix("sync")),
		psync.WithFrameHook(c.onFrame),
	)
	return c, nil
}

// ID returns the session identifier.
func (c *Controller) ID() string {
	return c.id
}

// Subscribe adds a listener. Events are delivered in order on one
// goroutine.
func (c *Controller) Subscribe(l playback.Listener) {
	c.emitter.Subscribe(l)
}

// Flush waits until every event queued so far was delivered.
func (c *Controller) Flush() {
	c.emitter.Flush()
}

// Cache returns the chunk cache used by the session.
func (c *Controller) Cache() *cache.ChunkCache {
	return c.cache
}

// Calibrator returns the calibrator used by the session.
func (c *Controller) Calibrator() *calibration.Calibrator {
	return c.calib
}

// TransitionStats returns the loader counters.
func (c *Controller) TransitionStats() transition.Stats {
	return c.trans.Stats()
}

// Start begins playing book from chunk index. Any previous session state
// is discarded.
func (c *Controller) Start(ctx context.Context, book playback.BookRef, index int) error {
	if book.BookID == "" {
		return fmt.Errorf("%w: empty book id", playback.ErrNoSession)
	}
	if !book.Level.Valid() {
		return fmt.Errorf("invalid CEFR level %q", book.Level)
	}
	if index < 0 || !book.HasChunk(index) {
		return fmt.Errorf("%w: %d", playback.ErrInvalidChunk, index)
	}
	if book.VoiceID == "" && c.levels != nil {
		book.VoiceID = c.levels.Voice(book.Level)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return playback.ErrSessionClosed
	}
	gen := c.newGenerationLocked()
	c.teardownLocked()
	if c.book.BookID != "" && !c.book.Key(0).SameUnit(book.Key(0)) {
		n := c.cache.ReleaseBook(c.book.BookID, c.book.Level)
		c.logger.Debug("released previous book", "book", c.book.BookID, "chunks", n)
	}
	c.book = book
	c.index = index
	c.first = index
	c.autoplay = true
	c.lastErr = nil
	c.sampled = make(map[int]bool)
	c.trans.Reset(book, index)
	c.cache.SetCurrent(book.Key(index))
	c.setStateLocked(playback.StateLoading, nil)
	c.mu.Unlock()

	c.logger.Info("starting session", "book", book.BookID, "level", book.Level, "voice", book.VoiceID, "chunk", index)

	key := c.calib.Prepare(ctx, book.BookID, book.Level)
	c.mu.Lock()
	if gen == c.gen {
		c.calKey = key
	}
	c.mu.Unlock()

	return c.load(ctx, gen, index)
}

// Play resumes playback.
func (c *Controller) Play() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return playback.ErrSessionClosed
	}
	switch c.sm.Current() {
	case playback.StateLoading:
		c.autoplay = true
		return nil
	case playback.StatePlaying, playback.StateTransitioning:
		return nil
	case playback.StatePaused:
		return c.playLocked()
	}
	return fmt.Errorf("%w: cannot play while %s", playback.ErrInvalidState, c.sm.Current())
}

// Pause pauses playback. The highlight stays on the current word.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return playback.ErrSessionClosed
	}
	switch c.sm.Current() {
	case playback.StateLoading:
		c.autoplay = false
		return nil
	case playback.StatePaused:
		return nil
	case playback.StatePlaying, playback.StateTransitioning:
		c.syncer.Stop()
		if c.element != nil {
			if err := c.element.Pause(); err != nil {
				c.logger.Warn("failed to pause element", "err", err)
			}
		}
		if c.outgoing != nil {
			_ = c.outgoing.Pause()
		}
		c.setStateLocked(playback.StatePaused, nil)
		return nil
	}
	return fmt.Errorf("%w: cannot pause while %s", playback.ErrInvalidState, c.sm.Current())
}

// Seek moves the current chunk to pos and re-resolves the highlight
// immediately.
func (c *Controller) Seek(pos time.Duration) (playback.Highlight, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seekLocked(pos)
}

// SeekToWord moves playback to the start of word i of the current chunk.
// The calibration offset is added, so the word is highlighted at once and
// heard from its beginning.
func (c *Controller) SeekToWord(i int) (playback.Highlight, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timings == nil || c.timings.HighlightDisabled() {
		return playback.Highlight{}, fmt.Errorf("%w: no timings", playback.ErrInvalidWord)
	}
	start, ok := c.timings.StartOf(i)
	if !ok {
		return playback.Highlight{}, fmt.Errorf("%w: %d", playback.ErrInvalidWord, i)
	}
	return c.seekLocked(start + c.syncer.Offset())
}

func (c *Controller) seekLocked(pos time.Duration) (playback.Highlight, error) {
	if c.closed {
		return playback.Highlight{}, playback.ErrSessionClosed
	}
	switch c.sm.Current() {
	case playback.StatePlaying, playback.StatePaused:
	default:
		return playback.Highlight{}, fmt.Errorf("%w: cannot seek while %s", playback.ErrInvalidState, c.sm.Current())
	}
	if c.element == nil {
		return playback.Highlight{}, playback.ErrNoSession
	}

	if pos < 0 {
		pos = 0
	}
	if d := c.element.Duration(); d > 0 && pos > d {
		pos = d
	}
	if err := c.element.Seek(pos); err != nil {
		return playback.Highlight{}, fmt.Errorf("seek: %w", err)
	}
	return c.syncer.Seek(pos), nil
}

// NextChunk moves to the following chunk.
func (c *Controller) NextChunk(ctx context.Context) error {
	c.mu.Lock()
	target := c.index + 1
	c.mu.Unlock()
	return c.gotoChunk(ctx, target, true)
}

// PreviousChunk moves to the preceding chunk.
func (c *Controller) PreviousChunk(ctx context.Context) error {
	c.mu.Lock()
	target := c.index - 1
	c.mu.Unlock()
	return c.gotoChunk(ctx, target, false)
}

// JumpToChunk moves to chunk i out of sequence. Loads for other chunks are
// aborted.
func (c *Controller) JumpToChunk(ctx context.Context, i int) error {
	return c.gotoChunk(ctx, i, false)
}

func (c *Controller) gotoChunk(ctx context.Context, target int, sequential bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return playback.ErrSessionClosed
	}
	if c.book.BookID == "" {
		c.mu.Unlock()
		return playback.ErrNoSession
	}
	if !c.trans.HasChunk(target) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", playback.ErrInvalidChunk, target)
	}

	switch c.sm.Current() {
	case playback.StatePlaying, playback.StateTransitioning:
		c.autoplay = true
	case playback.StatePaused:
		c.autoplay = false
	}
	gen := c.newGenerationLocked()
	if sequential {
		c.trans.Advance(target)
	} else {
		c.trans.Jump(target)
	}
	c.teardownLocked()
	c.index = target
	c.cache.SetCurrent(c.book.Key(target))
	c.setStateLocked(playback.StateLoading, nil)
	c.mu.Unlock()

	c.logger.Debug("moving to chunk", "chunk", target, "sequential", sequential)
	return c.load(ctx, gen, target)
}

// Nudge shifts the calibration offset by delta. Manual adjustments take
// precedence over automatic calibration for the rest of the session.
func (c *Controller) Nudge(delta time.Duration) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, playback.ErrSessionClosed
	}
	if c.calKey == "" {
		return 0, playback.ErrNoSession
	}
	offset, conf := c.calib.Nudge(c.calKey, delta)
	c.syncer.SetOffset(offset)
	if c.element != nil && c.timings != nil {
		c.syncer.Seek(c.element.Position())
	}
	c.logger.Debug("offset nudged", "delta", delta, "offset", offset, "confidence", conf)
	return offset, nil
}

// State returns a snapshot of the session.
func (c *Controller) State() playback.State {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := playback.State{
		CurrentState: c.sm.Current(),
		BookID:       c.book.BookID,
		Level:        c.book.Level,
		Chunk:        c.index,
		TotalChunks:  c.book.TotalChunks,
		Word:         c.syncer.Current().Word,
		Offset:       c.syncer.Offset(),
		Buffering:    c.buffering,
		LastError:    c.lastErr,
	}
	if last, ok := c.trans.Last(); ok && s.TotalChunks <= 0 {
		s.TotalChunks = last + 1
	}
	if c.calKey != "" {
		_, s.Confidence = c.calib.Offset(c.calKey)
	}
	if c.element != nil {
		s.Position = c.element.Position()
		s.Duration = c.element.Duration()
	}
	s.Highlighting = c.timings != nil && !c.timings.HighlightDisabled() && s.CurrentState != playback.StateError
	return s
}

// Stop ends playback and returns to idle. Cached chunks are kept.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.newGenerationLocked()
	c.trans.Jump(c.index)
	c.teardownLocked()
	c.setStateLocked(playback.StateIdle, nil)
}

// Close stops playback and releases everything the session owns. Queued
// events are delivered before Close returns.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.newGenerationLocked()
	c.cancel()
	c.trans.Jump(c.index)
	c.teardownLocked()
	c.setStateLocked(playback.StateIdle, nil)
	c.closed = true
	c.mu.Unlock()

	c.emitter.Close()
	if c.ownCalib {
		return c.calib.Close()
	}
	return nil
}

// load fetches chunk index in the foreground and attaches it.
func (c *Controller) load(ctx context.Context, gen uint64, index int) error {
	if _, ok := c.trans.Ready(index); !ok {
		c.mu.Lock()
		if gen == c.gen {
			c.setBufferingLocked(true)
		}
		c.mu.Unlock()
	}

	chunk, err := c.trans.Ensure(ctx, index)
	var el playback.Element
	if err == nil {
		el, err = c.output.Open(ctx, chunk)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.closed {
		if el != nil {
			_ = el.Close()
		}
		return playback.NewError(playback.KindStale, "session", "load", index, playback.ErrStale)
	}
	c.setBufferingLocked(false)
	if err != nil {
		return c.failLocked(index, "load", err)
	}

	c.attachLocked(index, chunk, el)
	if !c.autoplay {
		c.setStateLocked(playback.StatePaused, nil)
		return nil
	}
	return c.playLocked()
}

// handoffNext loads the chunk after from and crossfades into it.
func (c *Controller) handoffNext(ctx context.Context, gen uint64, from int) {
	next := from + 1

	chunk, ready := c.trans.Ready(next)
	if !ready {
		c.mu.Lock()
		if gen == c.gen {
			c.setBufferingLocked(true)
		}
		c.mu.Unlock()

		var err error
		if chunk, err = c.trans.Ensure(ctx, next); err != nil {
			c.handoffFailed(gen, next, err)
			return
		}
	}
	el, err := c.output.Open(ctx, chunk)
	if err != nil {
		c.handoffFailed(gen, next, err)
		return
	}

	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		_ = el.Close()
		return
	}
	c.setBufferingLocked(false)
	prev := c.element
	c.element = nil
	c.trans.Advance(next)
	c.attachLocked(next, chunk, el)
	c.handoff = false

	if c.sm.Current() == playback.StatePaused {
		c.mu.Unlock()
		if prev != nil {
			_ = prev.Close()
		}
		return
	}
	c.outgoing = prev
	c.syncer.Start()
	c.mu.Unlock()

	mode, err := c.trans.Crossfade(ctx, prev, el, c.handoffGuard(gen, el))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outgoing == prev {
		c.outgoing = nil
	}
	if gen != c.gen || c.closed || errors.Is(err, playback.ErrStale) {
		return
	}
	if err != nil {
		c.failLocked(next, "crossfade", err)
		return
	}
	c.logger.Debug("chunk handoff", "from", from, "to", next, "mode", mode)
	if c.sm.Current() == playback.StateTransitioning {
		c.setStateLocked(playback.StatePlaying, nil)
	}
}

// handoffGuard lets a crossfade into el proceed only while el is still the
// session's element and the session is playing.
func (c *Controller) handoffGuard(gen uint64, el playback.Element) transition.Guard {
	return func(fn func() error) (bool, error) {
		c.mu.Lock()
		defer c.mu.Unlock()

		if gen != c.gen || c.closed || c.element != el {
			return false, nil
		}
		switch c.sm.Current() {
		case playback.StatePlaying, playback.StateTransitioning:
		default:
			return false, nil
		}
		if fn == nil {
			return true, nil
		}
		return true, fn()
	}
}

func (c *Controller) handoffFailed(gen uint64, next int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.closed {
		return
	}
	c.setBufferingLocked(false)
	c.handoff = false

	switch playback.KindOf(err) {
	case playback.KindStale:
		// Lost a race with a finishing load; the next frame retries.
		if c.sm.Current() == playback.StateTransitioning {
			c.setStateLocked(playback.StatePlaying, nil)
		}
		return
	case playback.KindNotFound:
		// The unit ends with the current chunk; onFrame finishes it once
		// the audio runs out.
		c.logger.Debug("no chunk after current", "chunk", next)
		if c.element == nil || c.element.Ended() {
			c.finishLocked()
			return
		}
		if c.sm.Current() == playback.StateTransitioning {
			c.setStateLocked(playback.StatePlaying, nil)
		}
		return
	}
	c.failLocked(next, "prefetch", err)
}

// onFrame runs after every synchronizer frame.
func (c *Controller) onFrame(f psync.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.element == nil || f.Chunk != c.index {
		return
	}
	state := c.sm.Current()
	if state != playback.StatePlaying && state != playback.StateTransitioning {
		return
	}

	el := c.element
	dur := el.Duration()
	if dur <= 0 {
		dur = f.Duration
	}
	if dur > 0 {
		c.trans.OnProgress(c.index, float64(f.Position)/float64(dur))
	}
	if f.Changed && f.Word != playback.NoHighlight {
		c.sampleLocked(f.Word)
	}

	if state != playback.StatePlaying || c.handoff {
		return
	}
	if !c.trans.HasChunk(c.index + 1) {
		if el.Ended() {
			c.finishLocked()
		}
		return
	}
	if el.Ended() || (dur > 0 && dur-f.Position <= c.cfg.Transition.Crossfade) {
		c.handoff = true
		c.setStateLocked(playback.StateTransitioning, nil)
		go c.handoffNext(c.bg, c.gen, c.index)
	}
}

// sampleLocked records an automatic calibration sample at the onset of
// one of the first words of the session.
func (c *Controller) sampleLocked(word int) {
	if c.calKey == "" || c.index != c.first || word >= c.cfg.Calibration.AutoSampleWords || c.sampled[word] {
		return
	}
	lr, ok := c.element.(playback.LatencyReporter)
	if !ok {
		return
	}
	latency := lr.OutputLatency()
	if latency <= 0 {
		return
	}
	c.sampled[word] = true

	predicted := c.syncer.Offset()
	s := calibration.Sample{Predicted: predicted, Error: latency - predicted, Source: calibration.SourceAuto}
	if c.calib.RecordSample(c.calKey, s) {
		offset, conf := c.calib.Offset(c.calKey)
		c.syncer.SetOffset(offset)
		c.logger.Debug("auto calibration sample", "word", word, "latency", latency, "offset", offset, "confidence", conf)
	}
}

func (c *Controller) attachLocked(index int, chunk *playback.AudioChunk, el playback.Element) {
	if c.element != nil && c.element != el {
		_ = c.element.Close()
	}
	c.index = index
	c.chunk = chunk
	c.element = el
	c.timings = timing.FromChunk(chunk)

	switch {
	case c.timings.HighlightDisabled():
		c.logger.Warn("chunk has no word timings, highlighting disabled", "chunk", index)
	case c.timings.Degraded():
		c.logger.Warn("word timings malformed, estimating highlight", "chunk", index, "words", c.timings.Len())
	}

	if c.calKey != "" {
		offset, _ := c.calib.Offset(c.calKey)
		c.syncer.SetOffset(offset)
	} else {
		c.syncer.SetOffset(c.cfg.Calibration.DefaultOffset)
	}
	c.syncer.Attach(index, c.timings, el)
	c.cache.SetCurrent(chunk.Key)
	c.emitter.Emit(playback.Event{Type: playback.EventChunk, Chunk: chunk})
}

func (c *Controller) playLocked() error {
	if c.element == nil {
		return playback.ErrNoSession
	}
	if err := c.element.Play(); err != nil {
		return c.failLocked(c.index, "play", err)
	}
	c.syncer.Start()
	c.setStateLocked(playback.StatePlaying, nil)
	return nil
}

// failLocked routes err by kind. A missing chunk past the known end
// finishes the unit; unrecoverable errors move the session into the error
// state without stopping audio that is already playing.
func (c *Controller) failLocked(index int, op string, err error) error {
	perr := playback.NewError(playback.KindUnknown, "session", op, index, err)

	switch perr.Kind {
	case playback.KindStale:
		if c.sm.Current() == playback.StateLoading {
			c.setStateLocked(playback.StateIdle, nil)
		}
		return perr
	case playback.KindNotFound:
		if last, ok := c.trans.Last(); ok && index > last {
			c.finishLocked()
			return nil
		}
	}

	c.lastErr = perr
	c.handoff = false
	c.syncer.Stop()
	c.syncer.Detach()
	c.setStateLocked(playback.StateError, perr)
	c.logger.Error("playback failed", "chunk", index, "op", op, "kind", perr.Kind, "err", err)
	return perr
}

func (c *Controller) finishLocked() {
	c.newGenerationLocked()
	c.trans.Jump(c.index)
	c.teardownLocked()
	c.setStateLocked(playback.StateEnded, nil)
	c.emitter.Emit(playback.Event{Type: playback.EventEnded})

	n := c.cache.ReleaseBook(c.book.BookID, c.book.Level)
	c.logger.Info("playback ended", "book", c.book.BookID, "chunk", c.index, "released", n)
}

// teardownLocked stops the highlight loop and closes the element.
func (c *Controller) teardownLocked() {
	c.syncer.Stop()
	c.syncer.Detach()
	if c.element != nil {
		_ = c.element.Close()
	}
	c.element = nil
	c.chunk = nil
	c.timings = nil
	c.handoff = false
	c.setBufferingLocked(false)
}

// newGenerationLocked invalidates every asynchronous operation started
// before it.
func (c *Controller) newGenerationLocked() uint64 {
	c.gen++
	c.cancel()
	c.bg, c.cancel = context.WithCancel(context.Background())
	return c.gen
}

func (c *Controller) setStateLocked(to playback.StateType, err error) {
	from := c.sm.Current()
	if from == to {
		return
	}
	if !c.sm.Transition(to) {
		c.logger.Warn("invalid state transition", "from", from, "to", to)
		return
	}
	c.logger.Debug("state change", "from", from, "to", to)
	c.emitter.Emit(playback.Event{Type: playback.EventState, From: from, To: to, Err: err})
}

func (c *Controller) setBufferingLocked(b bool) {
	if c.buffering == b {
		return
	}
	c.buffering = b
	c.emitter.Emit(playback.Event{Type: playback.EventBuffering, Buffering: b})
}

func (c *Controller) publish(h playback.Highlight) {
	c.emitter.Emit(playback.Event{Type: playback.EventHighlight, Highlight: h})
}
