// Package calibration learns the offset between reported playback position
// and what the listener actually hears.
package calibration

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bookbridge/readalong/playback"
)

// Source tells where a sample came from.
type Source int

const (
	// SourceAuto samples are derived from output latency at word onsets.
	SourceAuto Source = iota
	// SourceManual samples come from the user nudging the highlight.
	SourceManual
)

// String returns the string representation of the source.
func (s Source) String() string {
	if s == SourceManual {
		return "manual"
	}
	return "auto"
}

// Sample is one observation: the offset that was applied when a word was
// predicted, and the measured error of that prediction.
type Sample struct {
	Predicted time.Duration
	Error     time.Duration
	Source    Source
}

// Observed returns the offset the sample suggests.
func (s Sample) Observed() time.Duration {
	return s.Predicted + s.Error
}

type entry struct {
	profile  *playback.CalibrationProfile
	weight   float64
	locked   bool
	autoLeft int
	loaded   bool
}

// Calibrator keeps one profile per book (or per book and level) and
// persists changes in the background.
type Calibrator struct {
	cfg    playback.CalibrationConfig
	store  playback.CalibrationStore
	logger *log.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	pending map[string]*playback.CalibrationProfile
	closed  bool

	signal chan struct{}
	done   chan struct{}
}

// Option configures a Calibrator.
type Option func(*Calibrator)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Calibrator) { c.logger = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Calibrator) { c.now = now }
}

// New creates a calibrator. store may be nil, in which case profiles live
// in memory only.
func New(cfg playback.CalibrationConfig, store playback.CalibrationStore, opts ...Option) *Calibrator {
	c := &Calibrator{
		cfg:     cfg,
		store:   store,
		logger:  log.Default().WithPrefix("calibration"),
		now:     time.Now,
		entries: make(map[string]*entry),
		pending: make(map[string]*playback.CalibrationProfile),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.saveLoop()
	return c
}

// Key returns the profile key for a book and level.
func (c *Calibrator) Key(bookID string, level playback.CEFRLevel) string {
	if c.cfg.PerLevel {
		return bookID + "/" + string(level)
	}
	return bookID
}

// Prepare loads the profile for a book from the store if it has not been
// loaded yet, and starts a new calibration session for it. Load failures
// are logged and the default offset is used.
func (c *Calibrator) Prepare(ctx context.Context, bookID string, level playback.CEFRLevel) string {
	key := c.Key(bookID, level)

	c.mu.Lock()
	e := c.entryLocked(key, bookID, level)
	needLoad := !e.loaded && c.store != nil
	e.loaded = true
	c.mu.Unlock()

	if needLoad {
		p, err := c.store.Load(ctx, key)
		switch {
		case err != nil:
			c.logger.Warn("failed to load calibration profile", "key", key, "err", err)
		case p != nil:
			c.mu.Lock()
			// Samples recorded while loading win over the stored profile.
			if e.profile.SampleCount == 0 && !e.locked {
				e.profile = p.Clone()
				e.profile.Key = key
				e.weight = restoredWeight(p.SampleCount, c.cfg.Decay)
			}
			c.mu.Unlock()
			c.logger.Debug("loaded calibration profile", "key", key, "offset", p.Offset, "confidence", p.Confidence)
		}
	}

	c.BeginSession(key)
	return key
}

// BeginSession clears the manual lock and refills the automatic sample
// budget for key.
func (c *Calibrator) BeginSession(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(key, key, "")
	e.locked = false
	e.autoLeft = c.cfg.AutoSampleWords
}

// RecordSample folds one observation into the profile for key. It reports
// whether the sample was used.
func (c *Calibrator) RecordSample(key string, s Sample) bool {
	c.mu.Lock()
	e := c.entryLocked(key, key, "")

	if s.Source == SourceManual {
		c.applyManualLocked(e, s.Observed())
		c.queueSaveLocked(e)
		c.mu.Unlock()
		return true
	}

	if e.locked || e.autoLeft <= 0 {
		c.mu.Unlock()
		return false
	}
	e.autoLeft--

	x := c.clamp(s.Observed())
	p := e.profile
	switch {
	case p.SampleCount == 0:
		p.Offset = x
		e.weight = 1
		p.SampleCount = 1
		p.Confidence = c.confidence(1)
	case p.Confidence >= c.cfg.ConfidenceGate && absDuration(x-p.Offset) > c.cfg.RegimeThreshold:
		c.logger.Info("calibration regime change", "key", key, "from", p.Offset, "to", x)
		p.Offset = x
		e.weight = 1
		p.SampleCount = 1
		p.Confidence = c.confidence(1)
	default:
		w := c.cfg.Decay * e.weight
		p.Offset = time.Duration(math.Round((w*float64(p.Offset) + float64(x)) / (w + 1)))
		e.weight = w + 1
		p.SampleCount++
		p.Confidence = math.Max(p.Confidence, c.confidence(p.SampleCount))
	}
	p.UpdatedAt = c.now()

	c.queueSaveLocked(e)
	c.mu.Unlock()
	return true
}

// Nudge shifts the offset for key by delta and locks out automatic
// samples until the next session.
func (c *Calibrator) Nudge(key string, delta time.Duration) (time.Duration, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entryLocked(key, key, "")
	current, _ := c.offsetLocked(e)
	c.applyManualLocked(e, current+delta)
	c.queueSaveLocked(e)
	return e.profile.Offset, e.profile.Confidence
}

func (c *Calibrator) applyManualLocked(e *entry, offset time.Duration) {
	p := e.profile
	p.Offset = c.clamp(offset)
	p.Confidence = 1
	if p.SampleCount == 0 {
		p.SampleCount = 1
	}
	p.UpdatedAt = c.now()
	e.weight = 1
	e.locked = true
}

// Offset returns the offset to subtract from playback positions and the
// confidence behind it. Below the confidence gate the default offset is
// returned.
func (c *Calibrator) Offset(key string) (time.Duration, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return c.cfg.DefaultOffset, 0
	}
	return c.offsetLocked(e)
}

func (c *Calibrator) offsetLocked(e *entry) (time.Duration, float64) {
	p := e.profile
	if p.SampleCount == 0 || p.Confidence < c.cfg.ConfidenceGate {
		return c.cfg.DefaultOffset, p.Confidence
	}
	return p.Offset, p.Confidence
}

// Locked reports whether a manual adjustment is in effect for key.
func (c *Calibrator) Locked(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && e.locked
}

// Profile returns a copy of the profile for key, or nil.
func (c *Calibrator) Profile(key string) *playback.CalibrationProfile {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e.profile.Clone()
	}
	return nil
}

// Reset forgets the learned profile for key and persists the reset.
func (c *Calibrator) Reset(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return
	}
	bookID, level := e.profile.BookID, e.profile.Level
	e.profile = &playback.CalibrationProfile{Key: key, BookID: bookID, Level: level, UpdatedAt: c.now()}
	e.weight = 0
	e.locked = false
	c.queueSaveLocked(e)
}

// Close flushes pending saves and stops the background writer.
func (c *Calibrator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.signal)
	<-c.done
	return nil
}

func (c *Calibrator) entryLocked(key, bookID string, level playback.CEFRLevel) *entry {
	e, ok := c.entries[key]
	if !ok {
		e = &entry{
			profile:  &playback.CalibrationProfile{Key: key, BookID: bookID, Level: level},
			autoLeft: c.cfg.AutoSampleWords,
		}
		c.entries[key] = e
	}
	if e.profile.BookID == key && bookID != key {
		e.profile.BookID = bookID
	}
	if e.profile.Level == "" && level != "" {
		e.profile.Level = level
	}
	return e
}

func (c *Calibrator) queueSaveLocked(e *entry) {
	if c.store == nil || c.closed {
		return
	}
	c.pending[e.profile.Key] = e.profile.Clone()
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *Calibrator) saveLoop() {
	defer close(c.done)
	for range c.signal {
		c.flush()
	}
	c.flush()
}

func (c *Calibrator) flush() {
	c.mu.Lock()
	batch := c.pending
	c.pending = make(map[string]*playback.CalibrationProfile)
	c.mu.Unlock()

	for key, p := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), c.saveTimeout())
		if err := c.store.Save(ctx, p); err != nil {
			c.logger.Warn("failed to save calibration profile", "key", key, "err",
				playback.NewError(playback.KindCalibration, "calibration", "save", -1, err))
		}
		cancel()
	}
}

func (c *Calibrator) saveTimeout() time.Duration {
	if c.cfg.SaveTimeout > 0 {
		return c.cfg.SaveTimeout
	}
	return 5 * time.Second
}

func (c *Calibrator) confidence(n int) float64 {
	return float64(n) / (float64(n) + c.cfg.ConfidenceK)
}

func (c *Calibrator) clamp(d time.Duration) time.Duration {
	if d < c.cfg.MinOffset {
		return c.cfg.MinOffset
	}
	if d > c.cfg.MaxOffset {
		return c.cfg.MaxOffset
	}
	return d
}

// restoredWeight approximates the decayed weight of n past samples.
func restoredWeight(n int, decay float64) float64 {
	if n <= 0 {
		return 0
	}
	return (1 - math.Pow(decay, float64(n))) / (1 - decay)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
