// Package scroll keeps the highlighted word comfortably in view without
// fighting the user.
package scroll

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bookbridge/readalong/playback"
)

// Viewport is the scrollable text view.
type Viewport interface {
	// Height returns the number of visible lines.
	Height() int
	// Offset returns the index of the first visible line.
	Offset() int
	// ScrollTo makes line the first visible line.
	ScrollTo(line int)
	// LineOf returns the line a word is rendered on.
	LineOf(word int) (int, bool)
}

// InputKind is a kind of user scroll input.
type InputKind int

const (
	InputWheel InputKind = iota
	InputTouch
	InputDrag
	InputKey
)

// String returns the string representation of the input kind.
func (k InputKind) String() string {
	switch k {
	case InputWheel:
		return "wheel"
	case InputTouch:
		return "touch"
	case InputDrag:
		return "drag"
	case InputKey:
		return "key"
	default:
		return "unknown"
	}
}

// Controller scrolls a Viewport to follow highlight changes.
type Controller struct {
	cfg    playback.ScrollConfig
	vp     Viewport
	now    func() time.Time
	logger *log.Logger

	mu            sync.Mutex
	enabled       bool
	suppressUntil time.Time
	scrolls       int
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// New creates a controller for vp.
func New(cfg playback.ScrollConfig, vp Viewport, opts ...Option) *Controller {
	c := &Controller{
		cfg:     cfg,
		vp:      vp,
		now:     time.Now,
		logger:  log.Default().WithPrefix("scroll"),
		enabled: cfg.Enabled,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UserInput records user scrolling; auto-scroll is suppressed for the
// configured window after it.
func (c *Controller) UserInput(kind InputKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suppressUntil = c.now().Add(c.cfg.SuppressWindow)
	c.logger.Debug("auto-scroll suppressed", "input", kind, "until", c.suppressUntil.Format("15:04:05.000"))
}

// SetEnabled turns auto-scroll on or off for the session.
func (c *Controller) SetEnabled(enabled bool) {
	c.mu.Lock()
	c.enabled = enabled
	c.mu.Unlock()
}

// Enabled reports whether auto-scroll is on.
func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Suppressed reports whether recent user input is holding auto-scroll off.
func (c *Controller) Suppressed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Before(c.suppressUntil)
}

// Scrolls returns how many times the controller moved the viewport.
func (c *Controller) Scrolls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scrolls
}

// Follow scrolls to word if it left the comfort band. It reports whether
// the viewport moved.
func (c *Controller) Follow(word int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled || word == playback.NoHighlight || c.now().Before(c.suppressUntil) {
		return false
	}

	line, ok := c.vp.LineOf(word)
	height := c.vp.Height()
	if !ok || height <= 0 {
		return false
	}

	rel := float64(line-c.vp.Offset()) / float64(height)
	if rel >= c.cfg.BandTop && rel <= c.cfg.BandBottom {
		return false
	}

	target := line - int(c.cfg.Anchor*float64(height))
	if target < 0 {
		target = 0
	}
	if target == c.vp.Offset() {
		return false
	}
	c.vp.ScrollTo(target)
	c.scrolls++
	return true
}

// OnHighlightChange implements playback.Listener.
func (c *Controller) OnHighlightChange(h playback.Highlight) {
	c.Follow(h.Word)
}

// OnBufferingStateChange implements playback.Listener.
func (c *Controller) OnBufferingStateChange(bool) {}

// OnPlaybackEnded implements playback.Listener.
func (c *Controller) OnPlaybackEnded() {}
