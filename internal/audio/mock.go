package audio

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bookbridge/readalong/playback"
)

// MockOutput opens simulated elements. Playback time comes from Now, so
// tests can drive elements with a fake clock and headless runs can use the
// wall clock.
type MockOutput struct {
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
	// NoGain makes elements reject SetVolume with ErrGainUnsupported.
	NoGain bool
	// Latency is reported by elements through OutputLatency.
	Latency time.Duration
	// OpenErr is returned by Open when set.
	OpenErr error

	mu       sync.Mutex
	elements []*MockElement
}

// NewMockOutput returns a wall clock output.
func NewMockOutput() *MockOutput {
	return &MockOutput{Now: time.Now}
}

// Open implements playback.Output.
func (o *MockOutput) Open(ctx context.Context, chunk *playback.AudioChunk) (playback.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if chunk == nil {
		return nil, errors.New("nil chunk")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.OpenErr != nil {
		return nil, o.OpenErr
	}

	now := o.Now
	if now == nil {
		now = time.Now
	}
	el := &MockElement{
		Chunk:    chunk.Key,
		now:      now,
		duration: chunk.Duration,
		volume:   1,
		gain:     !o.NoGain,
		latency:  o.Latency,
	}
	o.elements = append(o.elements, el)
	return el, nil
}

// Elements returns every element opened so far, oldest first.
func (o *MockOutput) Elements() []*MockElement {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*MockElement(nil), o.elements...)
}

// Last returns the most recently opened element.
func (o *MockOutput) Last() *MockElement {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.elements) == 0 {
		return nil
	}
	return o.elements[len(o.elements)-1]
}

// MockElement simulates a media element.
type MockElement struct {
	Chunk playback.ChunkKey

	mu        sync.Mutex
	now       func() time.Time
	duration  time.Duration
	playing   bool
	base      time.Duration // position when startedAt was taken
	startedAt time.Time
	volume    float64
	gain      bool
	latency   time.Duration
	closed    bool
	history   []string
	playErr   error
}

// Play implements playback.Element.
func (e *MockElement) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return playback.ErrElementClosed
	}
	if e.playErr != nil {
		return e.playErr
	}
	e.history = append(e.history, "play")
	if e.playing {
		return nil
	}
	e.playing = true
	e.startedAt = e.now()
	return nil
}

// Pause implements playback.Element.
func (e *MockElement) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return playback.ErrElementClosed
	}
	e.history = append(e.history, "pause")
	if !e.playing {
		return nil
	}
	e.base = e.positionLocked()
	e.playing = false
	return nil
}

// Seek implements playback.Element.
func (e *MockElement) Seek(pos time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return playback.ErrElementClosed
	}
	e.history = append(e.history, "seek")
	e.setLocked(pos)
	return nil
}

// SetPosition moves the clock without recording a seek, the way a test
// simulates audio progress.
func (e *MockElement) SetPosition(pos time.Duration) {
	e.mu.Lock()
	e.setLocked(pos)
	e.mu.Unlock()
}

func (e *MockElement) setLocked(pos time.Duration) {
	if pos < 0 {
		pos = 0
	}
	if e.duration > 0 && pos > e.duration {
		pos = e.duration
	}
	e.base = pos
	e.startedAt = e.now()
}

// Position implements playback.Clock.
func (e *MockElement) Position() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positionLocked()
}

func (e *MockElement) positionLocked() time.Duration {
	pos := e.base
	if e.playing {
		pos += e.now().Sub(e.startedAt)
	}
	if e.duration > 0 && pos > e.duration {
		pos = e.duration
	}
	return pos
}

// Duration implements playback.Element.
func (e *MockElement) Duration() time.Duration {
	return e.duration
}

// Ended implements playback.Element.
func (e *MockElement) Ended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.duration > 0 && e.positionLocked() >= e.duration
}

// SetVolume implements playback.Element.
func (e *MockElement) SetVolume(v float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.gain {
		return playback.ErrGainUnsupported
	}
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	e.volume = v
	return nil
}

// Volume returns the current gain.
func (e *MockElement) Volume() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.volume
}

// OutputLatency implements playback.LatencyReporter.
func (e *MockElement) OutputLatency() time.Duration {
	return e.latency
}

// Close implements playback.Element.
func (e *MockElement) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.base = e.positionLocked()
	e.playing = false
	e.closed = true
	e.history = append(e.history, "close")
	return nil
}

// Playing reports whether the element is playing.
func (e *MockElement) Playing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing && !e.closed
}

// Closed reports whether Close was called.
func (e *MockElement) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// History returns the recorded calls.
func (e *MockElement) History() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.history...)
}

// InjectPlayError makes subsequent Play calls fail.
func (e *MockElement) InjectPlayError(err error) {
	e.mu.Lock()
	e.playErr = err
	e.mu.Unlock()
}

// FakeClock is a manually advanced time source for MockOutput.Now.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock returns a clock starting at an arbitrary fixed instant.
func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
