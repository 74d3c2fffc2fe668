package sync

import (
	"sync"
	"time"
)

// FrameScheduler calls a frame function repeatedly while running.
type FrameScheduler interface {
	// Run starts delivering frames to fn. Calling Run while running
	// replaces fn.
	Run(fn func())
	// Stop stops delivering frames. It does not wait for an in-flight frame.
	Stop()
}

// TickerScheduler delivers frames at a fixed rate from its own goroutine,
// and skips frames while the view is hidden.
type TickerScheduler struct {
	interval time.Duration

	mu      sync.Mutex
	fn      func()
	visible bool
	stopCh  chan struct{}
}

// NewTickerScheduler creates a scheduler running at frameRate frames per
// second.
func NewTickerScheduler(frameRate int) *TickerScheduler {
	if frameRate <= 0 {
		frameRate = 60
	}
	return &TickerScheduler{
		interval: time.Second / time.Duration(frameRate),
		visible:  true,
	}
}

// Interval returns the time between two frames.
func (s *TickerScheduler) Interval() time.Duration {
	return s.interval
}

// Run implements FrameScheduler.
func (s *TickerScheduler) Run(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fn = fn
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	go s.loop(s.stopCh)
}

// Stop implements FrameScheduler.
func (s *TickerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
}

// SetVisible pauses frame delivery while the view is hidden, the way
// browsers throttle animation frames in background tabs.
func (s *TickerScheduler) SetVisible(visible bool) {
	s.mu.Lock()
	s.visible = visible
	s.mu.Unlock()
}

// Visible reports whether frames are being delivered.
func (s *TickerScheduler) Visible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

func (s *TickerScheduler) loop(stopCh chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			fn, visible := s.fn, s.visible
			s.mu.Unlock()
			if visible && fn != nil {
				fn()
			}
		}
	}
}

// ManualScheduler delivers frames only when Step is called. Used in tests
// and headless tools.
type ManualScheduler struct {
	mu      sync.Mutex
	fn      func()
	running bool
}

// NewManualScheduler creates a manual scheduler.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

// Run implements FrameScheduler.
func (s *ManualScheduler) Run(fn func()) {
	s.mu.Lock()
	s.fn = fn
	s.running = true
	s.mu.Unlock()
}

// Stop implements FrameScheduler.
func (s *ManualScheduler) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Running reports whether frames would be delivered.
func (s *ManualScheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Step delivers n frames synchronously. It returns how many were delivered.
func (s *ManualScheduler) Step(n int) int {
	delivered := 0
	for i := 0; i < n; i++ {
		s.mu.Lock()
		fn, running := s.fn, s.running
		s.mu.Unlock()
		if !running || fn == nil {
			break
		}
		fn()
		delivered++
	}
	return delivered
}
