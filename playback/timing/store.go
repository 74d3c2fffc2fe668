// Package timing resolves playback positions to word indices.
package timing

import (
	"sort"
	"time"

	"github.com/bookbridge/readalong/playback"
)

// Mode describes how a Store resolves positions.
type Mode int

const (
	// ModeExact uses the provider's word timings.
	ModeExact Mode = iota
	// ModeEstimated spreads words uniformly over the chunk duration.
	ModeEstimated
	// ModeDisabled means no timings were sent; nothing is highlighted.
	ModeDisabled
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeExact:
		return "exact"
	case ModeEstimated:
		return "estimated"
	case ModeDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Store answers "which word is spoken at time t" for one chunk. It is
// immutable after construction and safe for concurrent use.
type Store struct {
	words    []playback.WordTiming
	starts   []time.Duration
	duration time.Duration
	count    int
	mode     Mode
}

// New validates words once and builds a store. A nil slice disables
// highlighting; an empty or malformed slice falls back to a uniform
// estimate over duration using wordCount (or the slice length when the
// timings were malformed).
func New(words []playback.WordTiming, duration time.Duration, wordCount int) *Store {
	s := &Store{duration: duration}

	switch {
	case words == nil:
		s.mode = ModeDisabled
	case len(words) == 0:
		s.mode = ModeEstimated
		s.count = wordCount
	case !Valid(words):
		s.mode = ModeEstimated
		s.count = len(words)
		s.words = append([]playback.WordTiming(nil), words...)
	default:
		s.mode = ModeExact
		s.words = append([]playback.WordTiming(nil), words...)
		s.count = len(words)
		s.starts = make([]time.Duration, len(words))
		for i, w := range s.words {
			s.starts[i] = w.Start
		}
	}

	return s
}

// FromChunk builds a store for a loaded chunk.
func FromChunk(c *playback.AudioChunk) *Store {
	if c == nil {
		return New(nil, 0, 0)
	}
	return New(c.Words, c.Duration, c.WordCount)
}

// Valid reports whether words are ordered and well formed.
func Valid(words []playback.WordTiming) bool {
	var prev time.Duration
	for i, w := range words {
		if w.Start < 0 || w.End < w.Start {
			return false
		}
		if i > 0 && w.Start < prev {
			return false
		}
		prev = w.Start
	}
	return true
}

// Lookup returns the word spoken at t. Inside a gap between two words it
// returns the preceding word; past the last word it returns the last word.
// ok is false before the first word and whenever nothing can be
// highlighted.
func (s *Store) Lookup(t time.Duration) (int, bool) {
	switch s.mode {
	case ModeExact:
		// First word starting after t, minus one.
		i := sort.Search(len(s.starts), func(i int) bool { return s.starts[i] > t })
		if i == 0 {
			return 0, false
		}
		return i - 1, true
	case ModeEstimated:
		return s.estimate(t)
	default:
		return 0, false
	}
}

func (s *Store) estimate(t time.Duration) (int, bool) {
	if s.count <= 0 || s.duration <= 0 || t < 0 {
		return 0, false
	}
	idx := int(int64(t) * int64(s.count) / int64(s.duration))
	if idx >= s.count {
		idx = s.count - 1
	}
	return idx, true
}

// StartOf returns the start time of word i, used for click-to-seek.
func (s *Store) StartOf(i int) (time.Duration, bool) {
	if i < 0 || i >= s.count {
		return 0, false
	}
	switch s.mode {
	case ModeExact:
		return s.starts[i], true
	case ModeEstimated:
		if s.duration <= 0 {
			return 0, false
		}
		return time.Duration(int64(s.duration) * int64(i) / int64(s.count)), true
	default:
		return 0, false
	}
}

// Word returns the timing of word i when exact timings are available.
func (s *Store) Word(i int) (playback.WordTiming, bool) {
	if s.mode != ModeExact || i < 0 || i >= len(s.words) {
		return playback.WordTiming{}, false
	}
	return s.words[i], true
}

// Len returns the number of addressable words.
func (s *Store) Len() int {
	return s.count
}

// Duration returns the chunk duration the store was built with.
func (s *Store) Duration() time.Duration {
	return s.duration
}

// Mode returns how the store resolves positions.
func (s *Store) Mode() Mode {
	return s.mode
}

// Degraded reports whether positions are estimated.
func (s *Store) Degraded() bool {
	return s.mode == ModeEstimated
}

// HighlightDisabled reports whether the chunk has no timings at all.
func (s *Store) HighlightDisabled() bool {
	return s.mode == ModeDisabled
}
