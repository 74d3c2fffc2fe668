package timing

import (
	"testing"
	"time"

	"github.com/bookbridge/readalong/playback"
)

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func catSat() []playback.WordTiming {
	return []playback.WordTiming{
		{Index: 0, Text: "The", Start: 0, End: ms(300)},
		{Index: 1, Text: "cat", Start: ms(300), End: ms(600)},
		{Index: 2, Text: "sat", Start: ms(600), End: ms(1000)},
	}
}

func TestLookupExact(t *testing.T) {
	s := New(catSat(), ms(1000), 0)

	tests := []struct {
		name   string
		at     time.Duration
		want   int
		wantOK bool
	}{
		{"start of chunk", 0, 0, true},
		{"inside first word", ms(150), 0, true},
		{"word boundary", ms(300), 1, true},
		{"inside second word", ms(450), 1, true},
		{"inside last word", ms(950), 2, true},
		{"past last word is sticky", ms(1200), 2, true},
		{"before first word", -ms(10), 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := s.Lookup(tt.at)
			if ok != tt.wantOK || (ok && got != tt.want) {
				t.Errorf("Lookup(%v) = (%d, %v), want (%d, %v)", tt.at, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestLookupGapIsSticky(t *testing.T) {
	words := []playback.WordTiming{
		{Index: 0, Start: ms(100), End: ms(200)},
		{Index: 1, Start: ms(500), End: ms(700)},
	}
	s := New(words, ms(1000), 0)

	if _, ok := s.Lookup(ms(50)); ok {
		t.Error("Lookup before the first word should not highlight")
	}
	if got, ok := s.Lookup(ms(350)); !ok || got != 0 {
		t.Errorf("Lookup in gap = (%d, %v), want (0, true)", got, ok)
	}
	if got, ok := s.Lookup(ms(500)); !ok || got != 1 {
		t.Errorf("Lookup at start of word 1 = (%d, %v), want (1, true)", got, ok)
	}
}

func TestMalformedTimingsDegrade(t *testing.T) {
	tests := []struct {
		name  string
		words []playback.WordTiming
	}{
		{"non-monotonic start", []playback.WordTiming{{Start: ms(500), End: ms(600)}, {Start: ms(100), End: ms(200)}}},
		{"end before start", []playback.WordTiming{{Start: ms(500), End: ms(100)}, {Start: ms(600), End: ms(700)}}},
		{"negative start", []playback.WordTiming{{Start: -ms(5), End: ms(100)}, {Start: ms(100), End: ms(200)}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.words, ms(1000), 99)
			if !s.Degraded() {
				t.Fatal("malformed timings should degrade")
			}
			if s.Len() != 2 {
				t.Errorf("Len() = %d, want the array length 2", s.Len())
			}
			if got, _ := s.Lookup(ms(250)); got != 0 {
				t.Errorf("Lookup(250ms) = %d, want 0", got)
			}
			if got, _ := s.Lookup(ms(750)); got != 1 {
				t.Errorf("Lookup(750ms) = %d, want 1", got)
			}
		})
	}
}

func TestDegradedLookupIsMonotonic(t *testing.T) {
	s := New([]playback.WordTiming{}, 10*time.Second, 37)

	if !s.Degraded() {
		t.Fatal("empty timings should degrade")
	}

	prev := -1
	for at := time.Duration(0); at <= 12*time.Second; at += 7 * time.Millisecond {
		got, ok := s.Lookup(at)
		if !ok {
			t.Fatalf("Lookup(%v) not ok", at)
		}
		if got < prev {
			t.Fatalf("Lookup(%v) = %d went backwards from %d", at, got, prev)
		}
		if got < 0 || got >= 37 {
			t.Fatalf("Lookup(%v) = %d out of range", at, got)
		}
		prev = got
	}
	if prev != 36 {
		t.Errorf("last estimate = %d, want clamped to 36", prev)
	}
}

func TestDegradedWithoutCount(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		count    int
	}{
		{"no word count", ms(1000), 0},
		{"no duration", 0, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New([]playback.WordTiming{}, tt.duration, tt.count)
			if _, ok := s.Lookup(ms(500)); ok {
				t.Error("Lookup should not highlight without a usable estimate")
			}
		})
	}
}

func TestAbsentTimingsDisableHighlight(t *testing.T) {
	s := New(nil, ms(1000), 10)

	if !s.HighlightDisabled() {
		t.Error("nil timings should disable highlighting")
	}
	if _, ok := s.Lookup(ms(500)); ok {
		t.Error("Lookup should not highlight when disabled")
	}
	if _, ok := s.StartOf(0); ok {
		t.Error("StartOf should fail when disabled")
	}
}

func TestStartOf(t *testing.T) {
	exact := New(catSat(), ms(1000), 0)
	if got, ok := exact.StartOf(2); !ok || got != ms(600) {
		t.Errorf("StartOf(2) = (%v, %v), want (600ms, true)", got, ok)
	}
	if _, ok := exact.StartOf(3); ok {
		t.Error("StartOf out of range should fail")
	}

	est := New([]playback.WordTiming{}, ms(1000), 4)
	if got, ok := est.StartOf(2); !ok || got != ms(500) {
		t.Errorf("estimated StartOf(2) = (%v, %v), want (500ms, true)", got, ok)
	}
}

func TestFromChunk(t *testing.T) {
	c := playback.NewAudioChunk(playback.ChunkKey{BookID: "b", Level: playback.LevelA1})
	c.Words = catSat()
	c.Duration = ms(1000)

	s := FromChunk(c)
	if s.Mode() != ModeExact {
		t.Errorf("Mode() = %v, want exact", s.Mode())
	}
	if w, ok := s.Word(1); !ok || w.Text != "cat" {
		t.Errorf("Word(1) = %+v", w)
	}
	if FromChunk(nil).Mode() != ModeDisabled {
		t.Error("nil chunk should be disabled")
	}
}
