package sync

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookbridge/readalong/playback"
	"github.com/bookbridge/readalong/playback/timing"
)

type fakeClock struct {
	pos atomic.Int64
}

func (c *fakeClock) Position() time.Duration { return time.Duration(c.pos.Load()) }
func (c *fakeClock) set(d time.Duration)     { c.pos.Store(int64(d)) }

type panicClock struct{}

func (panicClock) Position() time.Duration { panic("clock exploded") }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func catSat() *timing.Store {
	return timing.New([]playback.WordTiming{
		{Index: 0, Text: "The", Start: 0, End: ms(300)},
		{Index: 1, Text: "cat", Start: ms(300), End: ms(600)},
		{Index: 2, Text: "sat", Start: ms(600), End: ms(1000)},
	}, ms(1000), 0)
}

type recorder struct {
	got []playback.Highlight
}

func (r *recorder) publish(h playback.Highlight) { r.got = append(r.got, h) }

func (r *recorder) words() []int {
	out := make([]int, len(r.got))
	for i, h := range r.got {
		out[i] = h.Word
	}
	return out
}

func newTestSync(t *testing.T) (*Synchronizer, *ManualScheduler, *fakeClock, *recorder) {
	t.Helper()
	sched := NewManualScheduler()
	rec := &recorder{}
	clock := &fakeClock{}
	s := New(playback.DefaultConfig().Sync, sched, rec.publish)
	s.Attach(0, catSat(), clock)
	s.Start()
	return s, sched, clock, rec
}

func TestEndToEndScenario(t *testing.T) {
	s, sched, clock, rec := newTestSync(t)

	clock.set(ms(450))
	sched.Step(1)
	assert.Equal(t, 1, s.Current().Word)

	clock.set(ms(950))
	sched.Step(1)
	assert.Equal(t, 2, s.Current().Word)

	clock.set(0)
	h := s.Seek(0)
	assert.Equal(t, 0, h.Word)

	clock.set(ms(1200))
	sched.Step(1)
	assert.Equal(t, 2, s.Current().Word, "past the last word the highlight is sticky")

	assert.Equal(t, []int{1, 2, 0, 2}, rec.words())
}

func TestMonotonicHighlightWithJitter(t *testing.T) {
	s, sched, clock, rec := newTestSync(t)

	// Forward playback with a clock that occasionally steps back by up to
	// 20ms around word boundaries.
	positions := []int{0, 100, 290, 305, 295, 310, 400, 598, 605, 590, 620, 800, 990, 985, 1000}
	for _, p := range positions {
		clock.set(ms(p))
		sched.Step(1)
	}

	words := rec.words()
	for i := 1; i < len(words); i++ {
		require.GreaterOrEqual(t, words[i], words[i-1], "highlight went backwards: %v", words)
	}
	assert.Equal(t, 2, s.Current().Word)
	assert.Positive(t, s.Stats().Suppressed)
}

func TestLargeBackwardJumpIsPublished(t *testing.T) {
	s, sched, clock, _ := newTestSync(t)

	clock.set(ms(700))
	sched.Step(1)
	require.Equal(t, 2, s.Current().Word)

	// 200ms before word 2's start is far beyond the hysteresis.
	clock.set(ms(400))
	sched.Step(1)
	assert.Equal(t, 1, s.Current().Word)
}

func TestSeekBypassesHysteresis(t *testing.T) {
	s, sched, clock, _ := newTestSync(t)

	clock.set(ms(310))
	sched.Step(1)
	require.Equal(t, 1, s.Current().Word)

	// 10ms back would be suppressed as jitter, but a seek is explicit.
	h := s.Seek(ms(290))
	assert.Equal(t, 0, h.Word)
}

func TestNoPublicationsWhileStopped(t *testing.T) {
	s, sched, clock, rec := newTestSync(t)

	s.Stop()
	clock.set(ms(500))
	assert.Zero(t, sched.Step(3))
	_, changed := s.Tick()
	assert.False(t, changed)
	assert.Empty(t, rec.got)

	s.Start()
	sched.Step(1)
	assert.Equal(t, []int{1}, rec.words())
}

func TestOffsetIsSubtracted(t *testing.T) {
	s, sched, clock, _ := newTestSync(t)
	s.SetOffset(ms(250))

	clock.set(ms(500))
	sched.Step(1)
	assert.Equal(t, 0, s.Current().Word, "500ms reported is 250ms audible")

	clock.set(ms(600))
	sched.Step(1)
	assert.Equal(t, 1, s.Current().Word)
}

func TestBeforeFirstWordIsNull(t *testing.T) {
	sched := NewManualScheduler()
	rec := &recorder{}
	clock := &fakeClock{}
	s := New(playback.DefaultConfig().Sync, sched, rec.publish)
	s.Attach(3, timing.New([]playback.WordTiming{{Start: ms(500), End: ms(900)}}, ms(1000), 0), clock)
	s.Start()

	sched.Step(1)
	assert.Empty(t, rec.got)
	assert.False(t, s.Current().Active())

	clock.set(ms(600))
	sched.Step(1)
	require.Len(t, rec.got, 1)
	assert.Equal(t, 3, rec.got[0].Chunk)
}

func TestDisabledHighlightPublishesNothing(t *testing.T) {
	sched := NewManualScheduler()
	rec := &recorder{}
	clock := &fakeClock{}
	s := New(playback.DefaultConfig().Sync, sched, rec.publish)
	s.Attach(0, timing.New(nil, ms(1000), 0), clock)
	s.Start()

	for p := 0; p <= 1000; p += 100 {
		clock.set(ms(p))
		sched.Step(1)
	}
	assert.Empty(t, rec.got)
}

func TestDetachPublishesNull(t *testing.T) {
	s, sched, clock, rec := newTestSync(t)

	clock.set(ms(450))
	sched.Step(1)
	s.Detach()

	require.Len(t, rec.got, 2)
	assert.Equal(t, playback.NoHighlight, rec.got[1].Word)

	sched.Step(1)
	assert.Len(t, rec.got, 2, "frames keep running but resolve nothing")
}

func TestFramePanicIsRecovered(t *testing.T) {
	sched := NewManualScheduler()
	s := New(playback.DefaultConfig().Sync, sched, nil)
	s.Attach(0, catSat(), panicClock{})
	s.Start()

	assert.NotPanics(t, func() { sched.Step(3) })
	assert.Equal(t, int64(3), s.Stats().Panics)
}

func TestFrameHook(t *testing.T) {
	sched := NewManualScheduler()
	clock := &fakeClock{}
	var frames []Frame
	s := New(playback.DefaultConfig().Sync, sched, nil, WithFrameHook(func(f Frame) {
		frames = append(frames, f)
	}))
	s.Attach(4, catSat(), clock)
	s.Start()

	clock.set(ms(800))
	sched.Step(2)

	require.Len(t, frames, 2)
	assert.Equal(t, 4, frames[0].Chunk)
	assert.Equal(t, ms(800), frames[0].Position)
	assert.Equal(t, ms(1000), frames[0].Duration)
	assert.True(t, frames[0].Changed)
	assert.False(t, frames[1].Changed)
}

func TestPublicationOrder(t *testing.T) {
	s, _, clock, rec := newTestSync(t)

	for i := 0; i < 50; i++ {
		clock.set(ms((i % 10) * 100))
		s.Seek(ms((i % 10) * 100))
	}

	for i := 1; i < len(rec.got); i++ {
		require.Greater(t, rec.got[i].Seq, rec.got[i-1].Seq)
	}
}

func TestTickerSchedulerVisibility(t *testing.T) {
	sched := NewTickerScheduler(200)
	var frames atomic.Int64
	sched.Run(func() { frames.Add(1) })
	defer sched.Stop()

	require.Eventually(t, func() bool { return frames.Load() > 2 }, time.Second, 5*time.Millisecond)

	sched.SetVisible(false)
	time.Sleep(20 * time.Millisecond)
	hidden := frames.Load()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, frames.Load(), hidden+1, "frames should pause while hidden")

	sched.SetVisible(true)
	require.Eventually(t, func() bool { return frames.Load() > hidden+2 }, time.Second, 5*time.Millisecond)
}
