package transition

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookbridge/readalong/playback"
)

type fakeElement struct {
	mu      sync.Mutex
	gain    bool
	volumes []float64
	playing bool
	closed  bool
	ended   bool
}

func (e *fakeElement) Position() time.Duration { return 0 }
func (e *fakeElement) Duration() time.Duration { return time.Second }
func (e *fakeElement) Seek(time.Duration) error { return nil }

func (e *fakeElement) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.playing = true
	return nil
}

func (e *fakeElement) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.playing = false
	return nil
}

func (e *fakeElement) Ended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ended
}

func (e *fakeElement) SetVolume(v float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.gain {
		return playback.ErrGainUnsupported
	}
	e.volumes = append(e.volumes, v)
	return nil
}

func (e *fakeElement) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.playing = false
	return nil
}

func newFadeManager(d time.Duration, sleeps *[]time.Duration) *Manager {
	cfg := playback.DefaultConfig().Transition
	cfg.Crossfade = d
	return New(cfg, nil, nil, WithSleep(func(ctx context.Context, d time.Duration) error {
		if sleeps != nil {
			*sleeps = append(*sleeps, d)
		}
		return ctx.Err()
	}))
}

func TestCrossfadeGain(t *testing.T) {
	var sleeps []time.Duration
	m := newFadeManager(150*time.Millisecond, &sleeps)
	from := &fakeElement{gain: true, playing: true}
	to := &fakeElement{gain: true}

	mode, err := m.Crossfade(context.Background(), from, to, nil)
	require.NoError(t, err)
	assert.Equal(t, FadeGain, mode)

	assert.True(t, from.closed)
	assert.True(t, to.playing)
	assert.Equal(t, 0.0, to.volumes[0], "incoming element starts silent")
	assert.Equal(t, 1.0, to.volumes[len(to.volumes)-1])
	assert.InDelta(t, 0.0, from.volumes[len(from.volumes)-1], 1e-9)

	var total time.Duration
	for _, d := range sleeps {
		total += d
	}
	assert.Equal(t, 150*time.Millisecond, total)
}

func TestCrossfadeOverlapWithoutGain(t *testing.T) {
	m := newFadeManager(150*time.Millisecond, nil)
	from := &fakeElement{playing: true, ended: true}
	to := &fakeElement{}

	mode, err := m.Crossfade(context.Background(), from, to, nil)
	require.NoError(t, err)
	assert.Equal(t, FadeOverlap, mode)
	assert.True(t, to.playing)
	assert.True(t, from.closed)
}

func TestCrossfadeCut(t *testing.T) {
	m := newFadeManager(0, nil)
	from := &fakeElement{gain: true, playing: true}
	to := &fakeElement{gain: true}

	mode, err := m.Crossfade(context.Background(), from, to, nil)
	require.NoError(t, err)
	assert.Equal(t, FadeCut, mode)
	assert.True(t, from.closed)
	assert.True(t, to.playing)
	assert.Empty(t, to.volumes)

	// No previous element: just start.
	first := &fakeElement{}
	mode, err = m.Crossfade(context.Background(), nil, first, nil)
	require.NoError(t, err)
	assert.Equal(t, FadeCut, mode)
	assert.True(t, first.playing)
}

func TestCrossfadeGuard(t *testing.T) {
	t.Run("refused before start", func(t *testing.T) {
		m := newFadeManager(150*time.Millisecond, nil)
		from := &fakeElement{gain: true, playing: true}
		to := &fakeElement{gain: true}

		_, err := m.Crossfade(context.Background(), from, to, func(func() error) (bool, error) {
			return false, nil
		})
		require.ErrorIs(t, err, playback.ErrStale)
		assert.False(t, to.playing)
		assert.True(t, from.closed)
		assert.Equal(t, 1.0, to.volumes[len(to.volumes)-1], "a later resume plays at full volume")
	})

	t.Run("refused during fade", func(t *testing.T) {
		var sleeps []time.Duration
		m := newFadeManager(150*time.Millisecond, &sleeps)
		from := &fakeElement{gain: true, playing: true}
		to := &fakeElement{gain: true}

		calls := 0
		guard := func(fn func() error) (bool, error) {
			calls++
			if calls > 3 {
				// Paused by the owner under its lock.
				_ = to.Pause()
				return false, nil
			}
			if fn == nil {
				return true, nil
			}
			return true, fn()
		}
		_, err := m.Crossfade(context.Background(), from, to, guard)
		require.ErrorIs(t, err, playback.ErrStale)
		assert.Len(t, sleeps, 3, "fade stops at the first refused step")
		assert.True(t, from.closed)
		assert.False(t, from.playing)
		assert.False(t, to.playing)
	})

	t.Run("overlap refused", func(t *testing.T) {
		m := newFadeManager(150*time.Millisecond, nil)
		from := &fakeElement{playing: true}
		to := &fakeElement{}

		mode, err := m.Crossfade(context.Background(), from, to, func(func() error) (bool, error) {
			return false, nil
		})
		require.ErrorIs(t, err, playback.ErrStale)
		assert.Equal(t, FadeOverlap, mode)
		assert.False(t, to.playing)
		assert.True(t, from.closed)
	})
}
