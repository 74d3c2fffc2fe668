package transition

import (
	"context"
	"errors"
	"time"

	"github.com/bookbridge/readalong/playback"
)

// FadeMode tells how a handoff was performed.
type FadeMode int

const (
	// FadeGain ramped the volumes of both elements.
	FadeGain FadeMode = iota
	// FadeOverlap started the next element while the previous one finished,
	// because an element had no gain control.
	FadeOverlap
	// FadeCut switched immediately.
	FadeCut
)

// String returns the string representation of the mode.
func (m FadeMode) String() string {
	switch m {
	case FadeGain:
		return "gain"
	case FadeOverlap:
		return "overlap"
	case FadeCut:
		return "cut"
	default:
		return "unknown"
	}
}

const fadeSteps = 10

// Guard runs fn while holding the caller's lock. It returns false without
// calling fn once the handoff is no longer wanted, for example after a
// pause or a jump. fn may be nil to only ask.
type Guard func(fn func() error) (bool, error)

func (g Guard) run(fn func() error) (bool, error) {
	if g == nil {
		if fn == nil {
			return true, nil
		}
		return true, fn()
	}
	return g(fn)
}

// Crossfade hands playback from one element to the next. from is closed
// when the handoff completes; to is left playing at full volume. When the
// guard refuses, to is not started (or left as the guard's owner set it),
// from is closed and the error is playback.ErrStale.
func (m *Manager) Crossfade(ctx context.Context, from, to playback.Element, guard Guard) (FadeMode, error) {
	if from == nil {
		return FadeCut, start(guard, to)
	}

	d := m.cfg.Crossfade
	if d <= 0 {
		_ = from.Close()
		return FadeCut, start(guard, to)
	}

	if err := to.SetVolume(0); err != nil {
		if !errors.Is(err, playback.ErrGainUnsupported) {
			_ = from.Close()
			return FadeCut, start(guard, to)
		}
		return FadeOverlap, m.overlap(ctx, from, to, d, guard)
	}
	if err := start(guard, to); err != nil {
		_ = to.SetVolume(1)
		_ = from.Close()
		return FadeGain, err
	}

	step := d / fadeSteps
	gain := true
	var aborted error
	for i := 1; i <= fadeSteps; i++ {
		if err := m.sleep(ctx, step); err != nil {
			break
		}
		if ok, _ := guard.run(nil); !ok {
			aborted = playback.ErrStale
			break
		}
		p := float64(i) / fadeSteps
		if gain {
			if err := from.SetVolume(1 - p); errors.Is(err, playback.ErrGainUnsupported) {
				gain = false
			}
		}
		_ = to.SetVolume(p)
	}

	_ = to.SetVolume(1)
	_ = from.Close()
	return FadeGain, aborted
}

func start(guard Guard, to playback.Element) error {
	ok, err := guard.run(to.Play)
	if !ok {
		return playback.ErrStale
	}
	return err
}

// overlap starts to and lets from run out, waiting at most d.
func (m *Manager) overlap(ctx context.Context, from, to playback.Element, d time.Duration, guard Guard) error {
	err := start(guard, to)
	if err != nil {
		_ = from.Close()
		return err
	}

	step := d / fadeSteps
	for i := 0; i < fadeSteps && !from.Ended(); i++ {
		if m.sleep(ctx, step) != nil {
			break
		}
		if ok, _ := guard.run(nil); !ok {
			err = playback.ErrStale
			break
		}
	}
	_ = from.Close()
	return err
}
