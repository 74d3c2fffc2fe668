package transition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bookbridge/readalong/playback"
)

// Backoff is a capped exponential retry policy.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// BackoffFromConfig builds the retry policy of a transition config.
func BackoffFromConfig(cfg playback.TransitionConfig) Backoff {
	return Backoff{Attempts: cfg.RetryAttempts, Base: cfg.RetryBaseDelay, Max: cfg.RetryMaxDelay}
}

// Delay returns the wait before retry number n (1 is the first retry).
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		return 0
	}
	d := b.Base
	for i := 1; i < n; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// retryable reports whether another attempt could succeed.
func retryable(err error) bool {
	switch playback.KindOf(err) {
	case playback.KindNotFound, playback.KindStale, playback.KindUnrecoverable:
		return false
	}
	return !errors.Is(err, playback.ErrInvalidChunk)
}

// sleepFunc waits for d or until ctx is done.
type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retry runs fn until it succeeds, fails terminally or the attempts run
// out. onRetry is called before every wait.
func retry(ctx context.Context, b Backoff, sleep sleepFunc, fn func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	attempts := b.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if serr := sleep(ctx, b.Delay(attempt)); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", playback.ErrRetriesExhausted, attempts, err)
}
