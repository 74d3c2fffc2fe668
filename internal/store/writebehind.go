package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-co-op/gocron"

	"github.com/bookbridge/readalong/playback"
)

// WriteBehind buffers saves in memory and writes them to the underlying
// store on a schedule. Loads see buffered profiles first.
type WriteBehind struct {
	inner   Store
	timeout time.Duration
	logger  *log.Logger

	scheduler *gocron.Scheduler

	mu      sync.Mutex
	pending map[string]*playback.CalibrationProfile
	closed  bool

	flushMu sync.Mutex
}

// NewWriteBehind wraps inner, flushing every interval.
func NewWriteBehind(inner Store, interval time.Duration, logger *log.Logger) (*WriteBehind, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("%w: flush interval must be positive", playback.ErrInvalidConfig)
	}
	if logger == nil {
		logger = log.Default()
	}
	w := &WriteBehind{
		inner:     inner,
		timeout:   5 * time.Second,
		logger:    logger.WithPrefix("store"),
		scheduler: gocron.NewScheduler(time.UTC),
		pending:   make(map[string]*playback.CalibrationProfile),
	}

	w.scheduler.SingletonModeAll()
	if _, err := w.scheduler.Every(interval).WaitForSchedule().Do(w.flushScheduled); err != nil {
		return nil, fmt.Errorf("schedule flush: %w", err)
	}
	w.scheduler.StartAsync()
	return w, nil
}

func (w *WriteBehind) Load(ctx context.Context, key string) (*playback.CalibrationProfile, error) {
	w.mu.Lock()
	if p, ok := w.pending[key]; ok {
		w.mu.Unlock()
		return p.Clone(), nil
	}
	w.mu.Unlock()
	return w.inner.Load(ctx, key)
}

func (w *WriteBehind) Save(_ context.Context, p *playback.CalibrationProfile) error {
	if p == nil || p.Key == "" {
		return calibrationError("save", errors.New("profile has no key"))
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return calibrationError("save", playback.ErrSessionClosed)
	}
	w.pending[p.Key] = p.Clone()
	return nil
}

func (w *WriteBehind) Delete(ctx context.Context, key string) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	delete(w.pending, key)
	w.mu.Unlock()
	return w.inner.Delete(ctx, key)
}

// List flushes pending profiles and lists the underlying store.
func (w *WriteBehind) List(ctx context.Context, bookID string) ([]*playback.CalibrationProfile, error) {
	if err := w.Flush(ctx); err != nil {
		return nil, err
	}
	return w.inner.List(ctx, bookID)
}

// Pending returns the number of buffered profiles.
func (w *WriteBehind) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Flush writes every buffered profile. A profile stays buffered, and
// visible to Load, until its save returns; failed saves stay buffered.
func (w *WriteBehind) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	batch := make(map[string]*playback.CalibrationProfile, len(w.pending))
	for key, p := range w.pending {
		batch[key] = p
	}
	w.mu.Unlock()

	var errs []error
	for key, p := range batch {
		if err := w.inner.Save(ctx, p); err != nil {
			errs = append(errs, err)
			continue
		}
		w.mu.Lock()
		// Save stores a fresh clone, so a newer save is a different pointer.
		if w.pending[key] == p {
			delete(w.pending, key)
		}
		w.mu.Unlock()
	}
	if len(batch) > 0 {
		w.logger.Debug("flushed calibration profiles", "count", len(batch)-len(errs), "failed", len(errs))
	}
	return errors.Join(errs...)
}

func (w *WriteBehind) flushScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := w.Flush(ctx); err != nil {
		w.logger.Warn("calibration flush failed", "err", err)
	}
}

// Close stops the schedule, flushes and closes the underlying store.
func (w *WriteBehind) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.scheduler.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	return errors.Join(w.Flush(ctx), w.inner.Close())
}
