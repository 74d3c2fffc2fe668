package playback

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors for the playback engine.
var (
	// Asset errors
	ErrNotFound         = errors.New("chunk asset not found")
	ErrTransient        = errors.New("transient asset failure")
	ErrMalformedTimings = errors.New("malformed word timings")
	ErrNoAudio          = errors.New("asset has no audio url")

	// Output errors
	ErrGainUnsupported  = errors.New("output does not support gain control")
	ErrUnsupportedAudio = errors.New("unsupported audio format")
	ErrElementClosed    = errors.New("audio element is closed")

	// Session errors
	ErrNoSession        = errors.New("no playback session")
	ErrInvalidState     = errors.New("invalid state for operation")
	ErrInvalidChunk     = errors.New("invalid chunk index")
	ErrInvalidWord      = errors.New("invalid word index")
	ErrRetriesExhausted = errors.New("retry budget exhausted")
	ErrSessionClosed    = errors.New("playback session closed")

	// Async results that lost a race with a newer request
	ErrStale = errors.New("stale asynchronous result")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Kind classifies errors for the session controller.
type Kind int

const (
	// KindUnknown is an unclassified error.
	KindUnknown Kind = iota
	// KindTransient is a retryable fetch failure.
	KindTransient
	// KindNotFound is terminal for one chunk.
	KindNotFound
	// KindMalformedTiming degrades highlighting but never blocks playback.
	KindMalformedTiming
	// KindCalibration covers calibration load/save failures.
	KindCalibration
	// KindStale marks results of superseded requests; never surfaced.
	KindStale
	// KindUnrecoverable moves the session into the error state.
	KindUnrecoverable
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	case KindMalformedTiming:
		return "malformed_timing"
	case KindCalibration:
		return "calibration"
	case KindStale:
		return "stale"
	case KindUnrecoverable:
		return "unrecoverable"
	default:
		return "unknown"
	}
}

// Error provides detailed error information.
type Error struct {
	Err       error  // The underlying error
	Kind      Kind   // Classification used by the session
	Component string // Component that generated the error
	Op        string // Operation being performed
	Chunk     int    // Chunk index, or -1
	Timestamp time.Time
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s failed", e.Component, e.Op)
	}
	if e.Chunk >= 0 {
		return fmt.Sprintf("%s: %s chunk %d: %v", e.Component, e.Op, e.Chunk, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Component, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified error. The kind is derived from err when
// kind is KindUnknown.
func NewError(kind Kind, component, op string, chunk int, err error) *Error {
	if kind == KindUnknown {
		kind = KindOf(err)
	}
	return &Error{
		Err:       err,
		Kind:      kind,
		Component: component,
		Op:        op,
		Chunk:     chunk,
		Timestamp: time.Now(),
	}
}

// KindOf classifies an arbitrary error.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var pe *Error
	if errors.As(err, &pe) && pe.Kind != KindUnknown {
		return pe.Kind
	}
	switch {
	case errors.Is(err, ErrRetriesExhausted):
		return KindUnrecoverable
	case errors.Is(err, ErrStale), errors.Is(err, context.Canceled):
		return KindStale
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrMalformedTimings):
		return KindMalformedTiming
	case errors.Is(err, ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case errors.Is(err, ErrUnsupportedAudio), errors.Is(err, ErrNoAudio):
		return KindUnrecoverable
	}
	return KindUnknown
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// IsStale reports whether err belongs to a superseded request.
func IsStale(err error) bool {
	return KindOf(err) == KindStale
}

// IsRecoverable reports whether the session can keep going after err.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	switch KindOf(err) {
	case KindUnrecoverable:
		return false
	}
	if errors.Is(err, ErrInvalidConfig) || errors.Is(err, ErrSessionClosed) {
		return false
	}
	return true
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}
