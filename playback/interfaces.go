package playback

import (
	"context"
	"time"
)

// AssetService fetches audio and word timings for one chunk.
//
// Implementations return an error wrapping ErrNotFound when the chunk does
// not exist and one wrapping ErrTransient for retryable failures.
type AssetService interface {
	Asset(ctx context.Context, req AssetRequest) (*Asset, error)
}

// CalibrationStore persists calibration profiles. Load returns a nil
// profile and a nil error when no profile exists for the key.
type CalibrationStore interface {
	Load(ctx context.Context, key string) (*CalibrationProfile, error)
	Save(ctx context.Context, profile *CalibrationProfile) error
}

// Clock is anything with a playback position.
type Clock interface {
	// Position returns the current playback position.
	Position() time.Duration
}

// Element is one playable audio source, the equivalent of a media element.
type Element interface {
	Clock

	// Play starts or resumes playback.
	Play() error

	// Pause pauses playback, keeping the position.
	Pause() error

	// Seek moves the playback position.
	Seek(pos time.Duration) error

	// Duration returns the total length of the loaded audio.
	Duration() time.Duration

	// Ended reports whether playback reached the end of the audio.
	Ended() bool

	// SetVolume sets the gain (0.0 to 1.0). Elements without gain control
	// return ErrGainUnsupported.
	SetVolume(v float64) error

	// Close stops playback and releases the element.
	Close() error
}

// LatencyReporter is implemented by elements that know how far the
// reported position runs ahead of what is audible.
type LatencyReporter interface {
	OutputLatency() time.Duration
}

// Output opens playable elements for loaded chunks.
type Output interface {
	Open(ctx context.Context, chunk *AudioChunk) (Element, error)
}

// Preloader is optionally implemented by outputs that can fetch and decode
// audio ahead of time, so prefetched chunks open without delay. Decoded
// data is attached with AudioChunk.SetData.
type Preloader interface {
	Preload(ctx context.Context, chunk *AudioChunk) error
}

// Listener receives the UI-facing events of a session. Events are
// delivered in order from a single goroutine.
type Listener interface {
	// OnHighlightChange is called with the newly highlighted word, or a
	// Highlight with Word == NoHighlight when nothing is highlighted.
	OnHighlightChange(h Highlight)

	// OnBufferingStateChange is called when the session starts or stops
	// waiting for a chunk.
	OnBufferingStateChange(buffering bool)

	// OnPlaybackEnded is called once the last chunk of the unit finished.
	OnPlaybackEnded()
}

// StateListener is optionally implemented by listeners that want state
// machine transitions. err is set when entering StateError.
type StateListener interface {
	OnStateChange(from, to StateType, err error)
}

// ChunkListener is optionally implemented by listeners that render chunk
// text and need to know when the active chunk changes.
type ChunkListener interface {
	OnChunkChange(chunk *AudioChunk)
}
