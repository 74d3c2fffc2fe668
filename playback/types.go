package playback

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// CEFRLevel is one of the six proficiency levels used to select simplified
// text and audio variants.
type CEFRLevel string

// The CEFR levels, easiest first.
const (
	LevelA1 CEFRLevel = "A1"
	LevelA2 CEFRLevel = "A2"
	LevelB1 CEFRLevel = "B1"
	LevelB2 CEFRLevel = "B2"
	LevelC1 CEFRLevel = "C1"
	LevelC2 CEFRLevel = "C2"
)

// AllLevels lists every valid level in ascending order.
var AllLevels = []CEFRLevel{LevelA1, LevelA2, LevelB1, LevelB2, LevelC1, LevelC2}

// ParseLevel parses a level name case-insensitively.
func ParseLevel(s string) (CEFRLevel, error) {
	l := CEFRLevel(strings.ToUpper(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", fmt.Errorf("invalid CEFR level %q: must be one of %v", s, AllLevels)
	}
	return l, nil
}

// Valid reports whether l is one of A1..C2.
func (l CEFRLevel) Valid() bool {
	for _, v := range AllLevels {
		if l == v {
			return true
		}
	}
	return false
}

// String returns the level name.
func (l CEFRLevel) String() string { return string(l) }

// ChunkKey identifies one chunk of one level of one book.
type ChunkKey struct {
	BookID string
	Level  CEFRLevel
	Index  int
}

// String returns a compact representation used in logs and cache keys.
func (k ChunkKey) String() string {
	return fmt.Sprintf("%s/%s/%d", k.BookID, k.Level, k.Index)
}

// SameUnit reports whether both keys belong to the same book and level.
func (k ChunkKey) SameUnit(o ChunkKey) bool {
	return k.BookID == o.BookID && k.Level == o.Level
}

// WordTiming is the interval during which one word is spoken, relative to
// the start of its chunk.
type WordTiming struct {
	Index int
	Text  string
	Start time.Duration
	End   time.Duration
}

// Contains reports whether t falls inside [Start, End).
func (w WordTiming) Contains(t time.Duration) bool {
	return t >= w.Start && t < w.End
}

// ReadyState tracks the load progress of a chunk.
type ReadyState int

const (
	// ChunkUnloaded is the state of a chunk with no data.
	ChunkUnloaded ReadyState = iota
	// ChunkLoading is set while a request is in flight.
	ChunkLoading
	// ChunkReady means audio and timings are available.
	ChunkReady
	// ChunkError means the last load failed.
	ChunkError
)

// String returns the string representation of the ready state.
func (s ReadyState) String() string {
	switch s {
	case ChunkUnloaded:
		return "unloaded"
	case ChunkLoading:
		return "loading"
	case ChunkReady:
		return "ready"
	case ChunkError:
		return "error"
	default:
		return "unknown"
	}
}

// AudioChunk is a loaded (or loading) chunk of audio plus its timings.
//
// A nil Words slice means the provider sent no timings at all and the chunk
// plays without highlighting; an empty non-nil slice means the timings
// were empty and the highlight falls back to a uniform estimate.
type AudioChunk struct {
	Key        ChunkKey
	VoiceID    string
	AudioURL   string
	Duration   time.Duration
	Words      []WordTiming
	WordCount  int
	Generation uint64

	mu       sync.Mutex
	state    ReadyState
	err      error
	data     []byte
	released bool
	onFree   func()
}

// NewAudioChunk creates a chunk in the unloaded state.
func NewAudioChunk(key ChunkKey) *AudioChunk {
	return &AudioChunk{Key: key}
}

// State returns the current ready state.
func (c *AudioChunk) State() ReadyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error of the last failed load.
func (c *AudioChunk) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Ready reports whether the chunk can be played.
func (c *AudioChunk) Ready() bool {
	return c.State() == ChunkReady
}

// MarkLoading moves the chunk into the loading state.
func (c *AudioChunk) MarkLoading() {
	c.mu.Lock()
	c.state = ChunkLoading
	c.err = nil
	c.mu.Unlock()
}

// MarkReady moves the chunk into the ready state.
func (c *AudioChunk) MarkReady() {
	c.mu.Lock()
	c.state = ChunkReady
	c.err = nil
	c.released = false
	c.mu.Unlock()
}

// MarkFailed records a load failure.
func (c *AudioChunk) MarkFailed(err error) {
	c.mu.Lock()
	c.state = ChunkError
	c.err = err
	c.mu.Unlock()
}

// SetData attaches decoded audio to the chunk. free, when non-nil, is
// called once when the chunk is released.
func (c *AudioChunk) SetData(data []byte, free func()) {
	c.mu.Lock()
	c.data = data
	c.onFree = free
	c.mu.Unlock()
}

// Data returns the decoded audio attached to the chunk, if any.
func (c *AudioChunk) Data() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data
}

// Release drops decoded audio so evicted chunks do not hold memory.
func (c *AudioChunk) Release() {
	c.mu.Lock()
	free := c.onFree
	c.data = nil
	c.onFree = nil
	c.released = true
	if c.state == ChunkReady {
		c.state = ChunkUnloaded
	}
	c.mu.Unlock()

	if free != nil {
		free()
	}
}

// Released reports whether Release has been called since the last load.
func (c *AudioChunk) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

// HasTimings reports whether the provider sent a timing array.
func (c *AudioChunk) HasTimings() bool {
	return c.Words != nil
}

// Asset is the payload returned by the audio asset service for one chunk.
type Asset struct {
	AudioURL  string
	Duration  time.Duration
	Words     []WordTiming
	WordCount int
}

// AssetRequest addresses one chunk of the audio asset service.
type AssetRequest struct {
	BookID  string
	Level   CEFRLevel
	Chunk   int
	VoiceID string
}

// Key returns the chunk key of the request.
func (r AssetRequest) Key() ChunkKey {
	return ChunkKey{BookID: r.BookID, Level: r.Level, Index: r.Chunk}
}

// BookRef selects the reading unit a session plays.
type BookRef struct {
	BookID  string
	Level   CEFRLevel
	VoiceID string
	// TotalChunks is the number of chunks when known, zero otherwise. When
	// unknown, a NotFound for chunk N+1 ends the unit.
	TotalChunks int
}

// Key returns the chunk key for index i of the book.
func (b BookRef) Key(i int) ChunkKey {
	return ChunkKey{BookID: b.BookID, Level: b.Level, Index: i}
}

// Request returns the asset request for index i of the book.
func (b BookRef) Request(i int) AssetRequest {
	return AssetRequest{BookID: b.BookID, Level: b.Level, Chunk: i, VoiceID: b.VoiceID}
}

// HasChunk reports whether index i exists, treating an unknown total as
// unbounded.
func (b BookRef) HasChunk(i int) bool {
	if i < 0 {
		return false
	}
	return b.TotalChunks <= 0 || i < b.TotalChunks
}

// CalibrationProfile is the learned playback offset for one book (or one
// book and level).
type CalibrationProfile struct {
	Key         string
	BookID      string
	Level       CEFRLevel
	Offset      time.Duration
	SampleCount int
	Confidence  float64
	UpdatedAt   time.Time
}

// Clone returns a copy safe to hand to another goroutine.
func (p *CalibrationProfile) Clone() *CalibrationProfile {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// NoHighlight is the word index published when nothing is highlighted.
const NoHighlight = -1

// Highlight is the payload of a highlight change.
type Highlight struct {
	Chunk int
	Word  int
	Seq   uint64
}

// Active reports whether a word is highlighted.
func (h Highlight) Active() bool {
	return h.Word != NoHighlight
}

// Seconds converts a wire value in seconds into a duration, treating
// non-finite values as zero.
func Seconds(s float64) time.Duration {
	if math.IsNaN(s) || math.IsInf(s, 0) {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}
