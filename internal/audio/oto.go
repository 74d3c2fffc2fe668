package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/ebitengine/oto/v3"

	"github.com/bookbridge/readalong/playback"
)

// OtoConfig configures the speaker output.
type OtoConfig struct {
	SampleRate int           // must match the chunk audio
	Channels   int           // 1 = mono, 2 = stereo
	BufferSize time.Duration // device buffer, reported as output latency
}

// DefaultOtoConfig returns the format produced by Piper voices.
func DefaultOtoConfig() OtoConfig {
	return OtoConfig{
		SampleRate: 22050,
		Channels:   1,
		BufferSize: 120 * time.Millisecond,
	}
}

// Validate checks the output configuration.
func (c OtoConfig) Validate() error {
	if c.SampleRate < 8000 || c.SampleRate > 192000 {
		return fmt.Errorf("sample rate must be between 8000 and 192000 Hz, got %d", c.SampleRate)
	}
	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("channels must be 1 (mono) or 2 (stereo), got %d", c.Channels)
	}
	if c.BufferSize <= 0 {
		return errors.New("buffer size must be positive")
	}
	return nil
}

// OtoOutput plays chunks through the system audio device. Only one may
// exist per process.
type OtoOutput struct {
	ctx     *oto.Context
	format  Format
	latency time.Duration
	client  *http.Client
	logger  *log.Logger
}

// NewOtoOutput opens the audio device and waits until it is ready.
func NewOtoOutput(cfg OtoConfig, logger *log.Logger) (*OtoOutput, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = log.Default().WithPrefix("audio")
	}

	op := &oto.NewContextOptions{
		SampleRate:   cfg.SampleRate,
		ChannelCount: cfg.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   cfg.BufferSize,
	}
	octx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("failed to create oto context: %w", err)
	}
	<-ready

	return &OtoOutput{
		ctx:     octx,
		format:  Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels, BitsPerSample: 16},
		latency: cfg.BufferSize,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}, nil
}

// Preload implements playback.Preloader: it fetches and decodes the
// chunk's audio and attaches the PCM to the chunk.
func (o *OtoOutput) Preload(ctx context.Context, chunk *playback.AudioChunk) error {
	if chunk.Data() != nil {
		return nil
	}
	raw, err := o.fetch(ctx, chunk.AudioURL)
	if err != nil {
		return err
	}
	f, pcm, err := DecodeWAV(raw)
	if err != nil {
		return err
	}
	if f.SampleRate != o.format.SampleRate || f.Channels != o.format.Channels {
		return fmt.Errorf("%w: %d Hz/%d ch, output is %d Hz/%d ch",
			playback.ErrUnsupportedAudio, f.SampleRate, f.Channels, o.format.SampleRate, o.format.Channels)
	}

	chunk.SetData(pcm, nil)
	o.logger.Debug("decoded chunk audio", "chunk", chunk.Key, "size", humanize.Bytes(uint64(len(pcm))), "length", f.Duration(int64(len(pcm))))
	return nil
}

// Open implements playback.Output.
func (o *OtoOutput) Open(ctx context.Context, chunk *playback.AudioChunk) (playback.Element, error) {
	if err := o.Preload(ctx, chunk); err != nil {
		return nil, err
	}
	pcm := chunk.Data()
	if len(pcm) == 0 {
		return nil, fmt.Errorf("%w: empty audio", playback.ErrUnsupportedAudio)
	}

	// The element keeps its own reference to the PCM so eviction of the
	// chunk cannot pull the data out from under the device.
	reader := newPCMReader(pcm)
	player := o.ctx.NewPlayer(reader)
	if player == nil {
		return nil, errors.New("failed to create oto player")
	}
	return &otoElement{
		player:   player,
		reader:   reader,
		data:     pcm,
		format:   o.format,
		duration: o.format.Duration(int64(len(pcm))),
		latency:  o.latency,
	}, nil
}

func (o *OtoOutput) fetch(ctx context.Context, src string) ([]byte, error) {
	switch {
	case src == "":
		return nil, playback.ErrNoAudio
	case strings.HasPrefix(src, "http://"), strings.HasPrefix(src, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return nil, err
		}
		resp, err := o.client.Do(req)
		if err != nil {
			return nil, playback.Transient(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return nil, playback.Transient(fmt.Errorf("audio fetch: %s", resp.Status))
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%w: audio fetch: %s", playback.ErrUnsupportedAudio, resp.Status)
		}
		return io.ReadAll(resp.Body)
	default:
		return os.ReadFile(strings.TrimPrefix(src, "file://"))
	}
}

// otoElement is one chunk playing on the device.
type otoElement struct {
	mu       sync.Mutex
	player   *oto.Player
	reader   *pcmReader
	data     []byte
	format   Format
	duration time.Duration
	latency  time.Duration
	closed   bool
}

func (e *otoElement) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return playback.ErrElementClosed
	}
	e.player.Play()
	return nil
}

func (e *otoElement) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return playback.ErrElementClosed
	}
	e.player.Pause()
	return nil
}

func (e *otoElement) Seek(pos time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return playback.ErrElementClosed
	}
	if pos > e.duration {
		pos = e.duration
	}
	_, err := e.player.Seek(e.format.Offset(pos), io.SeekStart)
	return err
}

// Position is the amount of audio handed to the device minus what is
// still queued in the player.
func (e *otoElement) Position() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0
	}
	pos := e.reader.Offset() - int64(e.player.BufferedSize())
	if pos < 0 {
		pos = 0
	}
	return e.format.Duration(pos)
}

func (e *otoElement) Duration() time.Duration {
	return e.duration
}

func (e *otoElement) Ended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	return e.reader.Remaining() == 0 && e.player.BufferedSize() == 0
}

func (e *otoElement) SetVolume(v float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return playback.ErrElementClosed
	}
	e.player.SetVolume(v)
	return nil
}

func (e *otoElement) OutputLatency() time.Duration {
	return e.latency
}

func (e *otoElement) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.player.Pause()
	err := e.player.Close()
	e.data = nil
	return err
}

// pcmReader feeds PCM to an oto player. The player reads from its own
// goroutine, so the read offset is kept in an atomic for the clock.
type pcmReader struct {
	mu     sync.Mutex
	data   []byte
	offset atomic.Int64
}

func newPCMReader(data []byte) *pcmReader {
	return &pcmReader{data: data}
}

func (r *pcmReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	off := r.offset.Load()
	if off >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[off:])
	r.offset.Add(int64(n))
	return n, nil
}

func (r *pcmReader) Seek(offset int64, whence int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.offset.Load() + offset
	case io.SeekEnd:
		abs = int64(len(r.data)) + offset
	default:
		return 0, errors.New("pcm reader: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("pcm reader: negative position")
	}
	r.offset.Store(abs)
	return abs, nil
}

// Offset returns how many bytes have been handed to the player.
func (r *pcmReader) Offset() int64 {
	off := r.offset.Load()
	if size := int64(len(r.data)); off > size {
		return size
	}
	return off
}

// Remaining returns how many bytes are left to read.
func (r *pcmReader) Remaining() int64 {
	return int64(len(r.data)) - r.Offset()
}
