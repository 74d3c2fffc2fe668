// Package transition loads chunks ahead of playback and hands audio from
// one chunk to the next.
package transition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/bookbridge/readalong/internal/cache"
	"github.com/bookbridge/readalong/playback"
	"github.com/bookbridge/readalong/playback/timing"
)

// Stats counts transition manager activity.
type Stats struct {
	Requests    int64 // loads started
	Prefetches  int64 // loads started by OnProgress
	CacheHits   int64
	Retries     int64
	Aborted     int64 // requests cancelled by Jump or Advance
	Discarded   int64 // results dropped because their request was superseded
	Failures    int64
	InFlight    int
	MaxInFlight int // most prefetches ever in flight at once
	MaxAhead    int // furthest distance ever requested past the current chunk
}

type request struct {
	index    int
	gen      uint64
	prefetch bool
	cancel   context.CancelFunc
	sfKey    string
	chunk    *playback.AudioChunk // loading until the request settles
}

// Manager owns chunk loading for one session.
type Manager struct {
	cfg     playback.TransitionConfig
	assets  playback.AssetService
	cache   *cache.ChunkCache
	preload playback.Preloader
	backoff Backoff
	sleep   sleepFunc
	logger  *log.Logger

	group singleflight.Group

	mu          sync.Mutex
	book        playback.BookRef
	current     int
	generation  uint64
	inflight    map[string]*request
	prefetching int
	failed      map[int]error
	last        int // last chunk index, or -1 when unknown
	seq         uint64
	stats       Stats
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithPreloader decodes audio while loading so chunks are ready to play.
func WithPreloader(p playback.Preloader) Option {
	return func(m *Manager) { m.preload = p }
}

// WithSleep replaces the backoff and crossfade timer, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = fn }
}

// New creates a transition manager.
func New(cfg playback.TransitionConfig, assets playback.AssetService, chunks *cache.ChunkCache, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		assets:   assets,
		cache:    chunks,
		backoff:  BackoffFromConfig(cfg),
		sleep:    sleepCtx,
		logger:   log.Default().WithPrefix("transition"),
		inflight: make(map[string]*request),
		failed:   make(map[int]error),
		last:     -1,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Reset points the manager at a new book, aborting all loads. It returns
// the new generation.
func (m *Manager) Reset(book playback.BookRef, index int) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.book = book
	m.last = -1
	if book.TotalChunks > 0 {
		m.last = book.TotalChunks - 1
	}
	return m.jumpLocked(index)
}

// Jump moves to a new chunk out of sequence. Every in-flight request is
// aborted and results of older generations are discarded.
func (m *Manager) Jump(index int) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jumpLocked(index)
}

func (m *Manager) jumpLocked(index int) uint64 {
	m.generation++
	m.current = index
	m.failed = make(map[int]error)
	for key, req := range m.inflight {
		req.cancel()
		delete(m.inflight, key)
		m.stats.Aborted++
	}
	m.prefetching = 0
	m.stats.InFlight = 0
	return m.generation
}

// Advance records sequential progress to index and aborts requests that
// can no longer be reached.
func (m *Manager) Advance(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = index
	for key, req := range m.inflight {
		if req.index < index || req.index > index+2 {
			req.cancel()
			m.forgetLocked(key, req)
			m.stats.Aborted++
		}
	}
}

// Generation returns the current generation.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// Last returns the index of the last chunk when it is known.
func (m *Manager) Last() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.last >= 0
}

// HasChunk reports whether index may exist.
func (m *Manager) HasChunk(index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasChunkLocked(index)
}

func (m *Manager) hasChunkLocked(index int) bool {
	if index < 0 {
		return false
	}
	return m.last < 0 || index <= m.last
}

// Stats returns activity counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Ready returns the cached chunk for index if it is loaded.
func (m *Manager) Ready(index int) (*playback.AudioChunk, bool) {
	m.mu.Lock()
	key := m.book.Key(index)
	m.mu.Unlock()

	c, ok := m.cache.Peek(key)
	if !ok || !c.Ready() {
		return nil, false
	}
	return c, true
}

// Loading returns the chunk of an in-flight request for index in the
// current generation.
func (m *Manager) Loading(index int) (*playback.AudioChunk, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.inflight[m.flightKeyLocked(index, m.generation)]
	if !ok {
		return nil, false
	}
	return req.chunk, true
}

// Ensure returns chunk index, loading it in the foreground with retries
// when it is not cached. A load already in flight for the same chunk is
// joined instead of duplicated.
func (m *Manager) Ensure(ctx context.Context, index int) (*playback.AudioChunk, error) {
	m.mu.Lock()
	if !m.hasChunkLocked(index) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", playback.ErrNotFound, index)
	}
	key := m.book.Key(index)
	gen := m.generation
	m.mu.Unlock()

	if c, ok := m.cache.Get(key); ok && c.Ready() {
		m.mu.Lock()
		m.stats.CacheHits++
		m.mu.Unlock()
		return c, nil
	}

	ch := m.start(index, gen, false)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*playback.AudioChunk), nil
	}
}

// OnProgress is called with the playback progress of chunk index. Past the
// prefetch threshold the next chunk is loaded in the background; with a
// lookahead of two, the one after it follows once the next is ready.
func (m *Manager) OnProgress(index int, fraction float64) {
	if fraction < m.cfg.PrefetchThreshold {
		return
	}

	m.mu.Lock()
	if index != m.current || m.prefetching > 0 {
		m.mu.Unlock()
		return
	}
	gen := m.generation
	target := -1
	for ahead := 1; ahead <= m.cfg.Lookahead && ahead <= 2; ahead++ {
		next := index + ahead
		if !m.hasChunkLocked(next) {
			break
		}
		if _, failed := m.failed[next]; failed {
			break
		}
		if c, ok := m.cache.Peek(m.book.Key(next)); ok && c.Ready() {
			continue
		}
		if _, busy := m.inflight[m.flightKeyLocked(next, gen)]; busy {
			break
		}
		target = next
		break
	}
	m.mu.Unlock()

	if target >= 0 {
		m.start(target, gen, true)
	}
}

// start begins or joins the load of index in generation gen. It returns
// nil when a prefetch was refused because another one is in flight.
func (m *Manager) start(index int, gen uint64, prefetch bool) <-chan singleflight.Result {
	m.mu.Lock()
	key := m.flightKeyLocked(index, gen)
	if req, ok := m.inflight[key]; ok {
		m.mu.Unlock()
		return m.group.DoChan(req.sfKey, func() (interface{}, error) {
			// The request finished between the lookup and the join.
			if c, ok := m.Ready(index); ok {
				return c, nil
			}
			return nil, playback.ErrStale
		})
	}
	if prefetch && m.prefetching > 0 {
		m.mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.seq++
	chunk := playback.NewAudioChunk(m.book.Key(index))
	chunk.Generation = gen
	chunk.VoiceID = m.book.VoiceID
	chunk.MarkLoading()
	req := &request{
		index:    index,
		gen:      gen,
		prefetch: prefetch,
		cancel:   cancel,
		sfKey:    fmt.Sprintf("%s#%d", key, m.seq),
		chunk:    chunk,
	}
	m.inflight[key] = req
	m.stats.Requests++
	m.stats.InFlight = len(m.inflight)
	if prefetch {
		m.prefetching++
		m.stats.Prefetches++
		if m.prefetching > m.stats.MaxInFlight {
			m.stats.MaxInFlight = m.prefetching
		}
	}
	if ahead := index - m.current; ahead > m.stats.MaxAhead {
		m.stats.MaxAhead = ahead
	}
	m.mu.Unlock()

	return m.group.DoChan(req.sfKey, func() (interface{}, error) {
		defer cancel()
		return m.load(ctx, key, req)
	})
}

// load fetches one chunk and stores it in the cache if its request is
// still current.
func (m *Manager) load(ctx context.Context, key string, req *request) (*playback.AudioChunk, error) {
	m.mu.Lock()
	book := m.book
	m.mu.Unlock()

	var asset *playback.Asset
	err := retry(ctx, m.backoff, m.sleep, func(ctx context.Context) error {
		if m.cfg.LoadTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, m.cfg.LoadTimeout)
			defer cancel()
		}
		a, err := m.assets.Asset(ctx, book.Request(req.index))
		if err != nil {
			return err
		}
		asset = a
		return nil
	}, func(attempt int, err error) {
		m.mu.Lock()
		m.stats.Retries++
		m.mu.Unlock()
		m.logger.Warn("chunk load failed, retrying", "chunk", req.index, "attempt", attempt, "err", err)
	})

	chunk := req.chunk
	if err == nil {
		if asset.AudioURL == "" {
			err = playback.ErrNoAudio
		} else {
			chunk.AudioURL = asset.AudioURL
			chunk.Duration = asset.Duration
			chunk.Words = asset.Words
			chunk.WordCount = asset.WordCount
			if asset.Words != nil && !timing.Valid(asset.Words) {
				m.logger.Warn("malformed word timings, estimating highlight", "chunk", req.index,
					"err", playback.NewError(playback.KindMalformedTiming, "transition", "load", req.index, playback.ErrMalformedTimings))
			}
		}
	}
	if err == nil && m.preload != nil {
		err = m.preload.Preload(ctx, chunk)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.inflight[key] == req && req.gen == m.generation
	m.forgetLocked(key, req)

	if !live || errors.Is(err, context.Canceled) {
		m.stats.Discarded++
		chunk.MarkFailed(playback.ErrStale)
		chunk.Release()
		return nil, playback.NewError(playback.KindStale, "transition", "load", req.index, playback.ErrStale)
	}

	if err != nil {
		m.stats.Failures++
		if playback.KindOf(err) == playback.KindNotFound && m.book.TotalChunks <= 0 {
			if m.last < 0 || req.index-1 < m.last {
				m.last = req.index - 1
			}
		}
		m.failed[req.index] = err
		chunk.MarkFailed(err)
		return nil, playback.NewError(playback.KindUnknown, "transition", "load", req.index, err)
	}

	chunk.MarkReady()
	if perr := m.cache.Put(chunk); perr != nil {
		m.stats.Discarded++
		chunk.MarkFailed(perr)
		chunk.Release()
		return nil, playback.NewError(playback.KindStale, "transition", "load", req.index, perr)
	}
	delete(m.failed, req.index)
	m.logger.Debug("chunk ready", "chunk", req.index, "words", len(chunk.Words), "duration", chunk.Duration, "prefetch", req.prefetch)
	return chunk, nil
}

// forgetLocked drops a request from the in-flight table (must be called
// with lock held).
func (m *Manager) forgetLocked(key string, req *request) {
	if m.inflight[key] != req {
		return
	}
	delete(m.inflight, key)
	if req.prefetch && m.prefetching > 0 {
		m.prefetching--
	}
	m.stats.InFlight = len(m.inflight)
}

func (m *Manager) flightKeyLocked(index int, gen uint64) string {
	return fmt.Sprintf("%s@%d", m.book.Key(index), gen)
}
