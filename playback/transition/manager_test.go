package transition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookbridge/readalong/internal/cache"
	"github.com/bookbridge/readalong/playback"
)

// fakeAssets serves chunks 0..total-1. Requests for indices in block wait
// until the channel is closed or the request is cancelled.
type fakeAssets struct {
	mu       sync.Mutex
	total    int
	calls    map[int]int
	failures map[int][]error
	block    map[int]chan struct{}
	active   int
	peak     int
}

func newFakeAssets(total int) *fakeAssets {
	return &fakeAssets{
		total:    total,
		calls:    make(map[int]int),
		failures: make(map[int][]error),
		block:    make(map[int]chan struct{}),
	}
}

func (f *fakeAssets) Asset(ctx context.Context, req playback.AssetRequest) (*playback.Asset, error) {
	f.mu.Lock()
	f.calls[req.Chunk]++
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	gate := f.block[req.Chunk]
	var err error
	if errs := f.failures[req.Chunk]; len(errs) > 0 {
		err = errs[0]
		f.failures[req.Chunk] = errs[1:]
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if req.Chunk >= f.total {
		return nil, fmt.Errorf("chunk %d: %w", req.Chunk, playback.ErrNotFound)
	}
	return &playback.Asset{
		AudioURL: fmt.Sprintf("mem://%d", req.Chunk),
		Duration: time.Second,
		Words:    []playback.WordTiming{{Index: 0, Start: 0, End: time.Second}},
	}, nil
}

func (f *fakeAssets) callsFor(i int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func (f *fakeAssets) gate(i int) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.block[i] = ch
	return ch
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newTestManager(assets playback.AssetService, mutate func(*playback.TransitionConfig)) (*Manager, *cache.ChunkCache) {
	cfg := playback.DefaultConfig().Transition
	if mutate != nil {
		mutate(&cfg)
	}
	chunks := cache.NewChunkCache(5, 2)
	m := New(cfg, assets, chunks, WithSleep(noSleep))
	m.Reset(playback.BookRef{BookID: "moby", Level: playback.LevelB1}, 0)
	return m, chunks
}

func TestEnsureLoadsAndCaches(t *testing.T) {
	assets := newFakeAssets(10)
	m, chunks := newTestManager(assets, nil)

	c, err := m.Ensure(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, c.Ready())
	assert.Equal(t, "mem://0", c.AudioURL)
	assert.True(t, chunks.Contains(c.Key))

	again, err := m.Ensure(context.Background(), 0)
	require.NoError(t, err)
	assert.Same(t, c, again)
	assert.Equal(t, 1, assets.callsFor(0))
	assert.Equal(t, int64(1), m.Stats().CacheHits)
}


func TestChunkLifecycle(t *testing.T) {
	assets := newFakeAssets(1)
	m, _ := newTestManager(assets, nil)

	load := func(index int) (*playback.AudioChunk, *playback.AudioChunk, error) {
		release := assets.gate(index)
		type result struct {
			c   *playback.AudioChunk
			err error
		}
		done := make(chan result, 1)
		go func() {
			c, err := m.Ensure(context.Background(), index)
			done <- result{c, err}
		}()

		var loading *playback.AudioChunk
		require.Eventually(t, func() bool {
			var ok bool
			loading, ok = m.Loading(index)
			return ok
		}, time.Second, time.Millisecond)
		assert.Equal(t, playback.ChunkLoading, loading.State())

		close(release)
		res := <-done
		_, still := m.Loading(index)
		assert.False(t, still)
		return loading, res.c, res.err
	}

	loading, c, err := load(0)
	require.NoError(t, err)
	assert.Same(t, loading, c)
	assert.Equal(t, playback.ChunkReady, c.State())

	loading, _, err = load(1)
	require.ErrorIs(t, err, playback.ErrNotFound)
	assert.Equal(t, playback.ChunkError, loading.State())
	assert.ErrorIs(t, loading.Err(), playback.ErrNotFound)
}

func TestEnsureSharesInFlightRequest(t *testing.T) {
	assets := newFakeAssets(10)
	gate := assets.gate(1)
	m, _ := newTestManager(assets, nil)

	m.OnProgress(0, 0.85)
	require.Eventually(t, func() bool { return assets.callsFor(1) == 1 }, time.Second, time.Millisecond)

	var wg sync.WaitGroup
	results := make([]*playback.AudioChunk, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := m.Ensure(context.Background(), 1)
			assert.NoError(t, err)
			results[i] = c
		}(i)
	}

	time.Sleep(10 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, 1, assets.callsFor(1), "joined requests must not refetch")
	assert.Same(t, results[0], results[1])
	assert.Same(t, results[1], results[2])
}

func TestPrefetchBound(t *testing.T) {
	assets := newFakeAssets(50)
	m, _ := newTestManager(assets, func(c *playback.TransitionConfig) { c.Lookahead = 2 })

	var gates []chan struct{}
	for i := 0; i < 50; i++ {
		gates = append(gates, assets.gate(i))
	}
	close(gates[0])
	_, err := m.Ensure(context.Background(), 0)
	require.NoError(t, err)

	// Below the threshold nothing happens.
	m.OnProgress(0, 0.5)
	assert.Zero(t, m.Stats().Prefetches)

	// Hammer progress while the prefetch is blocked.
	for i := 0; i < 100; i++ {
		m.OnProgress(0, 0.9)
	}
	assert.Equal(t, int64(1), m.Stats().Prefetches)
	assert.Equal(t, 1, m.Stats().MaxInFlight)

	close(gates[1])
	require.Eventually(t, func() bool { _, ok := m.Ready(1); return ok }, time.Second, time.Millisecond)

	// With a lookahead of two, chunk 2 follows once 1 is ready.
	m.OnProgress(0, 0.95)
	close(gates[2])
	require.Eventually(t, func() bool { _, ok := m.Ready(2); return ok }, time.Second, time.Millisecond)

	// Nothing beyond current+2.
	for i := 0; i < 10; i++ {
		m.OnProgress(0, 0.99)
	}
	assert.Zero(t, assets.callsFor(3))

	stats := m.Stats()
	assert.Equal(t, 1, stats.MaxInFlight)
	assert.LessOrEqual(t, stats.MaxAhead, 2)
}

func TestPrefetchIgnoresOtherChunks(t *testing.T) {
	assets := newFakeAssets(10)
	m, _ := newTestManager(assets, nil)

	m.OnProgress(3, 0.9)
	assert.Zero(t, m.Stats().Prefetches, "progress of a chunk that is not current is ignored")
}

func TestRetryTransientThenSucceed(t *testing.T) {
	assets := newFakeAssets(10)
	assets.failures[0] = []error{playback.Transient(errors.New("503")), playback.Transient(errors.New("503"))}
	m, _ := newTestManager(assets, nil)

	c, err := m.Ensure(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, c.Ready())
	assert.Equal(t, 3, assets.callsFor(0))
	assert.Equal(t, int64(2), m.Stats().Retries)
}

func TestRetryExhausted(t *testing.T) {
	assets := newFakeAssets(10)
	boom := playback.Transient(errors.New("503"))
	assets.failures[0] = []error{boom, boom, boom, boom}
	m, _ := newTestManager(assets, nil)

	_, err := m.Ensure(context.Background(), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, playback.ErrRetriesExhausted)
	assert.Equal(t, playback.KindUnrecoverable, playback.KindOf(err))
	assert.Equal(t, 3, assets.callsFor(0))
}

func TestNotFoundIsNotRetried(t *testing.T) {
	assets := newFakeAssets(3)
	m, _ := newTestManager(assets, nil)

	_, err := m.Ensure(context.Background(), 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, playback.ErrNotFound)
	assert.Equal(t, 1, assets.callsFor(3))

	last, ok := m.Last()
	assert.True(t, ok)
	assert.Equal(t, 2, last, "NotFound with an unknown total marks the end")
	assert.False(t, m.HasChunk(3))
}

func TestJumpDiscardsOldGeneration(t *testing.T) {
	assets := newFakeAssets(10)
	gate := assets.gate(1)
	m, chunks := newTestManager(assets, nil)

	done := make(chan error, 1)
	go func() {
		_, err := m.Ensure(context.Background(), 1)
		done <- err
	}()
	require.Eventually(t, func() bool { return assets.callsFor(1) == 1 }, time.Second, time.Millisecond)

	gen := m.Jump(7)
	assert.Equal(t, uint64(2), gen)

	err := <-done
	require.Error(t, err)
	assert.True(t, playback.IsStale(err), "got %v", err)
	close(gate)

	assert.False(t, chunks.Contains(playback.ChunkKey{BookID: "moby", Level: playback.LevelB1, Index: 1}),
		"aborted results must never reach the cache")
	assert.Equal(t, int64(1), m.Stats().Aborted)
}

func TestAdvanceAbortsUnreachable(t *testing.T) {
	assets := newFakeAssets(10)
	assets.gate(1)
	m, _ := newTestManager(assets, nil)

	m.OnProgress(0, 0.9)
	require.Eventually(t, func() bool { return assets.callsFor(1) == 1 }, time.Second, time.Millisecond)

	// Still reachable from 1.
	m.Advance(1)
	assert.Zero(t, m.Stats().Aborted)

	m.Advance(4)
	assert.Equal(t, int64(1), m.Stats().Aborted)
	require.Eventually(t, func() bool { return m.Stats().InFlight == 0 }, time.Second, time.Millisecond)
}

func TestEnsureHonoursCallerContext(t *testing.T) {
	assets := newFakeAssets(10)
	assets.gate(0)
	m, _ := newTestManager(assets, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Ensure(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEnsureBeyondKnownTotal(t *testing.T) {
	assets := newFakeAssets(10)
	m, _ := newTestManager(assets, nil)
	m.Reset(playback.BookRef{BookID: "moby", Level: playback.LevelB1, TotalChunks: 2}, 0)

	_, err := m.Ensure(context.Background(), 2)
	assert.ErrorIs(t, err, playback.ErrNotFound)
	assert.Zero(t, assets.callsFor(2))
}

func TestMissingAudioURLFails(t *testing.T) {
	m, _ := newTestManager(noAudio{}, nil)

	_, err := m.Ensure(context.Background(), 0)
	assert.ErrorIs(t, err, playback.ErrNoAudio)
	assert.False(t, playback.IsRecoverable(err))
}

type noAudio struct{}

func (noAudio) Asset(context.Context, playback.AssetRequest) (*playback.Asset, error) {
	return &playback.Asset{Duration: time.Second}, nil
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Attempts: 5, Base: 200 * time.Millisecond, Max: 2 * time.Second}

	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 0},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, 1600 * time.Millisecond},
		{5, 2 * time.Second},
		{9, 2 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.n), "Delay(%d)", tt.n)
	}
}
