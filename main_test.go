package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookbridge/readalong/internal/store"
	"github.com/bookbridge/readalong/playback"
)

func TestBookFromArgs(t *testing.T) {
	viper.Set("level", "C1")
	viper.Set("voice", "amy")
	viper.Set("chunks", 12)
	t.Cleanup(func() {
		viper.Set("level", "B1")
		viper.Set("voice", "")
		viper.Set("chunks", 0)
	})

	book, start, err := bookFromArgs([]string{"moby", "3"})
	require.NoError(t, err)
	assert.Equal(t, playback.BookRef{BookID: "moby", Level: playback.LevelC1, VoiceID: "amy", TotalChunks: 12}, book)
	assert.Equal(t, 2, start, "chunks are numbered from one on the command line")

	_, start, err = bookFromArgs([]string{"moby"})
	require.NoError(t, err)
	assert.Zero(t, start)

	for _, bad := range []string{"0", "-1", "three"} {
		_, _, err := bookFromArgs([]string{"moby", bad})
		assert.Error(t, err, bad)
	}
}

func TestCalibrationShowAndReset(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	for _, p := range []*playback.CalibrationProfile{
		{Key: "moby", BookID: "moby", Offset: 180 * time.Millisecond, SampleCount: 4, Confidence: 0.57, UpdatedAt: time.Now()},
		{Key: "moby/B1", BookID: "moby", Level: playback.LevelB1, Offset: -20 * time.Millisecond, UpdatedAt: time.Now()},
		{Key: "alice", BookID: "alice", UpdatedAt: time.Now()},
	} {
		require.NoError(t, s.Save(ctx, p))
	}

	var out bytes.Buffer
	require.NoError(t, showProfiles(ctx, s, "moby", &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "+180ms")
	assert.Contains(t, lines[1], "57%")
	assert.Contains(t, lines[2], "moby/B1")

	n, err := resetProfiles(ctx, s, "moby", playback.LevelB1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = resetProfiles(ctx, s, "moby", "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	out.Reset()
	require.NoError(t, showProfiles(ctx, s, "moby", &out))
	assert.Contains(t, out.String(), "No calibration profiles")

	_, err = resetProfiles(ctx, s, "moby", "Z9")
	assert.Error(t, err)
}

func TestPlainPrinter(t *testing.T) {
	var out bytes.Buffer
	p := newPlainPrinter(&out)

	chunk := playback.NewAudioChunk(playback.ChunkKey{BookID: "moby", Level: playback.LevelB1, Index: 0})
	chunk.Words = []playback.WordTiming{{Text: "Call"}, {Text: "me"}, {Text: "Ishmael."}}
	p.OnChunkChange(chunk)
	for _, w := range []int{0, 1, 1, 2} {
		p.OnHighlightChange(playback.Highlight{Chunk: 0, Word: w})
	}
	p.OnHighlightChange(playback.Highlight{Chunk: 0, Word: playback.NoHighlight})
	p.OnHighlightChange(playback.Highlight{Chunk: 4, Word: 0})
	p.OnPlaybackEnded()

	got := out.String()
	assert.Contains(t, got, "moby B1 · chunk 1")
	assert.Contains(t, got, "Call")
	assert.Contains(t, got, "Ishmael.")
	assert.Equal(t, 2, strings.Count(got, "me"), "a repeated highlight prints the word again")

	select {
	case <-p.done:
	default:
		t.Fatal("printer should be done after playback ended")
	}
	assert.NoError(t, p.err)
}

func TestPlainPrinterStopsOnError(t *testing.T) {
	p := newPlainPrinter(&bytes.Buffer{})
	boom := errors.New("retries exhausted")
	p.OnStateChange(playback.StatePlaying, playback.StateError, boom)
	p.OnPlaybackEnded()

	<-p.done
	assert.ErrorIs(t, p.err, boom)
}
