package ui

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookbridge/readalong/playback"
)

type fakeSession struct {
	mu       sync.Mutex
	calls    []string
	state    playback.State
	nudgeErr error
}

func (f *fakeSession) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeSession) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSession) Play() error  { f.record("play"); return nil }
func (f *fakeSession) Pause() error { f.record("pause"); return nil }

func (f *fakeSession) Seek(pos time.Duration) (playback.Highlight, error) {
	f.record("seek " + pos.String())
	return playback.Highlight{}, nil
}

func (f *fakeSession) NextChunk(context.Context) error     { f.record("next"); return nil }
func (f *fakeSession) PreviousChunk(context.Context) error { f.record("previous"); return nil }

func (f *fakeSession) Nudge(d time.Duration) (time.Duration, error) {
	f.record("nudge " + d.String())
	return d, f.nudgeErr
}

func (f *fakeSession) State() playback.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func keyMsg(k string) tea.KeyMsg {
	switch k {
	case " ":
		return tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}}
	case "left":
		return tea.KeyMsg{Type: tea.KeyLeft}
	case "right":
		return tea.KeyMsg{Type: tea.KeyRight}
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	default:
		return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(k)}
	}
}

func testScrollConfig() playback.ScrollConfig {
	return playback.DefaultConfig().Scroll
}

func update(t *testing.T, m model, msg tea.Msg) (model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	nm, ok := next.(model)
	require.True(t, ok)
	return nm, cmd
}

func TestLayoutWraps(t *testing.T) {
	l := newLayout([]string{"The", "quick", "brown", "fox", "jumps"}, 11)
	assert.Equal(t, [][]int{{0, 1}, {2, 3}, {4}}, l.lines)
	assert.Equal(t, []int{0, 0, 1, 1, 2}, l.lineOf)

	wide := newLayout([]string{"日本", "語", "です"}, 6)
	assert.Equal(t, [][]int{{0, 1}, {2}}, wide.lines)

	long := newLayout([]string{"a", "extraordinarily", "b"}, 5)
	assert.Equal(t, []int{0, 1, 2}, long.lineOf, "words wider than a line get a line of their own")
	assert.Contains(t, long.render(playback.NoHighlight), ellipsis)
}

func TestModelKeys(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		state playback.StateType
		want  string
	}{
		{"space pauses while playing", " ", playback.StatePlaying, "pause"},
		{"space plays while paused", " ", playback.StatePaused, "play"},
		{"next chunk", "n", playback.StatePlaying, "next"},
		{"previous chunk", "p", playback.StatePlaying, "previous"},
		{"seek forward", "right", playback.StatePlaying, "seek 6s"},
		{"seek back clamps at zero", "left", playback.StatePlaying, "seek 0s"},
		{"nudge later", "]", playback.StatePlaying, "nudge 50ms"},
		{"nudge earlier", "[", playback.StatePlaying, "nudge -50ms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := &fakeSession{state: playback.State{CurrentState: tt.state, Position: time.Second}}
			m := newModel(Config{}, sess, testScrollConfig())

			_, cmd := update(t, m, keyMsg(tt.key))
			if cmd != nil {
				if done, ok := cmd().(opDoneMsg); ok {
					assert.NoError(t, done.err)
				}
			}
			assert.Equal(t, []string{tt.want}, sess.Calls())
		})
	}
}

func TestModelQuit(t *testing.T) {
	m := newModel(Config{}, &fakeSession{}, testScrollConfig())
	m, cmd := update(t, m, keyMsg("q"))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Empty(t, m.View())
}

func TestModelNudgeErrorIsShown(t *testing.T) {
	sess := &fakeSession{nudgeErr: errors.New("no session")}
	m := newModel(Config{}, sess, testScrollConfig())
	m, _ = update(t, m, keyMsg("]"))
	assert.True(t, m.status.isError)
	assert.Contains(t, m.status.message, "no session")

	m, _ = update(t, m, statusMessageTimeoutMsg{})
	assert.Empty(t, m.status.message)
}

func TestModelFollowsHighlight(t *testing.T) {
	sess := &fakeSession{state: playback.State{CurrentState: playback.StatePlaying}}
	m := newModel(Config{}, sess, testScrollConfig())
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 10, Height: 6})

	words := make([]string, 20)
	for i := range words {
		words[i] = fmt.Sprintf("w%02d", i)
	}
	m, _ = update(t, m, chunkMsg{index: 0, words: words, timed: true})
	require.Equal(t, 4, m.pane.Height())

	m, _ = update(t, m, highlightMsg(playback.Highlight{Chunk: 0, Word: 12}))
	assert.Equal(t, 12, m.highlight)
	assert.Equal(t, 5, m.pane.Offset(), "word 12 sits on line 6; the anchor puts it one line below the top")
	assert.Contains(t, m.View(), "w12")

	// Manual scrolling suppresses auto-scroll for a while.
	m, _ = update(t, m, keyMsg("up"))
	assert.Equal(t, 4, m.pane.Offset())
	m, _ = update(t, m, highlightMsg(playback.Highlight{Chunk: 0, Word: 19}))
	assert.Equal(t, 4, m.pane.Offset())

	// Highlights of another chunk are ignored until the chunk arrives.
	m, _ = update(t, m, highlightMsg(playback.Highlight{Chunk: 1, Word: 2}))
	assert.Equal(t, 19, m.highlight)
}

func TestModelToggleAutoScroll(t *testing.T) {
	m := newModel(Config{}, &fakeSession{}, testScrollConfig())
	assert.True(t, m.scroll.Enabled())
	m, _ = update(t, m, keyMsg("a"))
	assert.False(t, m.scroll.Enabled())
	assert.False(t, m.status.autoScroll)
	m, _ = update(t, m, keyMsg("a"))
	assert.True(t, m.scroll.Enabled())
}

type fakeFrames struct{ visible []bool }

func (f *fakeFrames) SetVisible(v bool) { f.visible = append(f.visible, v) }

func TestModelFocusControlsFrames(t *testing.T) {
	frames := &fakeFrames{}
	m := newModel(Config{}, &fakeSession{}, testScrollConfig())
	m.frames = frames

	m, _ = update(t, m, tea.BlurMsg{})
	m, _ = update(t, m, tea.FocusMsg{})
	assert.Equal(t, []bool{false, true}, frames.visible)

	// Without a frame source focus changes are ignored.
	m.frames = nil
	_, _ = update(t, m, tea.BlurMsg{})
}

func TestModelAudioOnlyChunk(t *testing.T) {
	sess := &fakeSession{state: playback.State{CurrentState: playback.StatePlaying}}
	m := newModel(Config{}, sess, testScrollConfig())
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 80, Height: 10})
	m, _ = update(t, m, tickMsg{})
	m, _ = update(t, m, chunkMsg{index: 0, timed: false})
	assert.Contains(t, m.View(), "audio only")
}

func TestListenerForwardsEvents(t *testing.T) {
	var got []tea.Msg
	l := NewListener(func(msg tea.Msg) { got = append(got, msg) })

	chunk := playback.NewAudioChunk(playback.ChunkKey{BookID: "b", Level: playback.LevelA1, Index: 2})
	chunk.Words = []playback.WordTiming{{Index: 0, Text: "Hi"}, {Index: 1}}

	l.OnChunkChange(chunk)
	l.OnHighlightChange(playback.Highlight{Chunk: 2, Word: 1})
	l.OnBufferingStateChange(true)
	l.OnStateChange(playback.StatePlaying, playback.StatePaused, nil)
	l.OnPlaybackEnded()

	require.Len(t, got, 5)
	assert.Equal(t, chunkMsg{index: 2, words: []string{"Hi", placeholderWord}, timed: true}, got[0])
	assert.Equal(t, highlightMsg(playback.Highlight{Chunk: 2, Word: 1}), got[1])
	assert.Equal(t, bufferingMsg(true), got[2])
	assert.Equal(t, stateMsg{from: playback.StatePlaying, to: playback.StatePaused}, got[3])
	assert.Equal(t, endedMsg{}, got[4])
}

func TestStatusLine(t *testing.T) {
	s := statusLine{
		state: playback.State{
			CurrentState: playback.StatePlaying,
			BookID:       "moby",
			Level:        playback.LevelB1,
			Chunk:        1,
			TotalChunks:  5,
			Position:     1500 * time.Millisecond,
			Duration:     62 * time.Second,
			Offset:       120 * time.Millisecond,
			Confidence:   0.5,
			Highlighting: true,
		},
		autoScroll: true,
	}
	out := s.view(200)
	assert.Contains(t, out, "chunk 2/5")
	assert.Contains(t, out, "0:01.5/1:02.0")
	assert.Contains(t, out, "offset +120ms (50%)")
	assert.NotContains(t, out, "audio only")

	s.state.TotalChunks = 0
	s.state.Highlighting = false
	s.autoScroll = false
	out = s.view(200)
	assert.Contains(t, out, "chunk 2 ")
	assert.Contains(t, out, "audio only")
	assert.Contains(t, out, "scroll off")
}
