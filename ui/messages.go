package ui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/bookbridge/readalong/playback"
)

// Session events forwarded into the Bubble Tea loop.
type (
	highlightMsg playback.Highlight
	bufferingMsg bool
	endedMsg     struct{}
	stateMsg     struct {
		from, to playback.StateType
		err      error
	}
	chunkMsg struct {
		index int
		words []string
		timed bool
	}
)

// opDoneMsg reports the result of a session call run as a command.
type opDoneMsg struct {
	op  string
	err error
}

type tickMsg struct{}

type statusMessageTimeoutMsg struct{}

// Listener forwards session events to a running program. It implements
// playback.Listener, playback.StateListener and playback.ChunkListener.
type Listener struct {
	send func(tea.Msg)
}

// NewListener creates a listener delivering messages through send,
// usually (*tea.Program).Send.
func NewListener(send func(tea.Msg)) *Listener {
	return &Listener{send: send}
}

func (l *Listener) OnHighlightChange(h playback.Highlight) { l.send(highlightMsg(h)) }

func (l *Listener) OnBufferingStateChange(b bool) { l.send(bufferingMsg(b)) }

func (l *Listener) OnPlaybackEnded() { l.send(endedMsg{}) }

func (l *Listener) OnStateChange(from, to playback.StateType, err error) {
	l.send(stateMsg{from: from, to: to, err: err})
}

func (l *Listener) OnChunkChange(c *playback.AudioChunk) {
	l.send(chunkWords(c))
}

func chunkWords(c *playback.AudioChunk) chunkMsg {
	msg := chunkMsg{index: c.Key.Index, timed: c.Words != nil}
	msg.words = make([]string, len(c.Words))
	for i, w := range c.Words {
		if w.Text == "" {
			msg.words[i] = placeholderWord
			continue
		}
		msg.words[i] = w.Text
	}
	return msg
}
