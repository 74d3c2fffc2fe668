package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/truncate"

	"github.com/bookbridge/readalong/playback"
)

var (
	mintGreen = lipgloss.AdaptiveColor{Light: "#89F0CB", Dark: "#89F0CB"}
	darkGreen = lipgloss.AdaptiveColor{Light: "#1C8760", Dark: "#1C8760"}
	dimFg     = lipgloss.AdaptiveColor{Light: "#656565", Dark: "#7D7D7D"}
	red       = lipgloss.AdaptiveColor{Light: "#FF4672", Dark: "#ED567A"}

	statusBarBg = lipgloss.AdaptiveColor{Light: "#E6E6E6", Dark: "#242424"}

	wordStyle      = lipgloss.NewStyle()
	highlightStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#242424")).
			Background(mintGreen).
			Bold(true)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(dimFg).
			Background(statusBarBg)

	statusStateStyle = lipgloss.NewStyle().
				Foreground(mintGreen).
				Background(darkGreen).
				Padding(0, 1)

	statusErrorStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FFFFFF")).
				Background(red).
				Padding(0, 1)

	helpStyle = lipgloss.NewStyle().Foreground(dimFg)
)

// statusLine renders a one-line summary of a session snapshot.
type statusLine struct {
	state      playback.State
	buffering  bool
	autoScroll bool
	message    string
	isError    bool
}

func stateIcon(s playback.StateType) string {
	switch s {
	case playback.StatePlaying, playback.StateTransitioning:
		return "▶"
	case playback.StatePaused:
		return "⏸"
	case playback.StateLoading:
		return "…"
	case playback.StateEnded:
		return "■"
	case playback.StateError:
		return "!"
	default:
		return "○"
	}
}

func formatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(100 * time.Millisecond)
	m := d / time.Minute
	s := (d % time.Minute).Seconds()
	return fmt.Sprintf("%d:%04.1f", m, s)
}

func (s statusLine) chunkLabel() string {
	if s.state.TotalChunks > 0 {
		return fmt.Sprintf("chunk %d/%d", s.state.Chunk+1, s.state.TotalChunks)
	}
	return fmt.Sprintf("chunk %d", s.state.Chunk+1)
}

func (s statusLine) view(width int) string {
	st := s.state
	badge := statusStateStyle
	label := fmt.Sprintf("%s %s", stateIcon(st.CurrentState), st.CurrentState)
	if st.CurrentState == playback.StateError {
		badge = statusErrorStyle
	}
	if s.buffering {
		label += " buffering"
	}

	parts := []string{
		st.BookID + " " + st.Level.String(),
		s.chunkLabel(),
		formatClock(st.Position) + "/" + formatClock(st.Duration),
		fmt.Sprintf("offset %+dms (%.0f%%)", st.Offset.Milliseconds(), st.Confidence*100),
	}
	if !st.Highlighting && st.CurrentState != playback.StateIdle {
		parts = append(parts, "audio only")
	}
	if !s.autoScroll {
		parts = append(parts, "scroll off")
	}
	if s.message != "" {
		parts = append(parts, s.message)
	} else if st.CurrentState == playback.StateError && st.LastError != nil {
		parts = append(parts, st.LastError.Error())
	}

	left := badge.Render(label)
	rest := " " + strings.Join(parts, " · ")
	avail := width - lipgloss.Width(left)
	if avail < 0 {
		avail = 0
	}
	rest = truncate.StringWithTail(rest, uint(avail), ellipsis)
	if pad := avail - lipgloss.Width(rest); pad > 0 {
		rest += strings.Repeat(" ", pad)
	}
	style := statusBarStyle
	if s.isError {
		style = style.Foreground(red)
	}
	return left + style.Render(rest)
}

const helpText = "space play/pause · n/p chunk · ←/→ 5s · [/] offset · a auto-scroll · q quit"
