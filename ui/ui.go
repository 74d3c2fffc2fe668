// Package ui is the terminal reader: it renders the current chunk with the
// live word highlight and keeps it in view with the auto-scroll controller.
package ui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/muesli/reflow/truncate"
	"github.com/muesli/termenv"

	"github.com/bookbridge/readalong/playback"
	"github.com/bookbridge/readalong/playback/scroll"
)

const (
	statusMessageTimeout = time.Second * 3
	refreshInterval      = 250 * time.Millisecond
	seekStep             = 5 * time.Second
	nudgeStep            = 50 * time.Millisecond
	statusBarHeight      = 1
	helpHeight           = 1
	ellipsis             = "…"
)

// Session is the part of a playback session the reader drives.
type Session interface {
	Play() error
	Pause() error
	Seek(pos time.Duration) (playback.Highlight, error)
	NextChunk(ctx context.Context) error
	PreviousChunk(ctx context.Context) error
	Nudge(delta time.Duration) (time.Duration, error)
	State() playback.State
}

// Frames is the frame source of a session. The reader hides it while the
// terminal has no focus.
type Frames interface {
	SetVisible(visible bool)
}

// NewProgram returns a new Tea program for a session and the listener that
// feeds it. Subscribe the listener to the session before starting it.
// frames may be nil.
func NewProgram(cfg Config, sess Session, scrollCfg playback.ScrollConfig, frames Frames) (*tea.Program, *Listener) {
	log.Debug("Starting reader", "mouse", cfg.EnableMouse, "auto_scroll", scrollCfg.Enabled)

	if cfg.NoColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	}

	m := newModel(cfg, sess, scrollCfg)
	m.frames = frames
	opts := []tea.ProgramOption{tea.WithAltScreen(), tea.WithReportFocus()}
	if cfg.EnableMouse {
		opts = append(opts, tea.WithMouseCellMotion())
	}
	p := tea.NewProgram(m, opts...)
	return p, NewListener(p.Send)
}

type model struct {
	cfg     Config
	session Session
	pane    *pane
	scroll  *scroll.Controller
	frames  Frames

	width  int
	height int

	chunk     int
	timed     bool
	highlight int
	status    statusLine
	showHelp  bool
	quitting  bool
}

func newModel(cfg Config, sess Session, scrollCfg playback.ScrollConfig) model {
	p := newPane()
	return model{
		cfg:       cfg,
		session:   sess,
		pane:      p,
		scroll:    scroll.New(scrollCfg, p, scroll.WithLogger(log.Default().WithPrefix("scroll"))),
		highlight: playback.NoHighlight,
		showHelp:  true,
		status:    statusLine{autoScroll: scrollCfg.Enabled},
	}
}

func (m model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg { return tickMsg{} })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.resize()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.FocusMsg:
		if m.frames != nil {
			m.frames.SetVisible(true)
		}
		m.status.state = m.session.State()
		return m, nil

	case tea.BlurMsg:
		if m.frames != nil {
			m.frames.SetVisible(false)
		}
		return m, nil

	case tea.MouseMsg:
		if msg.Action != tea.MouseActionPress {
			return m, nil
		}
		switch msg.Button {
		case tea.MouseButtonWheelUp:
			m.userScroll(-3, scroll.InputWheel)
		case tea.MouseButtonWheelDown:
			m.userScroll(3, scroll.InputWheel)
		}
		return m, nil

	case chunkMsg:
		m.chunk = msg.index
		m.timed = msg.timed
		m.highlight = playback.NoHighlight
		m.pane.setWords(msg.words)
		m.pane.ScrollTo(0)
		m.pane.refresh(m.highlight)
		return m, nil

	case highlightMsg:
		if msg.Chunk != m.chunk && msg.Word != playback.NoHighlight {
			return m, nil
		}
		m.highlight = msg.Word
		m.pane.refresh(m.highlight)
		m.scroll.Follow(m.highlight)
		return m, nil

	case bufferingMsg:
		m.status.buffering = bool(msg)
		return m, nil

	case stateMsg:
		m.status.state = m.session.State()
		if msg.to == playback.StateError && msg.err != nil {
			cmd := m.flash(msg.err.Error(), true)
			return m, cmd
		}
		return m, nil

	case endedMsg:
		m.status.state = m.session.State()
		cmd := m.flash("end of book", false)
		return m, cmd

	case opDoneMsg:
		m.status.state = m.session.State()
		if msg.err != nil {
			cmd := m.flash(msg.op+": "+msg.err.Error(), true)
			return m, cmd
		}
		return m, nil

	case tickMsg:
		m.status.state = m.session.State()
		return m, tick()

	case statusMessageTimeoutMsg:
		m.status.message = ""
		m.status.isError = false
		return m, nil
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case " ":
		st := m.session.State()
		if st.CanPause() {
			return m, m.do("pause", m.session.Pause)
		}
		return m, m.do("play", m.session.Play)

	case "n":
		return m, m.do("next chunk", func() error { return m.session.NextChunk(context.Background()) })

	case "p":
		return m, m.do("previous chunk", func() error { return m.session.PreviousChunk(context.Background()) })

	case "left", "h":
		return m, m.seekBy(-seekStep)

	case "right", "l":
		return m, m.seekBy(seekStep)

	case "[":
		return m.nudge(-nudgeStep)

	case "]":
		return m.nudge(nudgeStep)

	case "a":
		enabled := !m.scroll.Enabled()
		m.scroll.SetEnabled(enabled)
		m.status.autoScroll = enabled
		if enabled {
			m.scroll.Follow(m.highlight)
			cmd := m.flash("auto-scroll on", false)
			return m, cmd
		}
		cmd := m.flash("auto-scroll off", false)
		return m, cmd

	case "up", "k":
		m.userScroll(-1, scroll.InputKey)
	case "down", "j":
		m.userScroll(1, scroll.InputKey)
	case "pgup", "b":
		m.userScroll(-m.pane.Height(), scroll.InputKey)
	case "pgdown", "f":
		m.userScroll(m.pane.Height(), scroll.InputKey)

	case "?":
		m.showHelp = !m.showHelp
		m.resize()
	}
	return m, nil
}

func (m model) seekBy(d time.Duration) tea.Cmd {
	st := m.session.State()
	pos := st.Position + d
	if pos < 0 {
		pos = 0
	}
	return m.do("seek", func() error {
		_, err := m.session.Seek(pos)
		return err
	})
}

func (m model) nudge(d time.Duration) (tea.Model, tea.Cmd) {
	offset, err := m.session.Nudge(d)
	m.status.state = m.session.State()
	if err != nil {
		cmd := m.flash("offset: "+err.Error(), true)
		return m, cmd
	}
	cmd := m.flash("offset "+offset.String(), false)
	return m, cmd
}

func (m *model) userScroll(lines int, kind scroll.InputKind) {
	m.scroll.UserInput(kind)
	m.pane.ScrollTo(m.pane.Offset() + lines)
}

// do runs a session call off the update loop.
func (m model) do(op string, fn func() error) tea.Cmd {
	return func() tea.Msg {
		return opDoneMsg{op: op, err: fn()}
	}
}

func (m *model) flash(text string, isError bool) tea.Cmd {
	m.status.message = text
	m.status.isError = isError
	return tea.Tick(statusMessageTimeout, func(time.Time) tea.Msg {
		return statusMessageTimeoutMsg{}
	})
}

func (m *model) resize() {
	h := m.height - statusBarHeight
	if m.showHelp {
		h -= helpHeight
	}
	if h < 0 {
		h = 0
	}
	m.pane.setSize(m.width, h)
	m.pane.refresh(m.highlight)
	m.scroll.Follow(m.highlight)
}

func (m model) View() string {
	if m.quitting {
		return ""
	}
	body := m.pane.vp.View()
	if !m.timed && len(m.pane.layout.words) == 0 && m.status.state.CurrentState != playback.StateIdle {
		body = helpStyle.Render("No word timings for this chunk. Playing audio only.")
	}
	out := body + "\n" + m.status.view(m.width)
	if m.showHelp {
		out += "\n" + helpStyle.Render(truncateTo(helpText, m.width))
	}
	return out
}

func truncateTo(s string, width int) string {
	if width <= 0 {
		return s
	}
	return truncate.StringWithTail(s, uint(width), ellipsis)
}
