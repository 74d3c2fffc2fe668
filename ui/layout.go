package ui

import (
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	runewidth "github.com/mattn/go-runewidth"
	"github.com/muesli/reflow/truncate"
)

const placeholderWord = "·"

// layout wraps the words of a chunk into lines of at most width cells.
type layout struct {
	words  []string
	lines  [][]int // word indexes per line
	lineOf []int
	width  int
}

func newLayout(words []string, width int) layout {
	l := layout{words: words, width: width, lineOf: make([]int, len(words))}
	if width <= 0 {
		width = 1
	}

	var line []int
	used := 0
	for i, w := range words {
		cells := runewidth.StringWidth(w)
		if len(line) > 0 && used+1+cells > width {
			l.lines = append(l.lines, line)
			line = nil
			used = 0
		}
		if len(line) > 0 {
			used++
		}
		used += cells
		line = append(line, i)
		l.lineOf[i] = len(l.lines)
	}
	if len(line) > 0 {
		l.lines = append(l.lines, line)
	}
	return l
}

// render draws the lines, styling the highlighted word.
func (l layout) render(highlight int) string {
	var b strings.Builder
	for n, line := range l.lines {
		if n > 0 {
			b.WriteByte('\n')
		}
		for j, i := range line {
			if j > 0 {
				b.WriteByte(' ')
			}
			w := l.words[i]
			if l.width > 0 && runewidth.StringWidth(w) > l.width {
				w = truncate.StringWithTail(w, uint(l.width), ellipsis)
			}
			if i == highlight {
				b.WriteString(highlightStyle.Render(w))
			} else {
				b.WriteString(wordStyle.Render(w))
			}
		}
	}
	return b.String()
}

// pane is the scrollable chunk text. It implements scroll.Viewport and is
// shared by pointer so the scroll controller and the model see the same
// viewport.
type pane struct {
	vp     viewport.Model
	layout layout
}

func newPane() *pane {
	return &pane{vp: viewport.New(0, 0)}
}

func (p *pane) setWords(words []string) {
	p.layout = newLayout(words, p.vp.Width)
}

func (p *pane) setSize(w, h int) {
	p.vp.Width = w
	p.vp.Height = h
	p.layout = newLayout(p.layout.words, w)
}

func (p *pane) refresh(highlight int) {
	p.vp.SetContent(p.layout.render(highlight))
}

func (p *pane) Height() int { return p.vp.Height }

func (p *pane) Offset() int { return p.vp.YOffset }

func (p *pane) ScrollTo(line int) { p.vp.SetYOffset(line) }

func (p *pane) LineOf(word int) (int, bool) {
	if word < 0 || word >= len(p.layout.lineOf) {
		return 0, false
	}
	return p.layout.lineOf[word], true
}
