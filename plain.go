package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/muesli/termenv"

	"github.com/bookbridge/readalong/playback"
	"github.com/bookbridge/readalong/playback/session"
)

// plainPrinter writes each highlighted word as it is spoken. It is used
// when stdout is not a terminal or --plain is set.
type plainPrinter struct {
	out *termenv.Output

	mu     sync.Mutex
	words  []string
	chunk  int
	column int
	err    error
	done   chan struct{}
	once   sync.Once
}

func newPlainPrinter(w io.Writer) *plainPrinter {
	return &plainPrinter{
		out:   termenv.NewOutput(w),
		chunk: -1,
		done:  make(chan struct{}),
	}
}

func (p *plainPrinter) finish(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *plainPrinter) OnChunkChange(c *playback.AudioChunk) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.column > 0 {
		fmt.Fprintln(p.out)
	}
	p.chunk = c.Key.Index
	p.column = 0
	p.words = make([]string, len(c.Words))
	for i, w := range c.Words {
		p.words[i] = w.Text
	}
	header := fmt.Sprintf("── %s %s · chunk %d ──", c.Key.BookID, c.Key.Level, c.Key.Index+1)
	fmt.Fprintln(p.out, p.out.String(header).Faint())
	if c.Words == nil {
		fmt.Fprintln(p.out, p.out.String("(no word timings, audio only)").Faint())
	}
}

func (p *plainPrinter) OnHighlightChange(h playback.Highlight) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h.Chunk != p.chunk || h.Word < 0 || h.Word >= len(p.words) {
		return
	}
	word := p.words[h.Word]
	if word == "" {
		return
	}
	if p.column > 0 {
		if p.column+1+len(word) > 72 {
			fmt.Fprintln(p.out)
			p.column = 0
		} else {
			fmt.Fprint(p.out, " ")
			p.column++
		}
	}
	fmt.Fprint(p.out, p.out.String(word).Bold())
	p.column += len(word)
}

func (p *plainPrinter) OnBufferingStateChange(bool) {}

func (p *plainPrinter) OnPlaybackEnded() {
	p.mu.Lock()
	if p.column > 0 {
		fmt.Fprintln(p.out)
		p.column = 0
	}
	p.mu.Unlock()
	p.finish(nil)
}

func (p *plainPrinter) OnStateChange(_, to playback.StateType, err error) {
	if to == playback.StateError {
		p.finish(err)
	}
}

func runPlain(ctx context.Context, sess *session.Controller, book playback.BookRef, start int, w io.Writer) error {
	p := newPlainPrinter(w)
	sess.Subscribe(p)

	if err := startAndPlay(ctx, sess, book, start); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return nil
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.err
	}
}
