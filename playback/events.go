package playback

import (
	"sync"

	"github.com/charmbracelet/log"
)

// EventType identifies a queued listener event.
type EventType int

const (
	EventHighlight EventType = iota
	EventBuffering
	EventEnded
	EventState
	EventChunk
)

// Event is one queued listener notification.
type Event struct {
	Type      EventType
	Highlight Highlight
	Buffering bool
	From, To  StateType
	Err       error
	Chunk     *AudioChunk
}

// Emitter delivers events to listeners in the order they were queued, on a
// dedicated goroutine, so producers can queue while holding their own
// locks without risking re-entrant deadlocks.
type Emitter struct {
	mu        sync.Mutex
	cond      *sync.Cond
	queue     []Event
	listeners []Listener
	closed    bool
	busy      bool
	done      chan struct{}
	logger    *log.Logger
}

// NewEmitter starts an emitter.
func NewEmitter(logger *log.Logger) *Emitter {
	if logger == nil {
		logger = log.Default()
	}
	e := &Emitter{
		done:   make(chan struct{}),
		logger: logger,
	}
	e.cond = sync.NewCond(&e.mu)
	go e.run()
	return e
}

// Subscribe adds a listener.
func (e *Emitter) Subscribe(l Listener) {
	if l == nil {
		return
	}
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()
}

// Emit queues an event. It never blocks on listeners.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.queue = append(e.queue, ev)
	e.cond.Broadcast()
}

// Flush blocks until every event queued so far has been delivered.
func (e *Emitter) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for (len(e.queue) > 0 || e.busy) && !e.closed {
		e.cond.Wait()
	}
}

// Close stops the emitter after draining queued events.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.cond.Broadcast()
	e.mu.Unlock()
	<-e.done
}

func (e *Emitter) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.queue) == 0 && e.closed {
			e.mu.Unlock()
			return
		}
		batch := e.queue
		e.queue = nil
		listeners := append([]Listener(nil), e.listeners...)
		e.busy = true
		e.mu.Unlock()

		for _, ev := range batch {
			for _, l := range listeners {
				e.deliver(l, ev)
			}
		}

		e.mu.Lock()
		e.busy = false
		e.cond.Broadcast()
		e.mu.Unlock()
	}
}

// deliver calls one listener, recovering from listener panics.
func (e *Emitter) deliver(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("listener panicked", "event", ev.Type, "panic", r)
		}
	}()

	switch ev.Type {
	case EventHighlight:
		l.OnHighlightChange(ev.Highlight)
	case EventBuffering:
		l.OnBufferingStateChange(ev.Buffering)
	case EventEnded:
		l.OnPlaybackEnded()
	case EventState:
		if sl, ok := l.(StateListener); ok {
			sl.OnStateChange(ev.From, ev.To, ev.Err)
		}
	case EventChunk:
		if cl, ok := l.(ChunkListener); ok {
			cl.OnChunkChange(ev.Chunk)
		}
	}
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Highlight func(Highlight)
	Buffering func(bool)
	Ended     func()
	State     func(from, to StateType, err error)
	Chunk     func(*AudioChunk)
}

// OnHighlightChange implements Listener.
func (f ListenerFuncs) OnHighlightChange(h Highlight) {
	if f.Highlight != nil {
		f.Highlight(h)
	}
}

// OnBufferingStateChange implements Listener.
func (f ListenerFuncs) OnBufferingStateChange(b bool) {
	if f.Buffering != nil {
		f.Buffering(b)
	}
}

// OnPlaybackEnded implements Listener.
func (f ListenerFuncs) OnPlaybackEnded() {
	if f.Ended != nil {
		f.Ended()
	}
}

// OnStateChange implements StateListener.
func (f ListenerFuncs) OnStateChange(from, to StateType, err error) {
	if f.State != nil {
		f.State(from, to, err)
	}
}

// OnChunkChange implements ChunkListener.
func (f ListenerFuncs) OnChunkChange(c *AudioChunk) {
	if f.Chunk != nil {
		f.Chunk(c)
	}
}
