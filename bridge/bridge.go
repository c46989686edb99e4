// Package bridge carries transcript events from the echo endpoint to the
// host program. The endpoint never talks to the host directly: it emits
// events into a Bus, and the host decides what to attach on the other
// side (a terminal log, a websocket monitor, a test collector).
package bridge

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"echobridge.dev/event"
)

type Sink interface {
	// Name returns the sink name to use for logging.
	Name() string

	// HandleEvent is called for every event admitted by the bus.
	HandleEvent(*event.Event)

	// Done returns a channel that's closed by the sink when it no longer
	// wants to handle events.
	Done() <-chan struct{}
}

type Bus struct {
	mu         sync.RWMutex
	links      []*Link
	filter     func(*event.Event) bool
	dispatchMu sync.Mutex
}

func NewBus() *Bus {
	return new(Bus)
}

func (b *Bus) list() []*Link {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*Link{}, b.links...)
}

func (b *Bus) add(l *Link) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.links = append(b.links, l)
}

func (b *Bus) remove(l *Link) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < len(b.links); i++ {
		if b.links[i] == l {
			b.links = append(b.links[:i], b.links[i+1:]...)
			return
		}
	}
}

// SetFilter installs fn as the bus filter. Events for which fn returns
// false are dropped before dispatch. A nil fn admits every event.
func (b *Bus) SetFilter(fn func(*event.Event) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filter = fn
}

func (b *Bus) Connect(s Sink, opts ...Option) *Link {
	options := new(options)
	for _, opt := range opts {
		opt(options)
	}

	if options.bufferSize == 0 {
		options.bufferSize = 64
	}
	if options.bufferSize > 0 {
		s = newBufferedSink(s, options.bufferSize)
	}

	l := new(Link)
	l.sink = s
	l.onClose = func() { b.remove(l) }
	l.closed = make(chan struct{})
	b.add(l)
	return l
}

// Emit sends an event to all connected sinks. It blocks until every sink
// finishes handling the event, so sinks that can stall should be connected
// with a buffer. It is safe to call concurrently from multiple goroutines
// if you don't care about the order in which events are serialized.
func (b *Bus) Emit(ev *event.Event) {
	b.mu.RLock()
	filter := b.filter
	b.mu.RUnlock()
	if filter != nil && !filter(ev) {
		return
	}

	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	var wg sync.WaitGroup
	for _, l := range b.list() {
		wg.Add(1)
		go func(l *Link) {
			defer wg.Done()
			l.dispatch(ev)
		}(l)
	}
	wg.Wait()
}

// Note stamps a new event from the template, tags it with the transcript
// kind and the given key value pairs, and emits it.
func (b *Bus) Note(tmpl *event.Event, kind string, msg string, tags ...string) {
	ev := event.New()
	ev.CopyFrom(tmpl)
	ev.Set("kind", kind)
	for i := 0; i+1 < len(tags); i += 2 {
		ev.Set(tags[i], tags[i+1])
	}
	ev.Set("msg", msg)
	b.Emit(ev)
}

type options struct {
	bufferSize int
}

type Option func(*options)

// WithBufferSize defines the buffer size used to connect a sink to a bus.
// If size is -1, the sink is unbuffered. The default size is 64.
//
// Bus dispatch waits for the slowest sink, so a buffer keeps one stalled
// sink from holding up the socket loop. When the buffer fills up, new
// events are dropped for that sink rather than blocking the sender.
func WithBufferSize(size int) Option {
	return func(opts *options) {
		opts.bufferSize = size
	}
}

// Link is a sink attached to a bus.
type Link struct {
	sink     Sink
	onClose  func()
	inflight sync.WaitGroup
	closing  atomic.Bool
	closed   chan struct{}
}

// Close detaches the sink from the bus immediately. If the most recent
// event handler is still running, it blocks until it finishes.
func (l *Link) Close() error {
	if !l.closing.CompareAndSwap(false, true) {
		<-l.closed
		return nil
	}

	l.onClose()
	l.inflight.Wait()
	close(l.closed)
	return nil
}

func (l *Link) dispatch(ev *event.Event) {
	l.inflight.Add(1)
	defer l.inflight.Done()
	if !l.closing.Load() {
		l.sink.HandleEvent(ev)
	}
}

type bufferedSink struct {
	sink Sink
	done chan struct{}
	buf  chan *event.Event
	wg   sync.WaitGroup
}

var _ Sink = &bufferedSink{}

func newBufferedSink(sink Sink, size int) *bufferedSink {
	s := &bufferedSink{
		sink: sink,
		done: make(chan struct{}),
		buf:  make(chan *event.Event, size),
	}

	done := s.sink.Done()
	go func() {
		<-done
		close(s.done)
		s.wg.Wait()
	}()

	go func() {
		for {
			select {
			case <-done:
				for {
					select {
					case <-s.buf:
						s.wg.Done()
					default:
						return
					}
				}
			case ev := <-s.buf:
				s.sink.HandleEvent(ev)
				s.wg.Done()
			}
		}
	}()
	return s
}

func (s *bufferedSink) Name() string {
	return s.sink.Name() + "[buf]"
}

func (s *bufferedSink) HandleEvent(ev *event.Event) {
	select {
	case <-s.done:
	default:
		s.wg.Add(1)
		select {
		case s.buf <- ev:
		default:
			s.wg.Done()
		}
	}
}

func (s *bufferedSink) Done() <-chan struct{} {
	return s.done
}

// LogSink renders every event as a line on the process log. It is the
// default sink a command attaches so that the session transcript shows up
// on the terminal.
type LogSink struct{}

var _ Sink = &LogSink{}

var logSinkDone = make(chan struct{})

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) HandleEvent(ev *event.Event) {
	slog.Info(ev.Get("msg"), "kind", ev.Get("kind"), "session", ev.Get("session"))
}

func (s *LogSink) Done() <-chan struct{} { return logSinkDone }
