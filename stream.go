package driftkit

import (
	"context"
	"sync"
)

// StreamEvent is one unit of streamed model output. Delta carries incremental
// text; the final event has Done set and, when the round trip succeeded, the
// assembled Response.
type StreamEvent struct {
	Delta    string
	Done     bool
	Response *ModelResponse
	Err      error
}

// StreamProducer generates events for a Stream. It must call emit for each
// event and return when the stream is exhausted or ctx is cancelled. The
// terminal Done event is appended by the stream itself if the producer did
// not emit one.
type StreamProducer func(ctx context.Context, emit func(StreamEvent))

// Stream is a cold, replayable event stream. The producer does not run until
// the first Subscribe call; late subscribers receive all prior events before
// live ones. Cancel stops the producer via its context.
type Stream struct {
	mu      sync.Mutex
	cond    *sync.Cond
	produce StreamProducer
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	closed  bool
	events  []StreamEvent
}

// NewStream creates a cold stream over the given producer. The producer runs
// in its own goroutine once the first subscriber attaches, with a context
// derived from ctx.
func NewStream(ctx context.Context, produce StreamProducer) *Stream {
	sctx, cancel := context.WithCancel(ctx)
	s := &Stream{produce: produce, ctx: sctx, cancel: cancel}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// errorStream returns an already-terminated stream carrying err.
func errorStream(err error) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &Stream{
		ctx:    ctx,
		cancel: cancel,
		closed: true,
		events: []StreamEvent{{Done: true, Err: err}},
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Subscribe attaches a consumer. The first call starts the producer. The
// returned channel replays all events emitted so far, then delivers live
// events, and is closed after the terminal Done event. Each subscriber reads
// at its own pace; a slow subscriber never blocks the producer.
func (s *Stream) Subscribe() <-chan StreamEvent {
	s.mu.Lock()
	start := !s.started && !s.closed
	s.started = true
	s.mu.Unlock()

	if start {
		go s.run()
	}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		for i := 0; ; i++ {
			s.mu.Lock()
			for i >= len(s.events) && !s.closed {
				s.cond.Wait()
			}
			if i >= len(s.events) {
				s.mu.Unlock()
				return
			}
			ev := s.events[i]
			s.mu.Unlock()
			ch <- ev
			if ev.Done {
				return
			}
		}
	}()
	return ch
}

// Cancel stops the producer. Subscribers receive a terminal event carrying
// the stream context's error if the producer had not already finished.
func (s *Stream) Cancel() {
	s.cancel()
}

func (s *Stream) run() {
	s.produce(s.ctx, s.emit)

	final := StreamEvent{Done: true, Err: s.ctx.Err()}

	s.mu.Lock()
	// The producer may have emitted its own terminal event.
	if !s.closed {
		s.events = append(s.events, final)
		s.closed = true
		s.cond.Broadcast()
	}
	s.mu.Unlock()
	s.cancel()
}

func (s *Stream) emit(ev StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events = append(s.events, ev)
	if ev.Done {
		s.closed = true
	}
	s.cond.Broadcast()
}

// Collect subscribes and drains the stream, concatenating deltas. Returns the
// final response when the producer supplied one.
func (s *Stream) Collect() (string, *ModelResponse, error) {
	var text []byte
	var resp *ModelResponse
	for ev := range s.Subscribe() {
		text = append(text, ev.Delta...)
		if ev.Response != nil {
			resp = ev.Response
		}
		if ev.Err != nil {
			return string(text), resp, ev.Err
		}
	}
	return string(text), resp, nil
}
