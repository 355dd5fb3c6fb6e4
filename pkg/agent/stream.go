package agent

import (
	"context"
	"sync"
)

const defaultEventBuffer = 16

// Stream is a finite sequence of events produced by one run. Consumers range
// over Events until it is closed; Close releases the producer early and
// cancels the run.
type Stream struct {
	events chan Event
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
}

// NewStream starts produce in its own goroutine and returns the stream it
// feeds. emit reports false once the consumer has closed the stream. The
// events channel is closed when produce returns.
func NewStream(ctx context.Context, buffer int, produce func(ctx context.Context, emit func(Event) bool)) *Stream {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go func() {
		defer close(s.events)
		defer cancel()
		produce(ctx, s.emit)
	}()
	return s
}

// Events returns the receive side of the stream.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Close cancels the run and stops delivery. Safe to call more than once.
func (s *Stream) Close() {
	s.once.Do(func() {
		s.cancel()
		close(s.done)
	})
}

func (s *Stream) emit(ev Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Collect drains the stream and returns every event in order.
func Collect(s *Stream) []Event {
	defer s.Close()
	var out []Event
	for ev := range s.Events() {
		out = append(out, ev)
	}
	return out
}
