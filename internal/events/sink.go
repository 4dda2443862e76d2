package events

import "context"

// Sink receives events as a run produces them. Implementations must be
// safe for a single producer goroutine calling Emit sequentially; they may
// fan out to multiple consumers internally.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// NopSink discards every event. Useful for runs started without a
// subscriber (e.g. background worker turns with no attached UI).
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) {}

// ChanSink forwards events onto a channel, dropping them if the channel is
// full rather than blocking the run. Used for the SSE handler, where the
// HTTP response writer is the real consumer.
type ChanSink struct {
	ch chan Event
}

// NewChanSink creates a ChanSink with the given buffer size.
func NewChanSink(buffer int) *ChanSink {
	if buffer <= 0 {
		buffer = 16
	}
	return &ChanSink{ch: make(chan Event, buffer)}
}

func (s *ChanSink) Emit(ctx context.Context, e Event) {
	select {
	case s.ch <- e:
	case <-ctx.Done():
	default:
		// Channel full: drop rather than block the producing goroutine.
	}
}

// Events returns the channel events are delivered on. Callers should range
// over it until it is closed by Close.
func (s *ChanSink) Events() <-chan Event {
	return s.ch
}

// Close closes the underlying channel. Must be called exactly once, after
// the producer has stopped emitting.
func (s *ChanSink) Close() {
	close(s.ch)
}

// MultiSink fans a single event out to every member sink.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Emit(ctx context.Context, e Event) {
	for _, s := range m.sinks {
		s.Emit(ctx, e)
	}
}

// CallbackSink adapts a plain function into a Sink, for tests and for
// persistence hooks that just need to observe the stream.
type CallbackSink struct {
	Fn func(Event)
}

func (c CallbackSink) Emit(_ context.Context, e Event) {
	if c.Fn != nil {
		c.Fn(e)
	}
}
