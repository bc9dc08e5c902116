package envelope

import (
	"context"
	"sync"
	"time"
)

// DefaultCapacity is the bound on the per-request event channel. A slow
// consumer blocks producers (backpressure) rather than growing a buffer.
const DefaultCapacity = 64

// Stream is the bounded multi-producer single-consumer channel carrying one
// request's envelope. Sequence numbers are assigned at send so the consumer
// observes a total order.
type Stream struct {
	traceID string
	ch      chan Event

	mu     sync.Mutex
	seq    uint64
	closed bool
	done   bool // terminal event already sent
}

// NewStream creates a Stream with the given channel capacity (0 means
// DefaultCapacity).
func NewStream(traceID string, capacity int) *Stream {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Stream{
		traceID: traceID,
		ch:      make(chan Event, capacity),
	}
}

// Events returns the consumer side of the stream. The channel is closed
// after the terminal event has been sent and Close has been called.
func (s *Stream) Events() <-chan Event { return s.ch }

// Send stamps seq/trace/timestamp on the event and enqueues it, blocking for
// backpressure until the consumer drains or ctx is cancelled. Events sent
// after a terminal event are dropped silently: the envelope contract allows
// exactly one of done/error.
func (s *Stream) Send(ctx context.Context, e Event) error {
	s.mu.Lock()
	if s.closed || s.done {
		s.mu.Unlock()
		return nil
	}
	if e.Terminal() {
		s.done = true
	}
	s.seq++
	e.Seq = s.seq
	e.TraceID = s.traceID
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	s.mu.Unlock()

	select {
	case s.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend enqueues without blocking; it reports whether the event was
// accepted. Used for advisory events that may be dropped under backpressure.
func (s *Stream) TrySend(e Event) bool {
	s.mu.Lock()
	if s.closed || s.done {
		s.mu.Unlock()
		return false
	}
	s.seq++
	e.Seq = s.seq
	e.TraceID = s.traceID
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	s.mu.Unlock()

	select {
	case s.ch <- e:
		return true
	default:
		// Dropped; sequence numbers are monotonic, not dense.
		return false
	}
}

// Terminated reports whether a terminal event has been sent.
func (s *Stream) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Close closes the consumer channel. Call only after all producers have
// stopped sending.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
