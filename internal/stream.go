package internal

import (
	"context"
	"runtime"
	"sync"
)

// Stream is a lazy pull-stream built on top of a PubSub. Consumers receive
// the seed value first (if one was supplied), then every subsequently
// published value. At most one pending value is buffered per consumer; a
// publish that arrives while the consumer hasn't drained the previous one
// overwrites it rather than queuing.
type Stream[T any] struct {
	mu     sync.Mutex
	buf    *T
	notify chan struct{}
	closed bool
	unsub  func()
}

// NewStream subscribes to ps and returns a pull-stream. If seed is non-nil,
// its pointee is delivered to the first call to Next before anything
// published after construction.
func NewStream[T any](ps *PubSub[T], seed *T) *Stream[T] {
	s := &Stream[T]{notify: make(chan struct{}, 1)}

	if seed != nil {
		v := *seed
		s.buf = &v
		s.wake()
	}

	_, unsub := ps.Subscribe(s.onPublish)
	s.unsub = unsub

	runtime.SetFinalizer(s, func(s *Stream[T]) { s.Close() })

	return s
}

func (s *Stream[T]) onPublish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	val := v
	s.buf = &val
	s.wake()
}

func (s *Stream[T]) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a value is available, the stream is closed, or ctx is
// done. The bool result is false only once the stream has no more values to
// deliver (closed with nothing buffered, or ctx cancellation).
func (s *Stream[T]) Next(ctx context.Context) (T, bool) {
	for {
		s.mu.Lock()
		if s.buf != nil {
			v := *s.buf
			s.buf = nil
			s.mu.Unlock()
			return v, true
		}
		if s.closed {
			s.mu.Unlock()
			var zero T
			return zero, false
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
			continue
		case <-ctx.Done():
			var zero T
			return zero, false
		}
	}
}

// Close unsubscribes the stream. Safe to call more than once, and safe to
// never call explicitly: an abandoned stream is closed by its finalizer.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.unsub()
	s.wake()

	runtime.SetFinalizer(s, nil)
}
