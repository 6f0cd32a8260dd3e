package internal

import "sync"

// SignalQueue coalesces Schedule calls into batches, handing each batch to
// sink in one call. A dedicated goroutine runs each flush, so a flush
// never runs on the caller's own goroutine unless the caller explicitly
// asks for that via Batch. See DESIGN.md for the tradeoff this makes
// against exact same-tick batching for bare sequential Schedule calls.
type SignalQueue[Sig any] struct {
	mu       sync.Mutex
	pending  []Sig
	batching int
	flushing bool
	sink     func([]Sig)
}

// NewSignalQueue creates a queue that hands each flushed batch to sink.
func NewSignalQueue[Sig any](sink func([]Sig)) *SignalQueue[Sig] {
	return &SignalQueue[Sig]{sink: sink}
}

// Schedule enqueues sig. If no flush is pending and no Batch is open, a
// flush is kicked off on its own goroutine. A signal scheduled while a sink
// invocation is in flight joins the next batch, never the current one,
// because pending is swapped out before sink runs.
func (q *SignalQueue[Sig]) Schedule(sig Sig) {
	q.mu.Lock()
	q.pending = append(q.pending, sig)
	shouldFlush := q.batching == 0 && !q.flushing
	if shouldFlush {
		q.flushing = true
	}
	q.mu.Unlock()

	if shouldFlush {
		go q.flush()
	}
}

// flush hands pending to sink batch by batch until nothing is left. flushing
// stays set while sink runs, so a signal scheduled meanwhile is picked up by
// this loop as the next batch rather than by a second, overlapping flush.
// The loop stops while a Batch is open; that Batch flushes when it closes.
func (q *SignalQueue[Sig]) flush() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 || q.batching > 0 {
			q.flushing = false
			q.mu.Unlock()
			return
		}
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()

		q.sink(batch)
	}
}

// Batch defers flushing until fn returns, then flushes once, synchronously,
// for every Schedule call fn made (directly or through nested Batch calls).
// This is the queue's hard guarantee for callers that need several
// dispatches to land in the same batch.
func (q *SignalQueue[Sig]) Batch(fn func()) {
	q.mu.Lock()
	q.batching++
	q.mu.Unlock()

	fn()

	q.mu.Lock()
	q.batching--
	shouldFlush := q.batching == 0 && len(q.pending) > 0 && !q.flushing
	if shouldFlush {
		q.flushing = true
	}
	q.mu.Unlock()

	if shouldFlush {
		q.flush()
	}
}
