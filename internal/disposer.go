package internal

import "sync"

// Disposer is a LIFO cleanup stack. It backs the SSE transport's
// per-connection teardown.
type Disposer struct {
	mu       sync.Mutex
	cleanups []func()
	disposed bool
}

// NewDisposer returns an empty disposer.
func NewDisposer() *Disposer {
	return &Disposer{}
}

// OnDispose registers fn to run (once) when Dispose is called. Registering
// after Dispose has already run invokes fn immediately, matching the
// expectation that resources acquired after teardown are cleaned up too.
func (d *Disposer) OnDispose(fn func()) {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		fn()
		return
	}
	d.cleanups = append(d.cleanups, fn)
	d.mu.Unlock()
}

// Dispose runs every registered cleanup in LIFO order. Safe to call more
// than once; later calls are no-ops.
func (d *Disposer) Dispose() {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return
	}
	d.disposed = true
	cleanups := d.cleanups
	d.cleanups = nil
	d.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
}
