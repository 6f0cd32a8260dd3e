package internal

import (
	"fmt"
	"sync/atomic"

	"github.com/petermattis/goid"
)

// Affinity asserts that no state or running-effect-map entry is ever read
// or written concurrently: each flush or reconciliation pass may
// legitimately run on a fresh goroutine, but two passes must never
// overlap.
//
// Enter/Exit bracket a critical section; Enter panics if another goroutine
// is already inside, which would indicate a locking bug in Automaton or
// EffectController rather than anything a caller did wrong.
type Affinity struct {
	busy      atomic.Bool
	holder    atomic.Int64
}

// NewAffinity returns an unentered affinity guard.
func NewAffinity() *Affinity {
	return &Affinity{}
}

// Enter marks the guard busy for the calling goroutine. Panics if another
// goroutine is already inside the section this guards.
func (a *Affinity) Enter() {
	if !a.busy.CompareAndSwap(false, true) {
		panic(fmt.Sprintf(
			"moore: single-logical-thread invariant violated: goroutine %d entered while %d is still inside",
			goid.Get(), a.holder.Load()))
	}
	a.holder.Store(goid.Get())
}

// Exit releases the guard.
func (a *Affinity) Exit() {
	a.holder.Store(0)
	a.busy.Store(false)
}
