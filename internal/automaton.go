package internal

import (
	"sync"

	"github.com/pkg/errors"
)

// Transition folds a signal into a state. It must be pure: same (sig, s) in,
// same new state out, no side effects, no captured mutable outer state.
type Transition[S any, Sig any] func(sig Sig, s S) (S, error)

// Update pairs a state with the signal that produced it, published on the
// update stream after the signal that produced it.
type Update[S any, Sig any] struct {
	Signal Sig
	State  S
}

// Automaton holds the current state and applies Transition on every
// flushed batch of signals, in order, publishing the new state on both the
// update stream and the state stream after each one is committed.
type Automaton[S any, Sig any] struct {
	mu         sync.RWMutex
	state      S
	transition Transition[S, Sig]

	queue   *SignalQueue[Sig]
	updates *PubSub[Update[S, Sig]]
	states  *PubSub[S]

	onSignal func(Sig) // invoked immediately before a signal is applied
	onError  func(*CoreError)

	affinity *Affinity
}

// NewAutomaton constructs an automaton seeded with initial. onSignal, if
// non-nil, is invoked synchronously right before each signal is applied;
// it is the hook the owning facade uses to emit its signal-received event
// ahead of state-updated.
func NewAutomaton[S any, Sig any](
	initial S,
	transition Transition[S, Sig],
	onSignal func(Sig),
	onError func(*CoreError),
) *Automaton[S, Sig] {
	a := &Automaton[S, Sig]{
		state:      initial,
		transition: transition,
		updates:    NewPubSub[Update[S, Sig]](),
		states:     NewPubSub[S](),
		onSignal:   onSignal,
		onError:    onError,
		affinity:   NewAffinity(),
	}
	a.queue = NewSignalQueue[Sig](a.flushBatch)
	return a
}

// Dispatch enqueues sig for application on a future flush. Never blocks.
func (a *Automaton[S, Sig]) Dispatch(sig Sig) {
	a.queue.Schedule(sig)
}

// Batch defers flushing until fn returns, guaranteeing every Dispatch call
// fn makes lands in the same flush.
func (a *Automaton[S, Sig]) Batch(fn func()) {
	a.queue.Batch(fn)
}

// GetState returns a synchronous snapshot of the current state.
func (a *Automaton[S, Sig]) GetState() S {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// States returns the pubsub every committed state is published on,
// unseeded. Callers needing the seeded pull-stream variant should wrap
// this with NewStream and a seed of GetState().
func (a *Automaton[S, Sig]) States() *PubSub[S] { return a.states }

// Updates returns the pubsub every (signal, new state) pair is published
// on after that signal is applied.
func (a *Automaton[S, Sig]) Updates() *PubSub[Update[S, Sig]] { return a.updates }

func (a *Automaton[S, Sig]) flushBatch(batch []Sig) {
	a.affinity.Enter()
	defer a.affinity.Exit()

	for _, sig := range batch {
		a.applyOne(sig)
	}
}

func (a *Automaton[S, Sig]) applyOne(sig Sig) {
	if a.onSignal != nil {
		a.onSignal(sig)
	}

	a.mu.Lock()
	current := a.state
	next, err := a.transition(sig, current)
	if err != nil {
		a.mu.Unlock()
		a.reportError(TransitionFailure, errors.Wrap(err, "transition failed"))
		return
	}
	a.state = next
	a.mu.Unlock()

	// signal-received has already fired via onSignal; state-updated is
	// this publish pair, published to updates then states in that order.
	if err := a.updates.Publish(Update[S, Sig]{Signal: sig, State: next}); err != nil {
		a.reportError(SubscriberFailure, errors.Wrap(err, "update subscriber failed"))
	}
	if err := a.states.Publish(next); err != nil {
		a.reportError(SubscriberFailure, errors.Wrap(err, "state subscriber failed"))
	}
}

func (a *Automaton[S, Sig]) reportError(kind ErrorKind, err error) {
	if a.onError == nil {
		return
	}
	a.onError(&CoreError{Kind: kind, Err: err})
}
