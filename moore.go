// Package moore implements a generic asynchronous Moore-style state machine
// paired with an effect reconciliation engine. Callers fold a stream of
// signals through a pure transition into an immutable state, and declare
// the side effects that should be running at any given state through a
// pure effectsAt function; the engine starts, cancels, and resumes those
// effects as state changes so that transient work (I/O, timers, external
// calls) stays convergent with whatever the current state says should be
// happening.
package moore

import (
	"github.com/agentrt/moore/internal"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Key identifies an effect across states; the sole criterion effectsAt
// uses to decide whether an effect is new, stable, or gone.
type Key = internal.Key

// EffectEntry is one (key, descriptor) pair returned by an EffectsAt
// function.
type EffectEntry[D any] = internal.EffectEntry[D]

// Transition folds a signal into a state. Must be pure.
type Transition[S any, Sig any] = internal.Transition[S, Sig]

// EffectsAt computes the set of effects that should be running in state s.
// Must be pure; called at most once per observed state.
type EffectsAt[S any, D any] = internal.EffectsAt[S, D]

// StartFunc begins an effect's work, given the guarded dispatch bound to
// this running instance. The returned channel carries the effect's single
// settlement (nil or an error), then may be closed.
type StartFunc[Sig any] = internal.StartFunc[Sig]

// RunEffect builds the start/cancel pair for a newly-desired effect.
type RunEffect[S any, D any, Sig any] = internal.RunEffect[S, D, Sig]

// Status is the effect controller's lifecycle state.
type Status = internal.Status

const (
	StatusStopped = internal.StatusStopped
	StatusRunning = internal.StatusRunning
	StatusBraking = internal.StatusBraking
)

// EventKind tags the four event shapes a Machine subscriber observes.
type EventKind = internal.EventKind

const (
	SignalReceived  = internal.SignalReceived
	StateUpdated    = internal.StateUpdated
	EffectStarted   = internal.EffectStarted
	EffectCancelled = internal.EffectCancelled
)

// Event is the single multiplexed event type a Machine subscriber
// receives. Exactly one of Signal/State/(Key,Descriptor) is meaningful,
// selected by Kind.
type Event[S any, Sig any, D any] = internal.Event[S, Sig, D]

// Config is the constructor input for a Machine: the three pure functions
// plus the effect runner.
type Config[S any, Sig any, D any] struct {
	Initial    func() S
	Transition Transition[S, Sig]
	EffectsAt  EffectsAt[S, D]
	RunEffect  RunEffect[S, D, Sig]

	// OnError receives every error the core doesn't propagate synchronously
	// to a caller. Optional; nil logs and drops.
	OnError ErrorSink
}

// Machine composes an Automaton and an EffectController behind a single
// external API: Dispatch, Subscribe, GetState.
type Machine[S any, Sig any, D any] struct {
	automaton  *internal.Automaton[S, Sig]
	controller *internal.EffectController[S, Sig, D]
	events     *internal.EventStream[S, Sig, D]
}

// NewMachine constructs and starts a Machine. The effect controller begins
// reconciling against the initial state immediately, but that first
// reconciliation runs on its own goroutine, so a caller that calls
// Subscribe right after NewMachine still observes the effect-started
// events for effectsAt(initial()).
func NewMachine[S any, Sig any, D any](cfg Config[S, Sig, D]) *Machine[S, Sig, D] {
	events := internal.NewEventStream[S, Sig, D]()

	m := &Machine[S, Sig, D]{events: events}

	initial := cfg.Initial()

	onError := cfg.OnError
	if onError == nil {
		log := logrus.WithField("component", "machine")
		onError = func(ce *Error) { log.WithError(ce.Err).Warn(ce.Kind.String()) }
	}

	m.automaton = internal.NewAutomaton[S, Sig](
		initial,
		cfg.Transition,
		func(sig Sig) {
			if err := events.EmitSignalReceived(sig); err != nil {
				onError(&Error{Kind: SubscriberFailure, Err: errors.Wrap(err, "signal-received subscriber failed")})
			}
		},
		onError,
	)

	// Bridge the automaton's plain state publish into the event stream's
	// state-updated tag; done here rather than inside Automaton so the
	// core component has no notion of the facade's event multiplexing.
	m.automaton.States().Subscribe(func(s S) {
		if err := events.EmitStateUpdated(s); err != nil {
			onError(&Error{Kind: SubscriberFailure, Err: errors.Wrap(err, "state-updated subscriber failed")})
		}
	})

	m.controller = internal.NewEffectController[S, Sig, D](
		cfg.EffectsAt,
		cfg.RunEffect,
		m.automaton.Dispatch,
		onError,
		func(key Key, d D) {
			if err := events.EmitEffectStarted(key, d); err != nil {
				onError(&Error{Kind: SubscriberFailure, Err: errors.Wrap(err, "effect-started subscriber failed")})
			}
		},
		func(key Key, d D) {
			if err := events.EmitEffectCancelled(key, d); err != nil {
				onError(&Error{Kind: SubscriberFailure, Err: errors.Wrap(err, "effect-cancelled subscriber failed")})
			}
		},
	)

	m.controller.Start(m.automaton.States(), initial)

	return m
}

// Dispatch enqueues sig for application on a future flush. Never blocks.
func (m *Machine[S, Sig, D]) Dispatch(sig Sig) {
	m.automaton.Dispatch(sig)
}

// Batch defers flushing until fn returns, so every Dispatch call fn makes
// lands in the same flush: the hard guarantee for callers who need several
// dispatches to commit together.
func (m *Machine[S, Sig, D]) Batch(fn func()) {
	m.automaton.Batch(fn)
}

// GetState returns a synchronous snapshot of the current state.
func (m *Machine[S, Sig, D]) GetState() S {
	return m.automaton.GetState()
}

// Subscribe registers handler on the multiplexed event stream and returns
// an unsubscribe function. Event order within one reconciliation is
// signal-received, state-updated, effect-cancelled (previous running-map
// order), then effect-started (desired order).
func (m *Machine[S, Sig, D]) Subscribe(handler func(Event[S, Sig, D])) func() {
	return m.events.Subscribe(handler)
}

// ControllerStatus reports the effect controller's lifecycle state.
func (m *Machine[S, Sig, D]) ControllerStatus() Status {
	return m.controller.Status()
}

// WaitIdle blocks until every effect started so far has settled. Useful in
// tests observing convergence or braking deterministically.
func (m *Machine[S, Sig, D]) WaitIdle() {
	m.controller.WaitIdle()
}

// Close stops the machine: the effect controller cancels every running
// effect synchronously (force=true) and stops reconciling. A destroyed
// Machine must not be used again.
func (m *Machine[S, Sig, D]) Close() {
	m.controller.Stop(true)
}

// Stop transitions the effect controller out of running without
// necessarily cancelling in-flight effects. force=false ("braking") lets
// running effects finish naturally; force=true cancels them synchronously.
// Either way no further states are reconciled afterward.
func (m *Machine[S, Sig, D]) Stop(force bool) {
	m.controller.Stop(force)
}

// RunOnce adapts a synchronous (fn() error) effect body into a StartFunc:
// fn runs on its own goroutine and its return value becomes the single
// settlement sent on the returned channel. The synchronous setup a caller
// does before calling RunOnce is the part before the first suspension; no
// wrapper type is needed beyond this helper.
func RunOnce[Sig any](fn func(dispatch func(Sig)) error) StartFunc[Sig] {
	return func(dispatch func(Sig)) <-chan error {
		done := make(chan error, 1)
		go func() {
			done <- fn(dispatch)
			close(done)
		}()
		return done
	}
}

// MooreConfig is the input to the Moore convenience constructor: a pure
// output function of state alone (conceptually an effectsAt whose keys
// come from the output's own shape) stands in for a full EffectsAt/
// RunEffect pair for declarative, subscription-style uses where "effect"
// just means "keep calling Output with the latest projected value".
type MooreConfig[S any, Sig any, V any] struct {
	Initial    func() S
	Transition Transition[S, Sig]
	Output     func(s S) map[Key]V
	Observe    func(key Key, v V)
	// OnError receives subscriber/transition failures; see Config.OnError.
	OnError ErrorSink
}

// outputDescriptor carries an Output value through effectsAt/runEffect;
// the "effect" it runs is simply invoking Observe once with that value and
// immediately settling, so it behaves like a keyed subscription rather
// than a long-running task.
type outputDescriptor[V any] struct{ value V }

// NewMoore adapts a Moore output function into a Machine. Each observation
// settles as soon as Observe returns and is then dropped from the running
// set, so Observe is called with a key's value on every reconciled state
// that contains the key, except while an earlier Observe call for that key
// has not yet finished. Keys that disappear simply stop being observed (no
// explicit cancel action, since observation has no ongoing resource).
func NewMoore[S any, Sig any, V any](cfg MooreConfig[S, Sig, V]) *Machine[S, Sig, outputDescriptor[V]] {
	return NewMachine[S, Sig, outputDescriptor[V]](Config[S, Sig, outputDescriptor[V]]{
		Initial:    cfg.Initial,
		Transition: cfg.Transition,
		EffectsAt: func(s S) ([]EffectEntry[outputDescriptor[V]], error) {
			out := cfg.Output(s)
			entries := make([]EffectEntry[outputDescriptor[V]], 0, len(out))
			for k, v := range out {
				entries = append(entries, EffectEntry[outputDescriptor[V]]{Key: k, Descriptor: outputDescriptor[V]{value: v}})
			}
			return entries, nil
		},
		RunEffect: func(d outputDescriptor[V], _ S, key Key) (StartFunc[Sig], func()) {
			return RunOnce(func(func(Sig)) error {
				if cfg.Observe != nil {
					cfg.Observe(key, d.value)
				}
				return nil
			}), func() {}
		},
		OnError: cfg.OnError,
	})
}
