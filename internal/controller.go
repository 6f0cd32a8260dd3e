package internal

import (
	"context"
	"sync"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Key identifies an effect across states. Two effects are "the same" iff
// their keys are equal; value equality is never used.
type Key = string

// EffectEntry is one entry of what effectsAt returns: a key and the
// descriptor that should be running under it. effectsAt returns a slice
// rather than a map so that a producer's duplicate keys survive long
// enough for the controller to detect and report them. A Go map literal
// would silently keep only the last duplicate, the opposite of the
// "keep first occurrence" contract, and map iteration order is
// randomized, which would break deterministic cancel/start ordering.
type EffectEntry[D any] struct {
	Key        Key
	Descriptor D
}

// EffectsAt is a pure function of state to the set of effects that should
// be running. It may fail (the entries couldn't be computed); it is never
// called more than once per observed state.
type EffectsAt[S any, D any] func(s S) ([]EffectEntry[D], error)

// StartFunc begins an effect's work. dispatch is the guarded dispatch
// bound to this running-effect entry. The returned channel carries the
// effect's single settlement: nil for success, non-nil for rejection, then
// is closed (or simply closed for a void success; both are accepted).
type StartFunc[Sig any] func(dispatch func(Sig)) <-chan error

// RunEffect builds the start/cancel pair for a newly-desired effect.
type RunEffect[S any, D any, Sig any] func(d D, s S, key Key) (StartFunc[Sig], func())

// Status is the effect controller's lifecycle state.
type Status int

const (
	StatusStopped Status = iota
	StatusRunning
	StatusBraking
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusBraking:
		return "braking"
	default:
		return "stopped"
	}
}

type runningEffect[D any, Sig any] struct {
	key        Key
	descriptor D
	cancel     func()
}

// EffectController reconciles the running-effect set against effectsAt on
// every observed state: cancels keys no longer desired, starts keys newly
// desired, and leaves keys present in both alone.
type EffectController[S any, Sig any, D any] struct {
	mu     sync.Mutex
	status Status

	running map[Key]*runningEffect[D, Sig]
	order   []Key // insertion order, for deterministic cancel/start iteration

	effectsAt EffectsAt[S, D]
	runEffect RunEffect[S, D, Sig]
	dispatch  func(Sig)

	onError     func(*CoreError)
	onStarted   func(key Key, d D)
	onCancelled func(key Key, d D)

	cancelSubscription context.CancelFunc
	brakeWG            sync.WaitGroup
	log                *logrus.Entry
	affinity           *Affinity
}

// NewEffectController builds a controller in the stopped state.
func NewEffectController[S any, Sig any, D any](
	effectsAt EffectsAt[S, D],
	runEffect RunEffect[S, D, Sig],
	dispatch func(Sig),
	onError func(*CoreError),
	onStarted func(Key, D),
	onCancelled func(Key, D),
) *EffectController[S, Sig, D] {
	return &EffectController[S, Sig, D]{
		running:     make(map[Key]*runningEffect[D, Sig]),
		effectsAt:   effectsAt,
		runEffect:   runEffect,
		dispatch:    dispatch,
		onError:     onError,
		onStarted:   onStarted,
		onCancelled: onCancelled,
		log:         logrus.WithField("component", "effect_controller"),
		affinity:    NewAffinity(),
	}
}

// Start subscribes to states and begins reconciling. Idempotent while
// already running. Reconciliation of the very first observed state runs on
// its own goroutine rather than synchronously inside Start, so a caller
// that subscribes to the event stream immediately after Start still
// observes the initial effect-started events, because nothing about them
// has happened yet when Start returns.
func (c *EffectController[S, Sig, D]) Start(states *PubSub[S], initial S) {
	c.mu.Lock()
	if c.status == StatusRunning {
		c.mu.Unlock()
		return
	}
	c.status = StatusRunning
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelSubscription = cancel
	c.mu.Unlock()

	stream := NewStream[S](states, &initial)
	go c.loop(ctx, stream)
}

func (c *EffectController[S, Sig, D]) loop(ctx context.Context, stream *Stream[S]) {
	defer stream.Close()
	for {
		state, ok := stream.Next(ctx)
		if !ok {
			return
		}
		c.reconcile(state)
	}
}

// Stop transitions the controller out of running. With force=true, every
// running effect is cancelled synchronously and the controller is
// immediately stopped. With force=false ("braking"), the state
// subscription ends immediately (no new reconciliation, no new effects)
// but running effects are left to finish on their own; the controller
// becomes stopped only once the last of them settles. States that arrive
// after a force=false Stop are simply dropped rather than erroring.
func (c *EffectController[S, Sig, D]) Stop(force bool) {
	c.mu.Lock()
	if c.status == StatusStopped {
		c.mu.Unlock()
		return
	}
	if c.cancelSubscription != nil {
		c.cancelSubscription()
		c.cancelSubscription = nil
	}

	if !force {
		if len(c.running) == 0 {
			c.status = StatusStopped
		} else {
			c.status = StatusBraking
		}
		c.mu.Unlock()
		return
	}

	keys := append([]Key(nil), c.order...)
	var cancelErrs []*CoreError
	for _, key := range keys {
		if err := c.cancelLocked(key); err != nil {
			k := key
			cancelErrs = append(cancelErrs, &CoreError{Kind: CancelFailure, Key: &k, Err: err})
		}
	}
	c.status = StatusStopped
	c.mu.Unlock()

	for _, ce := range cancelErrs {
		c.report(ce)
	}
}

// Status returns the controller's current lifecycle state.
func (c *EffectController[S, Sig, D]) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// WaitIdle blocks until every effect started so far has settled. Intended
// for tests observing braking or convergence deterministically rather than
// by polling.
func (c *EffectController[S, Sig, D]) WaitIdle() {
	c.brakeWG.Wait()
}

func (c *EffectController[S, Sig, D]) reconcile(state S) {
	c.affinity.Enter()
	defer c.affinity.Exit()

	c.mu.Lock()
	running := c.status == StatusRunning
	c.mu.Unlock()
	if !running {
		return
	}

	entries, err := c.effectsAt(state)
	if err != nil {
		c.report(&CoreError{Kind: EffectsAtFailure, Err: errors.Wrap(err, "effectsAt failed")})
		return
	}

	desired := make(map[Key]D, len(entries))
	desiredOrder := make([]Key, 0, len(entries))
	var dupErrs []*CoreError
	for _, e := range entries {
		if _, seen := desired[e.Key]; seen {
			c.log.WithField("key", e.Key).Debugf(
				"duplicate effect key, dropping descriptor: %s", spew.Sdump(e.Descriptor))
			k := e.Key
			dupErrs = append(dupErrs, &CoreError{
				Kind: DuplicateEffectKey, Key: &k,
				Err: errors.Errorf("effectsAt returned duplicate key %q", e.Key),
			})
			continue
		}
		desired[e.Key] = e.Descriptor
		desiredOrder = append(desiredOrder, e.Key)
	}
	for _, de := range dupErrs {
		c.report(de)
	}

	c.mu.Lock()
	if c.status != StatusRunning {
		c.mu.Unlock()
		return
	}

	// Cancellations precede starts: a key that disappears and reappears in
	// the same pass is cancel-then-start, never a no-op.
	previousOrder := append([]Key(nil), c.order...)
	var cancelErrs []*CoreError
	for _, key := range previousOrder {
		if _, ok := desired[key]; ok {
			continue
		}
		if err := c.cancelLocked(key); err != nil {
			k := key
			cancelErrs = append(cancelErrs, &CoreError{Kind: CancelFailure, Key: &k, Err: err})
		}
	}

	for _, key := range desiredOrder {
		if _, ok := c.running[key]; ok {
			continue // key stable across states: not restarted, descriptor not replaced
		}
		c.startLocked(key, desired[key], state)
	}
	c.mu.Unlock()

	for _, ce := range cancelErrs {
		c.report(ce)
	}
}

// cancelLocked must be called with c.mu held. It removes the entry before
// invoking cancel so a cancel that re-enters the controller (e.g. via a
// guarded dispatch still in flight) sees the key already gone.
func (c *EffectController[S, Sig, D]) cancelLocked(key Key) (err error) {
	re, ok := c.running[key]
	if !ok {
		return nil
	}
	delete(c.running, key)
	c.removeOrderLocked(key)

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Errorf("cancel panicked: %v", r)
			}
		}()
		re.cancel()
	}()

	if c.onCancelled != nil {
		c.onCancelled(key, re.descriptor)
	}
	return err
}

// startLocked must be called with c.mu held.
func (c *EffectController[S, Sig, D]) startLocked(key Key, descriptor D, state S) {
	start, cancel := c.runEffect(descriptor, state, key)

	re := &runningEffect[D, Sig]{key: key, descriptor: descriptor, cancel: cancel}
	c.running[key] = re
	c.order = append(c.order, key)

	if c.onStarted != nil {
		c.onStarted(key, descriptor)
	}

	guarded := func(sig Sig) {
		c.mu.Lock()
		current, stillPresent := c.running[key]
		valid := stillPresent && current == re
		c.mu.Unlock()
		if !valid {
			return // guarded dispatch dropped: invariant 4
		}
		c.dispatch(sig)
	}

	done := start(guarded)
	c.brakeWG.Add(1)
	go c.awaitCompletion(key, re, done)
}

func (c *EffectController[S, Sig, D]) awaitCompletion(key Key, re *runningEffect[D, Sig], done <-chan error) {
	defer c.brakeWG.Done()

	err := <-done

	c.mu.Lock()
	current, stillPresent := c.running[key]
	if stillPresent && current == re {
		delete(c.running, key)
		c.removeOrderLocked(key)
	} else {
		stillPresent = false // already removed by a cancel; no completion event
	}
	braking := c.status == StatusBraking
	if braking && len(c.running) == 0 {
		c.status = StatusStopped
	}
	c.mu.Unlock()

	if !stillPresent {
		return
	}
	if err != nil {
		k := key
		c.report(&CoreError{Kind: StartFailure, Key: &k, Err: errors.Wrap(err, "effect start failed")})
	}
}

func (c *EffectController[S, Sig, D]) removeOrderLocked(key Key) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func (c *EffectController[S, Sig, D]) report(ce *CoreError) {
	if c.onError != nil {
		c.onError(ce)
		return
	}
	c.log.WithError(ce.Err).Warn(ce.Kind.String())
}
