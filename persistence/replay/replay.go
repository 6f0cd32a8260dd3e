package replay

import "context"

// Dispatcher is the subset of moore.Machine replay needs: enqueue a signal,
// and guarantee a run of them lands in one flush. moore.Machine satisfies
// this without any adapter.
type Dispatcher[Sig any] interface {
	Dispatch(Sig)
	Batch(func())
}

// Replay feeds every signal logged in store through m, in a single batch,
// reconstituting the state a fresh machine (constructed with the same
// Initial/Transition as the one that produced the log) would have reached
// had it observed the original dispatch sequence directly. This is the
// crash-recovery contract: since Transition is pure, replaying the same
// signals in the same order against the same initial state always
// produces the same final state, regardless of how long ago they were
// first dispatched.
func Replay[Sig any](ctx context.Context, store *Store[Sig], m Dispatcher[Sig]) error {
	sigs, err := store.All(ctx)
	if err != nil {
		return err
	}
	m.Batch(func() {
		for _, sig := range sigs {
			m.Dispatch(sig)
		}
	})
	return nil
}
