package internal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingEffect returns a start/cancel pair whose start blocks until
// cancel is called. It keeps no bookkeeping of its own; lifecycle
// transitions are recorded by the onStarted/onCancelled passed to the
// controller.
func blockingEffect[S any](key Key) (StartFunc[string], func()) {
	ctx, cancel := context.WithCancel(context.Background())
	start := func(dispatch func(string)) <-chan error {
		done := make(chan error, 1)
		go func() {
			<-ctx.Done()
			done <- nil
		}()
		return done
	}
	return start, cancel
}

func newLogger() (func(string), func() []string) {
	var mu sync.Mutex
	var log []string
	return func(s string) {
			mu.Lock()
			log = append(log, s)
			mu.Unlock()
		}, func() []string {
			mu.Lock()
			defer mu.Unlock()
			return append([]string(nil), log...)
		}
}

func TestEffectController(t *testing.T) {
	t.Run("starts effects the initial state requests", func(t *testing.T) {
		record, snapshot := newLogger()

		c := NewEffectController[int, string, string](
			func(s int) ([]EffectEntry[string], error) {
				if s == 0 {
					return []EffectEntry[string]{{Key: "a", Descriptor: "a"}}, nil
				}
				return nil, nil
			},
			func(d string, s int, key Key) (StartFunc[string], func()) {
				return blockingEffect[int](key)
			},
			func(string) {},
			func(*CoreError) {},
			func(key Key, d string) { record("started " + key) },
			func(key Key, d string) { record("cancelled " + key) },
		)

		states := NewPubSub[int]()
		c.Start(states, 0)

		require.Eventually(t, func() bool {
			return len(snapshot()) == 1
		}, time.Second, time.Millisecond)
		assert.Equal(t, []string{"started a"}, snapshot())

		c.Stop(true)
	})

	t.Run("cancels a key that disappears and starts one that appears, in that order", func(t *testing.T) {
		record, snapshot := newLogger()

		c := NewEffectController[int, string, string](
			func(s int) ([]EffectEntry[string], error) {
				switch s {
				case 0:
					return []EffectEntry[string]{{Key: "x", Descriptor: "x"}}, nil
				default:
					return []EffectEntry[string]{{Key: "y", Descriptor: "y"}}, nil
				}
			},
			func(d string, s int, key Key) (StartFunc[string], func()) {
				return blockingEffect[int](key)
			},
			func(string) {},
			func(*CoreError) {},
			func(key Key, d string) { record("started " + key) },
			func(key Key, d string) { record("cancelled " + key) },
		)

		states := NewPubSub[int]()
		c.Start(states, 0)

		require.Eventually(t, func() bool { return len(snapshot()) == 1 }, time.Second, time.Millisecond)

		require.NoError(t, states.Publish(1))

		require.Eventually(t, func() bool { return len(snapshot()) == 3 }, time.Second, time.Millisecond)
		assert.Equal(t, []string{"started x", "cancelled x", "started y"}, snapshot())

		c.Stop(true)
	})

	t.Run("a key stable across states is never restarted", func(t *testing.T) {
		record, snapshot := newLogger()

		c := NewEffectController[int, string, string](
			func(s int) ([]EffectEntry[string], error) {
				return []EffectEntry[string]{{Key: "stable", Descriptor: "stable"}}, nil
			},
			func(d string, s int, key Key) (StartFunc[string], func()) {
				return blockingEffect[int](key)
			},
			func(string) {},
			func(*CoreError) {},
			func(key Key, d string) { record("started " + key) },
			func(key Key, d string) { record("cancelled " + key) },
		)

		states := NewPubSub[int]()
		c.Start(states, 0)

		require.Eventually(t, func() bool { return len(snapshot()) == 1 }, time.Second, time.Millisecond)

		require.NoError(t, states.Publish(1))
		require.NoError(t, states.Publish(2))

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, []string{"started stable"}, snapshot(), "stable key must not restart")

		c.Stop(true)
	})

	t.Run("duplicate effect keys keep the first occurrence and report the rest", func(t *testing.T) {
		record, snapshot := newLogger()
		var mu sync.Mutex
		var errs []*CoreError

		c := NewEffectController[int, string, string](
			func(s int) ([]EffectEntry[string], error) {
				return []EffectEntry[string]{
					{Key: "dup", Descriptor: "first"},
					{Key: "dup", Descriptor: "second"},
				}, nil
			},
			func(d string, s int, key Key) (StartFunc[string], func()) {
				record("started " + key + ":" + d)
				return blockingEffect[int](key)
			},
			func(string) {},
			func(ce *CoreError) {
				mu.Lock()
				errs = append(errs, ce)
				mu.Unlock()
			},
			func(key Key, d string) {},
			func(key Key, d string) {},
		)

		states := NewPubSub[int]()
		c.Start(states, 0)

		require.Eventually(t, func() bool { return len(snapshot()) == 1 }, time.Second, time.Millisecond)
		assert.Equal(t, []string{"started dup:first"}, snapshot())

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(errs) == 1
		}, time.Second, time.Millisecond)

		mu.Lock()
		assert.Equal(t, DuplicateEffectKey, errs[0].Kind)
		mu.Unlock()

		c.Stop(true)
	})

	t.Run("dispatch from a cancelled effect is dropped", func(t *testing.T) {
		var mu sync.Mutex
		var dispatched []string

		fire := make(chan struct{})

		c := NewEffectController[int, string, string](
			func(s int) ([]EffectEntry[string], error) {
				if s == 0 {
					return []EffectEntry[string]{{Key: "late", Descriptor: "late"}}, nil
				}
				return nil, nil
			},
			func(d string, s int, key Key) (StartFunc[string], func()) {
				start := func(dispatch func(string)) <-chan error {
					done := make(chan error, 1)
					go func() {
						<-fire
						dispatch("should-be-dropped")
						done <- nil
					}()
					return done
				}
				return start, func() {} // cancel does nothing: the guard, not the cancel, must stop the dispatch
			},
			func(sig string) {
				mu.Lock()
				dispatched = append(dispatched, sig)
				mu.Unlock()
			},
			func(*CoreError) {},
			func(Key, string) {},
			func(Key, string) {},
		)

		states := NewPubSub[int]()
		c.Start(states, 0)

		require.Eventually(t, func() bool { return c.Status() == StatusRunning }, time.Second, time.Millisecond)
		time.Sleep(10 * time.Millisecond) // let the effect start before cancelling it

		require.NoError(t, states.Publish(1)) // removes "late", cancelling it
		time.Sleep(10 * time.Millisecond)

		close(fire) // now let the (already-cancelled) effect try to dispatch

		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		assert.Empty(t, dispatched, "a cancelled effect's dispatch must never reach the real dispatcher")
		mu.Unlock()

		c.Stop(true)
	})

	t.Run("Stop(false) brakes: running effects finish, then status goes Stopped", func(t *testing.T) {
		finish := make(chan struct{})

		c := NewEffectController[int, string, string](
			func(s int) ([]EffectEntry[string], error) {
				return []EffectEntry[string]{{Key: "slow", Descriptor: "slow"}}, nil
			},
			func(d string, s int, key Key) (StartFunc[string], func()) {
				start := func(dispatch func(string)) <-chan error {
					done := make(chan error, 1)
					go func() {
						<-finish
						done <- nil
					}()
					return done
				}
				return start, func() {}
			},
			func(string) {},
			func(*CoreError) {},
			func(Key, string) {},
			func(Key, string) {},
		)

		states := NewPubSub[int]()
		c.Start(states, 0)

		require.Eventually(t, func() bool { return c.Status() == StatusRunning }, time.Second, time.Millisecond)
		time.Sleep(10 * time.Millisecond)

		c.Stop(false)
		assert.Equal(t, StatusBraking, c.Status())

		close(finish)
		c.WaitIdle()

		assert.Equal(t, StatusStopped, c.Status())
	})

	t.Run("Stop(true) cancels every running effect synchronously", func(t *testing.T) {
		record, snapshot := newLogger()

		c := NewEffectController[int, string, string](
			func(s int) ([]EffectEntry[string], error) {
				return []EffectEntry[string]{
					{Key: "one", Descriptor: "one"},
					{Key: "two", Descriptor: "two"},
				}, nil
			},
			func(d string, s int, key Key) (StartFunc[string], func()) {
				return blockingEffect[int](key)
			},
			func(string) {},
			func(*CoreError) {},
			func(key Key, d string) { record("started " + key) },
			func(key Key, d string) { record("cancelled " + key) },
		)

		states := NewPubSub[int]()
		c.Start(states, 0)

		require.Eventually(t, func() bool { return len(snapshot()) == 2 }, time.Second, time.Millisecond)

		c.Stop(true)
		assert.Equal(t, StatusStopped, c.Status())

		log := snapshot()
		assert.Contains(t, log, "cancelled one")
		assert.Contains(t, log, "cancelled two")
	})
}
