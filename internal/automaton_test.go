package internal

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutomaton(t *testing.T) {
	t.Run("applies signals through the pure transition and publishes state", func(t *testing.T) {
		var mu sync.Mutex
		var states []int

		a := NewAutomaton[int, int](0, func(sig int, s int) (int, error) {
			return s + sig, nil
		}, nil, nil)

		a.States().Subscribe(func(s int) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		})

		a.Dispatch(1)
		a.Dispatch(2)

		require.Eventually(t, func() bool {
			return a.GetState() == 3
		}, time.Second, time.Millisecond)

		mu.Lock()
		assert.Equal(t, []int{1, 3}, states)
		mu.Unlock()
	})

	t.Run("Batch applies every dispatched signal in one flush", func(t *testing.T) {
		var mu sync.Mutex
		var states []int

		a := NewAutomaton[int, int](0, func(sig int, s int) (int, error) {
			return s + sig, nil
		}, nil, nil)
		a.States().Subscribe(func(s int) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		})

		a.Batch(func() {
			a.Dispatch(1)
			a.Dispatch(2)
			a.Dispatch(3)
		})

		mu.Lock()
		assert.Equal(t, []int{1, 3, 6}, states)
		mu.Unlock()
		assert.Equal(t, 6, a.GetState())
	})

	t.Run("onSignal fires before the transition commits", func(t *testing.T) {
		var mu sync.Mutex
		var log []string

		a := NewAutomaton[int, int](0,
			func(sig int, s int) (int, error) { return s + sig, nil },
			func(sig int) {
				mu.Lock()
				log = append(log, "signal-received")
				mu.Unlock()
			},
			nil,
		)
		a.States().Subscribe(func(s int) {
			mu.Lock()
			log = append(log, "state-updated")
			mu.Unlock()
		})

		a.Dispatch(1)

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(log) == 2
		}, time.Second, time.Millisecond)

		mu.Lock()
		assert.Equal(t, []string{"signal-received", "state-updated"}, log)
		mu.Unlock()
	})

	t.Run("a failing transition reports TransitionFailure and leaves state unchanged", func(t *testing.T) {
		var mu sync.Mutex
		var reported *CoreError

		a := NewAutomaton[int, int](5,
			func(sig int, s int) (int, error) {
				return 0, errors.New("boom")
			},
			nil,
			func(ce *CoreError) {
				mu.Lock()
				reported = ce
				mu.Unlock()
			},
		)

		a.Dispatch(1)

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return reported != nil
		}, time.Second, time.Millisecond)

		mu.Lock()
		assert.Equal(t, TransitionFailure, reported.Kind)
		mu.Unlock()
		assert.Equal(t, 5, a.GetState())
	})

	t.Run("updates stream publishes the signal alongside the resulting state", func(t *testing.T) {
		var mu sync.Mutex
		var got []Update[int, int]

		a := NewAutomaton[int, int](0, func(sig int, s int) (int, error) {
			return s + sig, nil
		}, nil, nil)
		a.Updates().Subscribe(func(u Update[int, int]) {
			mu.Lock()
			got = append(got, u)
			mu.Unlock()
		})

		a.Dispatch(4)

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(got) == 1
		}, time.Second, time.Millisecond)

		mu.Lock()
		assert.Equal(t, Update[int, int]{Signal: 4, State: 4}, got[0])
		mu.Unlock()
	})
}
