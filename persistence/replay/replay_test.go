package replay_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrt/moore"
	"github.com/agentrt/moore/persistence/replay"
)

type ledgerState struct {
	Balance int `json:"balance"`
}

type ledgerSig struct {
	Kind   string `json:"kind"`
	Amount int    `json:"amount"`
}

func ledgerTransition(sig ledgerSig, s ledgerState) (ledgerState, error) {
	switch sig.Kind {
	case "deposit":
		return ledgerState{Balance: s.Balance + sig.Amount}, nil
	case "withdraw":
		return ledgerState{Balance: s.Balance - sig.Amount}, nil
	default:
		return s, nil
	}
}

func noEffects(ledgerState) ([]moore.EffectEntry[struct{}], error) { return nil, nil }

func noRunEffect(_ struct{}, _ ledgerState, _ moore.Key) (moore.StartFunc[ledgerSig], func()) {
	return moore.RunOnce(func(func(ledgerSig)) error { return nil }), func() {}
}

func newLedger() *moore.Machine[ledgerState, ledgerSig, struct{}] {
	return moore.NewMachine(moore.Config[ledgerState, ledgerSig, struct{}]{
		Initial:    func() ledgerState { return ledgerState{} },
		Transition: ledgerTransition,
		EffectsAt:  noEffects,
		RunEffect:  noRunEffect,
	})
}

func TestReplayReconstitutesState(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "signals.db")

	store, err := replay.Open[ledgerSig](dbPath, replay.JSONCodec[ledgerSig]{})
	require.NoError(t, err)
	defer store.Close()

	signals := []ledgerSig{
		{Kind: "deposit", Amount: 100},
		{Kind: "withdraw", Amount: 30},
		{Kind: "deposit", Amount: 5},
	}
	for _, sig := range signals {
		require.NoError(t, store.Append(ctx, sig))
	}

	logged, err := store.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, signals, logged)

	fresh := newLedger()
	defer fresh.Close()

	require.NoError(t, replay.Replay(ctx, store, fresh))

	assert.Equal(t, ledgerState{Balance: 75}, fresh.GetState())
}

func TestTruncateClearsTheLog(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "signals.db")

	store, err := replay.Open[ledgerSig](dbPath, replay.JSONCodec[ledgerSig]{})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Append(ctx, ledgerSig{Kind: "deposit", Amount: 1}))
	require.NoError(t, store.Truncate(ctx))

	logged, err := store.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, logged)
}
