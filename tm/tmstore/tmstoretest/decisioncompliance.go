package tmstoretest

import (
	"context"
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/starkware-libs/sequencer-sub015/tm/tmconsensus"
	"github.com/starkware-libs/sequencer-sub015/tm/tmconsensus/tmconsensustest"
	"github.com/starkware-libs/sequencer-sub015/tm/tmstore"
	"github.com/stretchr/testify/require"
)

type DecisionStoreFactory func(cleanup func(func())) (tmstore.DecisionStore, error)

// TestDecisionStoreCompliance runs the shared checks for a [tmstore.DecisionStore].
func TestDecisionStoreCompliance(t *testing.T, f DecisionStoreFactory, ff FixtureFactory) {
	t.Run("round trip with certificate", func(t *testing.T) {
		t.Parallel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		ctx := context.Background()
		d := decisionFor(t, ff(4), 1, 2)

		require.NoError(t, s.SaveDecision(ctx, d))

		got, err := s.LoadDecision(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, d.Height, got.Height)
		require.Equal(t, d.Round, got.Round)
		require.Equal(t, d.Value, got.Value)
		require.Len(t, got.Certificate.Precommits, len(d.Certificate.Precommits))
		require.True(t, d.Certificate.Signers.Equal(got.Certificate.Signers))
	})

	t.Run("unknown height", func(t *testing.T) {
		t.Parallel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		_, err = s.LoadDecision(context.Background(), 5)
		require.ErrorIs(t, err, tmstore.HeightUnknownError{Want: 5})
	})

	t.Run("idempotent save and no overwrite", func(t *testing.T) {
		t.Parallel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		ctx := context.Background()
		fx := ff(4)
		d := decisionFor(t, fx, 3, 0)
		require.NoError(t, s.SaveDecision(ctx, d))
		require.NoError(t, s.SaveDecision(ctx, d))

		other := decisionFor(t, fx, 3, 1)
		err = s.SaveDecision(ctx, other)
		require.ErrorAs(t, err, new(tmstore.OverwriteError))
	})

	t.Run("last decision height", func(t *testing.T) {
		t.Parallel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		ctx := context.Background()
		h, err := s.LastDecisionHeight(ctx)
		require.NoError(t, err)
		require.Zero(t, h)

		fx := ff(4)
		for _, height := range []uint64{2, 7, 4} {
			require.NoError(t, s.SaveDecision(ctx, decisionFor(t, fx, height, 0)))
		}

		h, err = s.LastDecisionHeight(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(7), h)
	})

	t.Run("synced decision without certificate", func(t *testing.T) {
		t.Parallel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		ctx := context.Background()
		d := tmconsensus.Decision{Height: 9, Synced: true}
		require.NoError(t, s.SaveDecision(ctx, d))

		got, err := s.LoadDecision(ctx, 9)
		require.NoError(t, err)
		require.True(t, got.Synced)
	})
}

// decisionFor builds a decision at the given height and round,
// committed by every validator in fx.
func decisionFor(t *testing.T, fx *tmconsensustest.Fixture, h uint64, r uint32) tmconsensus.Decision {
	t.Helper()

	vals := fx.ValSet()
	value := tmconsensus.Hash{byte(h), byte(r), 0xdc}

	qc := tmconsensus.QuorumCertificate{
		Height: h,
		Round:  r,
		Value:  value,
	}
	qc.Signers = bitset.New(uint(len(vals.Validators)))
	for i := range vals.Validators {
		qc.Precommits = append(qc.Precommits, fx.Precommit(i, h, r, &value))
		qc.Signers.Set(uint(i))
	}
	require.NoError(t, qc.Verify(vals))

	return tmconsensus.Decision{
		Height:      h,
		Round:       r,
		Value:       value,
		Certificate: qc,
	}
}
