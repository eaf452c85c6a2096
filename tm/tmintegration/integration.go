// Package tmintegration runs multi-validator consensus scenarios
// against any network and store implementation.
package tmintegration

import (
	"context"
	"testing"
	"time"

	"github.com/starkware-libs/sequencer-sub015/internal/gtest"
	"github.com/starkware-libs/sequencer-sub015/tm/tmconsensus"
	"github.com/starkware-libs/sequencer-sub015/tm/tmconsensus/tmconsensustest"
	"github.com/starkware-libs/sequencer-sub015/tm/tmengine"
	"github.com/starkware-libs/sequencer-sub015/tm/tmstore"
	"github.com/stretchr/testify/require"
)

const netSize = 4

// decisionTimeout bounds how long a test waits for one decision on every node.
var decisionTimeout = gtest.ScaleMs(10_000)

type node struct {
	E     *tmengine.Engine
	App   *tmconsensustest.App
	Store tmstore.DecisionStore
}

// startNodes connects netSize validators, lets configure adjust each App,
// and starts every engine at height 1.
func startNodes(
	t *testing.T,
	ctx context.Context,
	nf NewFactoryFunc,
	timeouts tmengine.Timeouts,
	configure func(idx int, app *tmconsensustest.App),
) (*tmconsensustest.Fixture, []node) {
	t.Helper()

	log := gtest.NewLogger(t)
	f := nf(&Env{RootLogger: log, tb: t})

	net, err := f.NewNetwork(t, ctx)
	require.NoError(t, err)
	t.Cleanup(net.Wait)

	fx := tmconsensustest.NewEd25519Fixture(netSize)

	cfg := tmengine.DefaultConfig()
	cfg.Timeouts = timeouts

	nodes := make([]node, netSize)
	for i := range nodes {
		conn, err := net.Connect(ctx)
		require.NoError(t, err)

		store, err := f.NewDecisionStore(ctx, i)
		require.NoError(t, err)

		app := tmconsensustest.NewApp(fx.ValSet(), conn)
		if configure != nil {
			configure(i, app)
		}

		e, err := tmengine.New(
			log.With("idx", i),
			tmengine.WithConfig(cfg),
			tmengine.WithConsensusContext(app),
			tmengine.WithNetwork(conn),
			tmengine.WithSelf(fx.ID(i)),
			tmengine.WithDecisionStore(store),
		)
		require.NoError(t, err)

		nodes[i] = node{E: e, App: app, Store: store}
	}

	require.NoError(t, net.Stabilize(ctx))

	for i := range nodes {
		nodes[i].E.Start(ctx, 1)
		t.Cleanup(nodes[i].E.Wait)
	}

	return fx, nodes
}

// nextDecisions reads the next decision from every node.
func nextDecisions(t *testing.T, nodes []node) []tmconsensus.Decision {
	t.Helper()

	out := make([]tmconsensus.Decision, len(nodes))
	for i, n := range nodes {
		out[i] = gtest.ReceiveOrTimeout(t, n.App.Decisions(), decisionTimeout)
	}
	return out
}

func requireAgreement(t *testing.T, ds []tmconsensus.Decision) {
	t.Helper()

	for i, d := range ds[1:] {
		require.Equal(t, ds[0].Height, d.Height, "node %d", i+1)
		require.Equal(t, ds[0].Value, d.Value, "node %d", i+1)
	}
}

// RunIntegrationTest runs every scenario against the factories built by nf.
func RunIntegrationTest(t *testing.T, nf NewFactoryFunc) {
	t.Run("happy path decides in round 0", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Timeouts longer than the test: a decision proves none fired.
		fx, nodes := startNodes(t, ctx, nf, tmengine.Timeouts{
			Proposal:  time.Minute,
			Prevote:   time.Minute,
			Precommit: time.Minute,
		}, nil)
		defer cancel()

		ds := nextDecisions(t, nodes)
		requireAgreement(t, ds)

		for _, d := range ds {
			require.Equal(t, uint64(1), d.Height)
			require.Equal(t, uint32(0), d.Round)
			require.Equal(t, tmconsensustest.ContentHash(tmconsensustest.BlockContent(1, 0)), d.Value)
			require.NoError(t, d.Certificate.Verify(fx.ValSet()))
		}
	})

	t.Run("silent proposer moves to the next round", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		_, nodes := startNodes(t, ctx, nf, tmengine.Timeouts{
			Proposal:       gtest.ScaleMs(300),
			Prevote:        time.Minute,
			Precommit:      time.Minute,
			RoundIncrement: gtest.ScaleMs(300),
		}, func(_ int, app *tmconsensustest.App) {
			app.Silent = func(h uint64, r uint32) bool {
				return h == 1 && r == 0
			}
		})
		defer cancel()

		ds := nextDecisions(t, nodes)
		requireAgreement(t, ds)

		d := ds[0]
		require.Equal(t, uint64(1), d.Height)
		require.GreaterOrEqual(t, d.Round, uint32(1))

		// A fresh proposal from the deciding round's proposer.
		require.Equal(t, tmconsensustest.ContentHash(tmconsensustest.BlockContent(1, d.Round)), d.Value)
	})

	t.Run("locked value is re-proposed and decided", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Every node locks on the round 0 value,
		// but no round 0 precommit is published, so round 0 cannot decide.
		_, nodes := startNodes(t, ctx, nf, tmengine.Timeouts{
			Proposal:  time.Minute,
			Prevote:   time.Minute,
			Precommit: gtest.ScaleMs(100),
		}, func(_ int, app *tmconsensustest.App) {
			app.Withhold = func(v tmconsensus.Vote) bool {
				return v.Height == 1 && v.Round == 0 && v.Kind == tmconsensus.Precommit
			}
		})
		defer cancel()

		ds := nextDecisions(t, nodes)
		requireAgreement(t, ds)

		for _, d := range ds {
			require.Equal(t, uint64(1), d.Height)
			require.Equal(t, uint32(1), d.Round)
			require.Equal(t, tmconsensustest.ContentHash(tmconsensustest.BlockContent(1, 0)), d.Value)
		}
	})

	t.Run("one decision per height", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		const heights = 4

		_, nodes := startNodes(t, ctx, nf, tmengine.Timeouts{
			Proposal:       gtest.ScaleMs(1000),
			Prevote:        gtest.ScaleMs(500),
			Precommit:      gtest.ScaleMs(500),
			RoundIncrement: gtest.ScaleMs(250),
		}, nil)
		defer cancel()

		for h := uint64(1); h <= heights; h++ {
			ds := nextDecisions(t, nodes)
			for i, d := range ds {
				require.Equal(t, h, d.Height, "node %d decided out of order", i)
			}
			requireAgreement(t, ds)

			for i, n := range nodes {
				v, ok := n.App.Decided(h)
				require.True(t, ok)
				require.Equal(t, ds[0].Value, v)

				// Saving happens after the Context is told, so poll briefly.
				require.Eventually(t, func() bool {
					saved, err := n.Store.LoadDecision(ctx, h)
					return err == nil && saved.Value == ds[0].Value
				}, decisionTimeout, 5*time.Millisecond, "node %d did not store height %d", i, h)
			}
		}
	})
}
