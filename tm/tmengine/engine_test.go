package tmengine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/starkware-libs/sequencer-sub015/internal/gtest"
	"github.com/starkware-libs/sequencer-sub015/tm/tmconsensus"
	"github.com/starkware-libs/sequencer-sub015/tm/tmconsensus/tmconsensustest"
	"github.com/starkware-libs/sequencer-sub015/tm/tmengine"
	"github.com/starkware-libs/sequencer-sub015/tm/tmengine/internal/tmstream"
	"github.com/starkware-libs/sequencer-sub015/tm/tmengine/tmelink"
	"github.com/starkware-libs/sequencer-sub015/tm/tmengine/tmemetrics"
	"github.com/starkware-libs/sequencer-sub015/tm/tmp2p"
	"github.com/starkware-libs/sequencer-sub015/tm/tmstore/tmmemstore"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestNew_requiredOptions(t *testing.T) {
	t.Parallel()

	log := gtest.NewLogger(t)

	_, err := tmengine.New(log, tmengine.WithNetwork(newFakeNetwork()))
	require.ErrorContains(t, err, "WithConsensusContext")

	_, err = tmengine.New(log, tmengine.WithConsensusContext(newMockContext()))
	require.ErrorContains(t, err, "WithNetwork")

	cfg := tmengine.DefaultConfig()
	cfg.SyncRetryInterval = 0
	_, err = tmengine.New(
		log,
		tmengine.WithConsensusContext(newMockContext()),
		tmengine.WithNetwork(newFakeNetwork()),
		tmengine.WithConfig(cfg),
	)
	require.ErrorContains(t, err, "SyncRetryInterval")
}

func TestEngine_decidesBeforeAnyTimeout(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := tmmemstore.NewDecisionStore()
	reg := prometheus.NewRegistry()
	h := newHarness(
		t, 0, longTimeouts,
		tmengine.WithDecisionStore(store),
		tmengine.WithMetrics(tmemetrics.NewMetrics(reg)),
	)
	fx := h.Fx

	init := tmconsensus.ProposalInit{Height: 1, Round: 0, Proposer: fx.ID(1)}
	content := tmconsensustest.BlockContent(1, 0)
	b := tmconsensustest.ContentHash(content)
	h.Ctx.On("ValidateProposal", mock.Anything, init, mock.Anything).Return(validatesTo(b))

	res := h.RunHeight(ctx, 1)

	h.Propose(peerOf(fx.ID(1)), init, content)
	h.ExpectBroadcast(tmconsensus.Prevote, 1, 0, &b)

	h.Deliver(fx.Prevote(1, 1, 0, &b), fx.Prevote(2, 1, 0, &b))
	h.ExpectBroadcast(tmconsensus.Precommit, 1, 0, &b)

	h.Deliver(fx.Precommit(1, 1, 0, &b), fx.Precommit(2, 1, 0, &b))

	r := gtest.ReceiveOrTimeout(t, res, gtest.ScaleMs(2000))
	require.NoError(t, r.Err)
	require.Equal(t, uint64(1), r.D.Height)
	require.Equal(t, uint32(0), r.D.Round)
	require.Equal(t, b, r.D.Value)
	require.False(t, r.D.Synced)
	require.Len(t, r.D.Certificate.Precommits, 3)
	require.NoError(t, r.D.Certificate.Verify(fx.ValSet()))

	h.Ctx.AssertNumberOfCalls(t, "DecisionReached", 1)
	h.Ctx.AssertCalled(t, "DecisionReached", mock.Anything, mock.MatchedBy(func(d tmconsensus.Decision) bool {
		return d.Height == 1 && d.Value == b
	}))

	saved, err := store.LoadDecision(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, b, saved.Value)

	require.Equal(t, 1.0, counterValue(t, reg, "seqconsensus_decisions_total", "source", "consensus"))
	n, err := testutil.GatherAndCount(reg, "seqconsensus_height_duration_seconds")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Empty(t, h.Net.Reports())
}

func TestEngine_silentProposerAdvancesRound(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timeouts := longTimeouts
	timeouts.Proposal = gtest.ScaleMs(20)
	h := newHarness(t, 0, timeouts)
	fx := h.Fx

	res := h.RunHeight(ctx, 1)

	h.ExpectBroadcast(tmconsensus.Prevote, 1, 0, nil)

	h.Deliver(fx.Prevote(1, 1, 0, nil), fx.Prevote(2, 1, 0, nil))
	h.ExpectBroadcast(tmconsensus.Precommit, 1, 0, nil)

	h.Deliver(fx.Precommit(1, 1, 0, nil), fx.Precommit(2, 1, 0, nil))

	require.Eventually(t, func() bool {
		return h.Status(ctx).Round == 1
	}, gtest.ScaleMs(2000), 5*time.Millisecond)

	s := h.Status(ctx)
	require.Nil(t, s.Lock)
	require.Nil(t, s.ValidValue)
	require.False(t, s.Observer)

	// Round 1 proposer is also silent: another nil prevote.
	h.ExpectBroadcast(tmconsensus.Prevote, 1, 1, nil)

	cancel()
	r := gtest.ReceiveOrTimeout(t, res, gtest.ScaleMs(2000))
	require.ErrorIs(t, r.Err, context.Canceled)

	h.Ctx.AssertNotCalled(t, "DecisionReached", mock.Anything, mock.Anything)
}

func TestEngine_lockPreventsPrevotingOtherValue(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timeouts := longTimeouts
	timeouts.Precommit = gtest.ScaleMs(20)
	h := newHarness(t, 0, timeouts)
	fx := h.Fx

	init0 := tmconsensus.ProposalInit{Height: 1, Round: 0, Proposer: fx.ID(1)}
	content0 := tmconsensustest.BlockContent(1, 0)
	b := tmconsensustest.ContentHash(content0)
	h.Ctx.On("ValidateProposal", mock.Anything, init0, mock.Anything).Return(validatesTo(b))

	init1 := tmconsensus.ProposalInit{Height: 1, Round: 1, Proposer: fx.ID(2)}
	content1 := tmconsensustest.BlockContent(1, 1)
	b1 := tmconsensustest.ContentHash(content1)
	h.Ctx.On("ValidateProposal", mock.Anything, init1, mock.Anything).Return(validatesTo(b1))

	res := h.RunHeight(ctx, 1)

	h.Propose(peerOf(fx.ID(1)), init0, content0)
	h.ExpectBroadcast(tmconsensus.Prevote, 1, 0, &b)

	h.Deliver(fx.Prevote(1, 1, 0, &b), fx.Prevote(2, 1, 0, &b))
	h.ExpectBroadcast(tmconsensus.Precommit, 1, 0, &b)

	// Not enough precommits for B: the precommit timeout moves to round 1.
	h.Deliver(fx.Precommit(1, 1, 0, nil))

	require.Eventually(t, func() bool {
		return h.Status(ctx).Round == 1
	}, gtest.ScaleMs(2000), 5*time.Millisecond)

	s := h.Status(ctx)
	require.NotNil(t, s.Lock)
	require.Equal(t, tmconsensus.Lock{Round: 0, Value: b}, *s.Lock)

	h.Propose(peerOf(fx.ID(2)), init1, content1)
	h.ExpectBroadcast(tmconsensus.Prevote, 1, 1, nil)

	cancel()
	r := gtest.ReceiveOrTimeout(t, res, gtest.ScaleMs(2000))
	require.ErrorIs(t, r.Err, context.Canceled)
}

func TestEngine_futureRoundPrecommitsDecide(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, 0, longTimeouts)
	fx := h.Fx

	// A round 0 validation that never finishes.
	init := tmconsensus.ProposalInit{Height: 1, Round: 0, Proposer: fx.ID(1)}
	validateCtxs := make(chan context.Context, 1)
	h.Ctx.On("ValidateProposal", mock.Anything, init, mock.Anything).
		Return((<-chan tmconsensus.Hash)(make(chan tmconsensus.Hash))).
		Run(func(args mock.Arguments) {
			validateCtxs <- args.Get(0).(context.Context)
		})

	res := h.RunHeight(ctx, 1)

	h.Propose(peerOf(fx.ID(1)), init, tmconsensustest.BlockContent(1, 0))
	vctx := gtest.ReceiveOrTimeout(t, validateCtxs, gtest.ScaleMs(2000))

	x := tmconsensustest.ContentHash(tmconsensustest.BlockContent(1, 3))
	h.Deliver(
		fx.Precommit(1, 1, 3, &x),
		fx.Precommit(2, 1, 3, &x),
		fx.Precommit(3, 1, 3, &x),
	)

	r := gtest.ReceiveOrTimeout(t, res, gtest.ScaleMs(2000))
	require.NoError(t, r.Err)
	require.Equal(t, uint32(3), r.D.Round)
	require.Equal(t, x, r.D.Value)

	// Deciding tears down in-flight work.
	gtest.WaitClosed(t, vctx.Done(), gtest.ScaleMs(2000))

	h.Ctx.AssertNumberOfCalls(t, "DecisionReached", 1)
}

func TestEngine_earlierRoundPrecommitsDecide(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Round 0 times out quickly; round 1 never does.
	h := newHarness(t, 0, tmengine.Timeouts{
		Proposal:       gtest.ScaleMs(20),
		Prevote:        gtest.ScaleMs(20),
		Precommit:      gtest.ScaleMs(20),
		RoundIncrement: time.Hour,
	})
	fx := h.Fx

	res := h.RunHeight(ctx, 1)

	h.ExpectBroadcast(tmconsensus.Prevote, 1, 0, nil)
	h.ExpectBroadcast(tmconsensus.Precommit, 1, 0, nil)
	require.Eventually(t, func() bool {
		return h.Status(ctx).Round == 1
	}, gtest.ScaleMs(2000), 5*time.Millisecond)

	// The other validators decided in round 0 and their precommits arrive late.
	b := tmconsensustest.ContentHash(tmconsensustest.BlockContent(1, 0))
	h.Deliver(
		fx.Precommit(1, 1, 0, &b),
		fx.Precommit(2, 1, 0, &b),
		fx.Precommit(3, 1, 0, &b),
	)

	r := gtest.ReceiveOrTimeout(t, res, gtest.ScaleMs(2000))
	require.NoError(t, r.Err)
	require.Equal(t, uint32(0), r.D.Round)
	require.Equal(t, b, r.D.Value)
	require.NoError(t, r.D.Certificate.Verify(fx.ValSet()))
}

func TestEngine_cachedFutureHeightDecidesNextHeight(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, 0, longTimeouts)
	fx := h.Fx

	res := h.RunHeight(ctx, 1)

	y := tmconsensustest.ContentHash(tmconsensustest.BlockContent(2, 0))
	h.Deliver(
		fx.Precommit(1, 2, 0, &y),
		fx.Precommit(2, 2, 0, &y),
		fx.Precommit(3, 2, 0, &y),
	)

	require.Eventually(t, func() bool {
		return h.Status(ctx).CachedMessages == 3
	}, gtest.ScaleMs(2000), 5*time.Millisecond)

	x := tmconsensustest.ContentHash(tmconsensustest.BlockContent(1, 0))
	h.Deliver(
		fx.Precommit(1, 1, 0, &x),
		fx.Precommit(2, 1, 0, &x),
		fx.Precommit(3, 1, 0, &x),
	)
	r := gtest.ReceiveOrTimeout(t, res, gtest.ScaleMs(2000))
	require.NoError(t, r.Err)
	require.Equal(t, x, r.D.Value)

	// Height 2 decides from the cache alone.
	r = gtest.ReceiveOrTimeout(t, h.RunHeight(ctx, 2), gtest.ScaleMs(2000))
	require.NoError(t, r.Err)
	require.Equal(t, uint64(2), r.D.Height)
	require.Equal(t, y, r.D.Value)

	h.Ctx.AssertNumberOfCalls(t, "DecisionReached", 2)
}

func TestEngine_proposerBuildsAndStreams(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Validator 1 proposes at height 1 round 0.
	h := newHarness(t, 1, longTimeouts)
	fx := h.Fx

	init := tmconsensus.ProposalInit{Height: 1, Round: 0, Proposer: fx.ID(1)}
	contentCh := make(chan []byte)
	finCh := make(chan tmconsensus.Hash, 1)
	h.Ctx.On("BuildProposal", mock.Anything, init).
		Return((<-chan []byte)(contentCh), (<-chan tmconsensus.Hash)(finCh))

	res := h.RunHeight(ctx, 1)

	content := tmconsensustest.BlockContent(1, 0)
	for _, c := range content {
		gtest.SendSoon(t, contentCh, c)
	}
	close(contentCh)
	b := tmconsensustest.ContentHash(content)
	finCh <- b

	h.ExpectBroadcast(tmconsensus.Prevote, 1, 0, &b)

	// Reassemble what the engine streamed.
	r, err := tmstream.NewReassembler(tmstream.ReassemblerConfig{Capacity: 1})
	require.NoError(t, err)
	var payloads [][]byte
	for done := false; !done; {
		m := gtest.ReceiveOrTimeout(t, h.Net.sent, gtest.ScaleMs(2000))
		payloads, done, err = r.Receive("self", m)
		require.NoError(t, err)
	}

	parts := make([]tmconsensus.ProposalPart, len(payloads))
	for i, p := range payloads {
		require.NoError(t, h.Codec.UnmarshalProposalPart(p, &parts[i]))
	}
	p, err := tmconsensus.ParseProposalParts(parts)
	require.NoError(t, err)
	require.Equal(t, init, p.Init)
	require.Equal(t, content, p.Content)
	require.Equal(t, b, p.Declared)

	// A proposal from a peer for our own round is a duplicate.
	h.Propose("impostor", init, content)
	rep := h.WaitForReport(tmengine.ErrDuplicateProposal)
	require.Equal(t, tmp2p.PeerID("impostor"), rep.Peer)

	cancel()
	hr := gtest.ReceiveOrTimeout(t, res, gtest.ScaleMs(2000))
	require.ErrorIs(t, hr.Err, context.Canceled)

	h.Ctx.AssertNotCalled(t, "ValidateProposal", mock.Anything, mock.Anything, mock.Anything)
}

func TestEngine_badProposals(t *testing.T) {
	t.Parallel()

	t.Run("wrong proposer", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		h := newHarness(t, 0, longTimeouts)
		fx := h.Fx

		res := h.RunHeight(ctx, 1)

		init := tmconsensus.ProposalInit{Height: 1, Round: 0, Proposer: fx.ID(2)}
		h.Propose("p2", init, tmconsensustest.BlockContent(1, 0))

		rep := h.WaitForReport(tmengine.ErrWrongProposer)
		require.Equal(t, tmp2p.PeerID("p2"), rep.Peer)

		cancel()
		_ = gtest.ReceiveOrTimeout(t, res, gtest.ScaleMs(2000))
		h.Ctx.AssertNotCalled(t, "ValidateProposal", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("malformed stream", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		h := newHarness(t, 0, longTimeouts)

		res := h.RunHeight(ctx, 1)

		h.SendStream("garbage", tmstream.Split(7, [][]byte{{0xff, 0x00}})...)
		rep := h.WaitForReport(tmengine.ErrMalformedProposal)
		require.Equal(t, tmp2p.PeerID("garbage"), rep.Peer)

		cancel()
		_ = gtest.ReceiveOrTimeout(t, res, gtest.ScaleMs(2000))
	})

	t.Run("invalid then valid", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		h := newHarness(t, 0, longTimeouts)
		fx := h.Fx

		init := tmconsensus.ProposalInit{Height: 1, Round: 0, Proposer: fx.ID(1)}
		content := tmconsensustest.BlockContent(1, 0)
		b := tmconsensustest.ContentHash(content)
		h.Ctx.On("ValidateProposal", mock.Anything, init, mock.Anything).Return(rejects()).Once()
		h.Ctx.On("ValidateProposal", mock.Anything, init, mock.Anything).Return(validatesTo(b)).Once()

		res := h.RunHeight(ctx, 1)

		h.Propose("relay-a", init, content)
		rep := h.WaitForReport(tmengine.ErrInvalidProposal)
		require.Equal(t, tmp2p.PeerID("relay-a"), rep.Peer)

		// The first proposal failed, so a later one for the round is still accepted.
		h.Propose("relay-b", init, content)
		h.ExpectBroadcast(tmconsensus.Prevote, 1, 0, &b)

		cancel()
		_ = gtest.ReceiveOrTimeout(t, res, gtest.ScaleMs(2000))
	})

	t.Run("declared value mismatch", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		h := newHarness(t, 0, longTimeouts)
		fx := h.Fx

		init := tmconsensus.ProposalInit{Height: 1, Round: 0, Proposer: fx.ID(1)}
		other := tmconsensustest.ContentHash(tmconsensustest.BlockContent(9, 9))
		h.Ctx.On("ValidateProposal", mock.Anything, init, mock.Anything).Return(validatesTo(other))

		res := h.RunHeight(ctx, 1)

		h.Propose(peerOf(fx.ID(1)), init, tmconsensustest.BlockContent(1, 0))
		_ = h.WaitForReport(tmengine.ErrProposalMismatch)

		s := h.Status(ctx)
		require.Equal(t, "Propose", s.Step)

		cancel()
		_ = gtest.ReceiveOrTimeout(t, res, gtest.ScaleMs(2000))
	})
}

func TestEngine_networkClosedIsFatal(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, 0, longTimeouts)

	res := h.RunHeight(ctx, 1)

	// Make sure the height is running before closing.
	_ = h.Status(ctx)
	close(h.Net.votes)

	r := gtest.ReceiveOrTimeout(t, res, gtest.ScaleMs(2000))
	require.ErrorIs(t, r.Err, tmconsensus.ErrNetworkClosed)

	var ce *tmconsensus.ConsensusError
	require.True(t, errors.As(r.Err, &ce))
	require.Equal(t, uint64(1), ce.Height)
}

func TestEngine_validatorsErrorIsFatal(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cctx := newMockContext()
	cctx.On("Validators", mock.Anything, uint64(3)).Return(tmconsensus.ValidatorSet{}, errors.New("no state"))

	e, err := tmengine.New(
		gtest.NewLogger(t),
		tmengine.WithConsensusContext(cctx),
		tmengine.WithNetwork(newFakeNetwork()),
	)
	require.NoError(t, err)

	_, err = e.RunHeight(ctx, 3)
	var ce *tmconsensus.ConsensusError
	require.True(t, errors.As(err, &ce))
	require.Equal(t, uint64(3), ce.Height)
	require.ErrorContains(t, err, "no state")
}

func TestEngine_syncedHeight(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	syncer := tmconsensus.SyncerFunc(func(_ context.Context, h uint64) (bool, error) {
		return h == 1, nil
	})
	h := newHarness(t, 0, longTimeouts, tmengine.WithSyncer(syncer))

	r := gtest.ReceiveOrTimeout(t, h.RunHeight(ctx, 1), gtest.ScaleMs(2000))
	require.NoError(t, r.Err)
	require.True(t, r.D.Synced)
	require.Equal(t, uint64(1), r.D.Height)

	h.Ctx.AssertNotCalled(t, "Validators", mock.Anything, mock.Anything)
	h.Ctx.AssertNotCalled(t, "DecisionReached", mock.Anything, mock.Anything)
}

func TestEngine_syncWhileRunning(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	synced := make(chan struct{})
	syncer := tmconsensus.SyncerFunc(func(context.Context, uint64) (bool, error) {
		select {
		case <-synced:
			return true, nil
		default:
			return false, errors.New("peer unavailable")
		}
	})

	cfg := tmengine.DefaultConfig()
	cfg.Timeouts = longTimeouts
	cfg.SyncRetryInterval = gtest.ScaleMs(5)
	h := newHarness(t, 0, longTimeouts, tmengine.WithSyncer(syncer), tmengine.WithConfig(cfg))

	res := h.RunHeight(ctx, 1)
	_ = h.Status(ctx)

	close(synced)
	r := gtest.ReceiveOrTimeout(t, res, gtest.ScaleMs(2000))
	require.NoError(t, r.Err)
	require.True(t, r.D.Synced)

	h.Ctx.AssertNotCalled(t, "DecisionReached", mock.Anything, mock.Anything)
}

func TestEngine_observer(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, -1, longTimeouts)
	fx := h.Fx

	res := h.RunHeight(ctx, 1)

	s := h.Status(ctx)
	require.True(t, s.Observer)

	x := tmconsensustest.ContentHash(tmconsensustest.BlockContent(1, 0))
	h.Deliver(
		fx.Precommit(0, 1, 0, &x),
		fx.Precommit(1, 1, 0, &x),
		fx.Precommit(2, 1, 0, &x),
	)

	r := gtest.ReceiveOrTimeout(t, res, gtest.ScaleMs(2000))
	require.NoError(t, r.Err)
	require.Equal(t, x, r.D.Value)

	h.Ctx.AssertNotCalled(t, "Broadcast", mock.Anything, mock.Anything)
}

func TestEngine_equivocationCounted(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, 0, longTimeouts)
	fx := h.Fx

	res := h.RunHeight(ctx, 1)

	a := tmconsensustest.ContentHash(tmconsensustest.BlockContent(1, 0))
	b := tmconsensustest.ContentHash(tmconsensustest.BlockContent(1, 1))
	h.Deliver(fx.Prevote(2, 1, 0, &a), fx.Prevote(2, 1, 0, &b))

	require.Eventually(t, func() bool {
		return h.Status(ctx).Equivocations == 1
	}, gtest.ScaleMs(2000), 5*time.Millisecond)

	cancel()
	_ = gtest.ReceiveOrTimeout(t, res, gtest.ScaleMs(2000))
}

func TestEngine_startStatusAndSessions(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessions := make(chan tmelink.RoundSessionChange, 16)

	cfg := tmengine.DefaultConfig()
	cfg.Timeouts = longTimeouts
	cfg.StartupDelay = gtest.ScaleMs(50)
	h := newHarness(
		t, 0, longTimeouts,
		tmengine.WithConfig(cfg),
		tmengine.WithRoundSessionChanges(sessions),
	)
	fx := h.Fx

	h.E.Start(ctx, 5)

	s := h.Status(ctx)
	require.Equal(t, uint64(5), s.Height)
	require.Equal(t, "Starting", s.Step)

	got := gtest.ReceiveOrTimeout(t, sessions, gtest.ScaleMs(2000))
	require.Equal(t, tmelink.RoundSessionChange{Height: 5, Round: 0, State: tmelink.RoundSessionStateActive}, got)

	x := tmconsensustest.ContentHash(tmconsensustest.BlockContent(5, 0))
	h.Deliver(
		fx.Precommit(1, 5, 0, &x),
		fx.Precommit(2, 5, 0, &x),
		fx.Precommit(3, 5, 0, &x),
	)

	got = gtest.ReceiveOrTimeout(t, sessions, gtest.ScaleMs(2000))
	require.Equal(t, tmelink.RoundSessionChange{Height: 5, Round: 0, State: tmelink.RoundSessionStateExpired}, got)
	got = gtest.ReceiveOrTimeout(t, sessions, gtest.ScaleMs(2000))
	require.Equal(t, tmelink.RoundSessionChange{Height: 6, Round: 0, State: tmelink.RoundSessionStateActive}, got)

	s = h.Status(ctx)
	require.Equal(t, uint64(6), s.Height)
	require.NotNil(t, s.LastDecision)
	require.Equal(t, x, s.LastDecision.Value)

	cancel()
	h.E.Wait()
	require.ErrorIs(t, h.E.Err(), context.Canceled)
}

// counterValue reads one labelled counter from reg.
func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()

	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	t.Fatalf("no %s{%s=%q} in registry", name, label, value)
	return 0
}
