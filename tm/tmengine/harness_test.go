package tmengine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/starkware-libs/sequencer-sub015/internal/gtest"
	"github.com/starkware-libs/sequencer-sub015/tm/tmcodec"
	"github.com/starkware-libs/sequencer-sub015/tm/tmcodec/tmcbor"
	"github.com/starkware-libs/sequencer-sub015/tm/tmconsensus"
	"github.com/starkware-libs/sequencer-sub015/tm/tmconsensus/tmconsensustest"
	"github.com/starkware-libs/sequencer-sub015/tm/tmengine"
	"github.com/starkware-libs/sequencer-sub015/tm/tmengine/internal/tmstream"
	"github.com/starkware-libs/sequencer-sub015/tm/tmp2p"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockContext implements tmconsensus.Context for testing.
// Proposer is round robin and is not mocked.
type mockContext struct {
	mock.Mock

	broadcasts chan tmconsensus.Vote
}

func newMockContext() *mockContext {
	return &mockContext{
		broadcasts: make(chan tmconsensus.Vote, 64),
	}
}

func (m *mockContext) Validators(ctx context.Context, h uint64) (tmconsensus.ValidatorSet, error) {
	args := m.Called(ctx, h)
	return args.Get(0).(tmconsensus.ValidatorSet), args.Error(1)
}

func (m *mockContext) Proposer(vals tmconsensus.ValidatorSet, h uint64, r uint32) tmconsensus.ValidatorID {
	return tmconsensustest.RoundRobinProposer(vals, h, r)
}

func (m *mockContext) BuildProposal(
	ctx context.Context, init tmconsensus.ProposalInit, _ time.Time,
) (<-chan []byte, <-chan tmconsensus.Hash) {
	args := m.Called(ctx, init)
	return args.Get(0).(<-chan []byte), args.Get(1).(<-chan tmconsensus.Hash)
}

func (m *mockContext) ValidateProposal(
	ctx context.Context, init tmconsensus.ProposalInit, _ time.Time, content <-chan []byte,
) <-chan tmconsensus.Hash {
	args := m.Called(ctx, init, content)
	return args.Get(0).(<-chan tmconsensus.Hash)
}

func (m *mockContext) Broadcast(ctx context.Context, msg tmconsensus.ConsensusMessage) error {
	args := m.Called(ctx, msg)
	m.broadcasts <- *msg.Vote
	return args.Error(0)
}

func (m *mockContext) DecisionReached(ctx context.Context, d tmconsensus.Decision) error {
	args := m.Called(ctx, d)
	return args.Error(0)
}

// validatesTo returns a validation result channel already holding v.
func validatesTo(v tmconsensus.Hash) <-chan tmconsensus.Hash {
	ch := make(chan tmconsensus.Hash, 1)
	ch <- v
	return ch
}

// rejects returns a validation result channel closed without a value.
func rejects() <-chan tmconsensus.Hash {
	ch := make(chan tmconsensus.Hash)
	close(ch)
	return ch
}

type peerReport struct {
	Peer   tmp2p.PeerID
	Reason error
}

// fakeNetwork implements tmp2p.Network with channels the test drives directly.
type fakeNetwork struct {
	votes   chan tmp2p.Inbound[tmconsensus.Vote]
	streams chan tmp2p.Inbound[tmconsensus.StreamMessage]

	sent chan tmconsensus.StreamMessage

	mu      sync.Mutex
	reports []peerReport
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		votes:   make(chan tmp2p.Inbound[tmconsensus.Vote]),
		streams: make(chan tmp2p.Inbound[tmconsensus.StreamMessage]),

		sent: make(chan tmconsensus.StreamMessage, 256),
	}
}

func (n *fakeNetwork) Votes() <-chan tmp2p.Inbound[tmconsensus.Vote] {
	return n.votes
}

func (n *fakeNetwork) StreamMessages() <-chan tmp2p.Inbound[tmconsensus.StreamMessage] {
	return n.streams
}

func (n *fakeNetwork) SendStreamMessage(ctx context.Context, m tmconsensus.StreamMessage) error {
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case n.sent <- m:
		return nil
	}
}

func (n *fakeNetwork) ReportPeer(p tmp2p.PeerID, reason error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reports = append(n.reports, peerReport{Peer: p, Reason: reason})
}

func (n *fakeNetwork) Reports() []peerReport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]peerReport(nil), n.reports...)
}

type heightResult struct {
	D   tmconsensus.Decision
	Err error
}

// harness wires an Engine to a mockContext and a fakeNetwork
// for a fixture of four equally weighted validators.
type harness struct {
	t *testing.T

	Fx    *tmconsensustest.Fixture
	Ctx   *mockContext
	Net   *fakeNetwork
	E     *tmengine.Engine
	Codec tmcodec.Codec

	nextStreamID uint64
}

// longTimeouts never fire within a test.
var longTimeouts = tmengine.Timeouts{
	Proposal:  time.Hour,
	Prevote:   time.Hour,
	Precommit: time.Hour,
}

func newHarness(t *testing.T, selfIdx int, timeouts tmengine.Timeouts, opts ...tmengine.Opt) *harness {
	t.Helper()

	fx := tmconsensustest.NewEd25519Fixture(4)

	cctx := newMockContext()
	cctx.On("Validators", mock.Anything, mock.Anything).Return(fx.ValSet(), nil)
	cctx.On("Broadcast", mock.Anything, mock.Anything).Return(nil)
	cctx.On("DecisionReached", mock.Anything, mock.Anything).Return(nil)

	net := newFakeNetwork()

	cfg := tmengine.DefaultConfig()
	cfg.Timeouts = timeouts

	var self tmconsensus.ValidatorID
	if selfIdx >= 0 {
		self = fx.ID(selfIdx)
	}

	allOpts := append([]tmengine.Opt{
		tmengine.WithConfig(cfg),
		tmengine.WithConsensusContext(cctx),
		tmengine.WithNetwork(net),
		tmengine.WithSelf(self),
	}, opts...)

	e, err := tmengine.New(gtest.NewLogger(t), allOpts...)
	require.NoError(t, err)

	return &harness{
		t: t,

		Fx:    fx,
		Ctx:   cctx,
		Net:   net,
		E:     e,
		Codec: tmcbor.MustNewCodec(),

		nextStreamID: 1000,
	}
}

func (h *harness) RunHeight(ctx context.Context, height uint64) <-chan heightResult {
	ch := make(chan heightResult, 1)
	go func() {
		d, err := h.E.RunHeight(ctx, height)
		ch <- heightResult{D: d, Err: err}
	}()
	return ch
}

func peerOf(id tmconsensus.ValidatorID) tmp2p.PeerID {
	return tmp2p.PeerID("peer-" + string(id))
}

// Deliver sends votes to the engine, each from its voter's peer.
func (h *harness) Deliver(votes ...tmconsensus.Vote) {
	h.t.Helper()
	for _, v := range votes {
		gtest.SendSoon(h.t, h.Net.votes, tmp2p.Inbound[tmconsensus.Vote]{From: peerOf(v.Voter), Msg: v})
	}
}

// Propose streams a complete proposal from the given peer
// and returns the value its content commits to.
func (h *harness) Propose(from tmp2p.PeerID, init tmconsensus.ProposalInit, content [][]byte) tmconsensus.Hash {
	h.t.Helper()

	parts := tmconsensustest.ProposalParts(init, content)
	payloads := make([][]byte, len(parts))
	for i, p := range parts {
		b, err := h.Codec.MarshalProposalPart(p)
		require.NoError(h.t, err)
		payloads[i] = b
	}

	h.nextStreamID++
	h.SendStream(from, tmstream.Split(h.nextStreamID, payloads)...)

	return tmconsensustest.ContentHash(content)
}

func (h *harness) SendStream(from tmp2p.PeerID, msgs ...tmconsensus.StreamMessage) {
	h.t.Helper()
	for _, m := range msgs {
		gtest.SendSoon(h.t, h.Net.streams, tmp2p.Inbound[tmconsensus.StreamMessage]{From: from, Msg: m})
	}
}

// ExpectBroadcast waits for the engine's next vote and checks it.
func (h *harness) ExpectBroadcast(kind tmconsensus.VoteKind, height uint64, r uint32, value *tmconsensus.Hash) {
	h.t.Helper()

	v := gtest.ReceiveOrTimeout(h.t, h.Ctx.broadcasts, gtest.ScaleMs(2000))
	require.Equal(h.t, kind, v.Kind, "unexpected vote %s", v)
	require.Equal(h.t, height, v.Height, "unexpected vote %s", v)
	require.Equal(h.t, r, v.Round, "unexpected vote %s", v)
	require.True(h.t, tmconsensus.SameValue(value, v.Value), "unexpected vote %s", v)
}

// WaitForReport polls until a report wrapping target is recorded.
func (h *harness) WaitForReport(target error) peerReport {
	h.t.Helper()

	var found peerReport
	require.Eventually(h.t, func() bool {
		for _, r := range h.Net.Reports() {
			if errors.Is(r.Reason, target) {
				found = r
				return true
			}
		}
		return false
	}, gtest.ScaleMs(2000), 5*time.Millisecond)
	return found
}

// Status polls the engine until it responds.
func (h *harness) Status(ctx context.Context) tmengine.Status {
	h.t.Helper()

	sctx, cancel := context.WithTimeout(ctx, gtest.ScaleMs(2000))
	defer cancel()
	s, ok := h.E.Status(sctx)
	require.True(h.t, ok, "engine did not respond to status request")
	return s
}
