// Package tmengine runs consensus heights one after another,
// connecting the round state machine to a [tmconsensus.Context]
// and a [tmp2p.Network].
//
// All consensus state is owned by a single goroutine.
// Work that may block, such as building or validating proposals,
// happens in the Context, and its results arrive over channels
// selected on alongside network messages and timers.
package tmengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/starkware-libs/sequencer-sub015/internal/gchan"
	"github.com/starkware-libs/sequencer-sub015/internal/glog"
	"github.com/starkware-libs/sequencer-sub015/tm/tmcodec"
	"github.com/starkware-libs/sequencer-sub015/tm/tmcodec/tmcbor"
	"github.com/starkware-libs/sequencer-sub015/tm/tmconsensus"
	"github.com/starkware-libs/sequencer-sub015/tm/tmengine/internal/tmcache"
	"github.com/starkware-libs/sequencer-sub015/tm/tmengine/internal/tmstream"
	"github.com/starkware-libs/sequencer-sub015/tm/tmengine/tmelink"
	"github.com/starkware-libs/sequencer-sub015/tm/tmengine/tmemetrics"
	"github.com/starkware-libs/sequencer-sub015/tm/tmp2p"
	"github.com/starkware-libs/sequencer-sub015/tm/tmstore"
)

// Reasons passed to [tmp2p.Network.ReportPeer].
var (
	ErrWrongProposer     = errors.New("proposal from a validator that is not the round's proposer")
	ErrDuplicateProposal = errors.New("second proposal for the same height and round")
	ErrInvalidProposal   = errors.New("proposal content failed validation")
	ErrProposalMismatch  = errors.New("validated proposal value differs from the declared value")
	ErrMalformedProposal = errors.New("malformed proposal stream")
)

var (
	errRoundAdvanced = errors.New("round advanced")
	errHeightDone    = errors.New("height finished")
)

// Engine is the consensus engine's public surface.
//
// An Engine runs one height at a time.
// Either call [Engine.Start] once, or drive heights directly with
// [Engine.Run] or [Engine.RunHeight] from a single goroutine.
type Engine struct {
	log *slog.Logger

	cfg Config

	cctx  tmconsensus.Context
	net   tmp2p.Network
	self  tmconsensus.ValidatorID
	codec tmcodec.Codec

	syncer   tmconsensus.Syncer
	store    tmstore.DecisionStore
	metrics  *tmemetrics.Metrics
	sessions chan<- tmelink.RoundSessionChange

	// Owned by whichever goroutine is running heights.
	cache   *tmcache.Cache[cachedMsg]
	streams *tmstream.Reassembler
	ids     *tmstream.IDAllocator

	lastDecision *tmconsensus.Decision

	statusRequests chan chan Status

	done chan struct{}
	err  error
}

// cachedMsg is a message waiting in the cache for its height or round.
// Exactly one of vote and proposal is set.
type cachedMsg struct {
	from tmp2p.PeerID

	vote     *tmconsensus.Vote
	proposal *tmconsensus.Proposal
}

// New returns an Engine configured by opts.
// [WithConsensusContext] and [WithNetwork] are required.
func New(log *slog.Logger, opts ...Opt) (*Engine, error) {
	e := &Engine{
		log: log,
		cfg: DefaultConfig(),

		statusRequests: make(chan chan Status),

		done: make(chan struct{}),
	}

	var errs []error
	for _, o := range opts {
		if err := o(e); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("failed to apply engine options: %w", err)
	}

	if e.cctx == nil {
		return nil, errors.New("tmengine.New: WithConsensusContext is required")
	}
	if e.net == nil {
		return nil, errors.New("tmengine.New: WithNetwork is required")
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	if e.codec == nil {
		c, err := tmcbor.NewCodec()
		if err != nil {
			return nil, err
		}
		e.codec = c
	}

	e.cache = tmcache.New[cachedMsg](e.cfg.cacheLimits())

	streams, err := tmstream.NewReassembler(tmstream.ReassemblerConfig{
		Capacity:    e.cfg.StreamCacheCapacity,
		MaxMessages: e.cfg.MaxStreamMessages,
		OnEvict: func(k tmstream.Key) {
			e.log.Debug("Evicted incomplete proposal stream", "peer", k.Peer, "stream_id", k.StreamID)
			e.metrics.ObserveStreamEviction()
		},
		HeightOf: func(first []byte) (uint64, bool) {
			var p tmconsensus.ProposalPart
			if err := e.codec.UnmarshalProposalPart(first, &p); err != nil || p.Init == nil {
				return 0, false
			}
			return p.Init.Height, true
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream reassembler: %w", err)
	}
	e.streams = streams
	e.ids = tmstream.NewIDAllocator()

	return e, nil
}

// Start runs [Engine.Run] in a background goroutine.
// Use [Engine.Wait] to block until it returns, and [Engine.Err] to read its result.
func (e *Engine) Start(ctx context.Context, startHeight uint64) {
	go func() {
		defer close(e.done)
		e.err = e.Run(ctx, startHeight)
	}()
}

// Wait blocks until the goroutine started by [Engine.Start] has returned.
func (e *Engine) Wait() {
	<-e.done
}

// Err returns the error that stopped the engine.
// It must only be called after [Engine.Wait] returns.
func (e *Engine) Err() error {
	return e.err
}

// Run waits for the configured startup delay,
// then runs heights starting at startHeight until ctx is cancelled
// or a height fails.
func (e *Engine) Run(ctx context.Context, startHeight uint64) error {
	if d := e.cfg.StartupDelay; d > 0 {
		e.log.Info("Delaying consensus start", "delay", d)
		if err := e.idle(ctx, startHeight, time.After(d)); err != nil {
			return err
		}
	}

	for h := startHeight; ; h++ {
		if _, err := e.RunHeight(ctx, h); err != nil {
			return err
		}
	}
}

// idle serves status requests until ready fires or ctx is cancelled.
func (e *Engine) idle(ctx context.Context, h uint64, ready <-chan time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-ready:
			return nil
		case resp := <-e.statusRequests:
			resp <- Status{Height: h, Step: "Starting", LastDecision: e.lastDecision}
		}
	}
}

// Status returns a snapshot of the engine's state.
// It reports false if ctx is cancelled before the engine responds.
func (e *Engine) Status(ctx context.Context) (Status, bool) {
	resp := make(chan Status, 1)
	return gchan.ReqResp[chan Status, Status](ctx, e.log, e.statusRequests, resp, resp, "requesting engine status")
}

// trySync asks the Syncer whether h is already decided.
// Syncer errors are logged and treated as not synced.
func (e *Engine) trySync(ctx context.Context, h uint64) bool {
	if e.syncer == nil {
		return false
	}

	synced, err := e.syncer.TrySync(ctx, h)
	if err != nil {
		if ctx.Err() == nil {
			glog.HE(e.log, h, err).Warn("Sync attempt failed")
		}
		return false
	}
	return synced
}

func (e *Engine) reportPeer(p tmp2p.PeerID, reason string, err error) {
	e.log.Info("Reporting peer", "peer", p, "reason", reason, "err", err)
	e.metrics.ObserveBadPeer(reason)
	e.net.ReportPeer(p, err)
}

func (e *Engine) stash(h uint64, r uint32, m cachedMsg) {
	if !e.cache.Stash(h, r, m) {
		e.metrics.ObserveCacheDrop()
	}
}

func (e *Engine) sendSession(ctx context.Context, h uint64, r uint32, s tmelink.RoundSessionState) {
	if e.sessions == nil {
		return
	}
	_ = gchan.SendC(
		ctx, e.log,
		e.sessions, tmelink.RoundSessionChange{Height: h, Round: r, State: s},
		"sending round session change",
	)
}
