package tmengine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/trace"
	"time"

	"github.com/starkware-libs/sequencer-sub015/internal/glog"
	"github.com/starkware-libs/sequencer-sub015/tm/tmconsensus"
	"github.com/starkware-libs/sequencer-sub015/tm/tmengine/internal/tmround"
	"github.com/starkware-libs/sequencer-sub015/tm/tmengine/internal/tmstream"
	"github.com/starkware-libs/sequencer-sub015/tm/tmengine/internal/tmtally"
	"github.com/starkware-libs/sequencer-sub015/tm/tmengine/internal/tmtimeout"
	"github.com/starkware-libs/sequencer-sub015/tm/tmengine/tmelink"
	"github.com/starkware-libs/sequencer-sub015/tm/tmp2p"
)

// Proposals for the current round that may wait
// behind one whose validation is in flight.
const maxQueuedProposals = 2

// RunHeight runs rounds of height h until it is decided,
// either by a precommit quorum or by the Syncer.
//
// A consensus decision is passed to the Context's DecisionReached
// and saved in the decision store, if any, before RunHeight returns.
// Synced decisions carry no value and are not reported to the Context.
//
// Errors other than context cancellation are *[tmconsensus.ConsensusError].
func (e *Engine) RunHeight(ctx context.Context, h uint64) (tmconsensus.Decision, error) {
	defer trace.StartRegion(ctx, "RunHeight").End()

	start := time.Now()
	log := e.log.With("h", h)

	e.cache.SetCurrent(h, 0)
	e.streams.Prune(h)
	e.metrics.SetHeightRound(h, 0)

	if e.trySync(ctx, h) {
		log.Info("Height already decided; synced")
		return e.finishSynced(h, start), nil
	}

	vals, err := e.cctx.Validators(ctx, h)
	if err != nil {
		if ctx.Err() != nil {
			return tmconsensus.Decision{}, context.Cause(ctx)
		}
		return tmconsensus.Decision{}, &tmconsensus.ConsensusError{
			Height: h,
			Err:    fmt.Errorf("failed to load validators: %w", err),
		}
	}
	if vals.Len() == 0 || vals.TotalWeight() == 0 {
		return tmconsensus.Decision{}, &tmconsensus.ConsensusError{
			Height: h,
			Err:    fmt.Errorf("validator set has no voting weight"),
		}
	}

	hctx, cancel := context.WithCancelCause(ctx)
	defer cancel(errHeightDone)

	hr := newHeightRun(hctx, e, log, h, vals)
	d, err := hr.run(hctx)
	if err != nil {
		return tmconsensus.Decision{}, err
	}

	for r := uint32(0); r <= hr.m.Round(); r++ {
		e.sendSession(ctx, h, r, tmelink.RoundSessionStateExpired)
	}

	if d.Synced {
		log.Info("Height synced while running")
		return e.finishSynced(h, start), nil
	}

	if err := e.cctx.DecisionReached(ctx, d); err != nil {
		return tmconsensus.Decision{}, &tmconsensus.ConsensusError{
			Height: h,
			Round:  d.Round,
			Err:    fmt.Errorf("failed to report decision: %w", err),
		}
	}

	if e.store != nil {
		if err := e.store.SaveDecision(ctx, d); err != nil {
			return tmconsensus.Decision{}, &tmconsensus.ConsensusError{
				Height: h,
				Round:  d.Round,
				Err:    fmt.Errorf("failed to save decision: %w", err),
			}
		}
	}

	took := time.Since(start)
	e.metrics.ObserveDecision(false, took)
	e.lastDecision = &d

	log.Info(
		"Decided",
		"r", d.Round,
		"value", d.Value.Short(),
		"signers", len(d.Certificate.Precommits),
		"took", took,
	)
	return d, nil
}

func (e *Engine) finishSynced(h uint64, start time.Time) tmconsensus.Decision {
	d := tmconsensus.Decision{Height: h, Synced: true}
	e.metrics.ObserveDecision(true, time.Since(start))
	e.lastDecision = &d
	return d
}

// heightRun is the state of one height while it is running.
type heightRun struct {
	e   *Engine
	log *slog.Logger

	// Cancelled when the height ends.
	ctx context.Context

	h    uint64
	vals tmconsensus.ValidatorSet

	m         *tmround.Machine
	timers    *tmtimeout.Scheduler
	durations tmtimeout.Durations

	// Cancelled when the round advances,
	// stopping in-flight build and validation work.
	roundCtx    context.Context
	cancelRound context.CancelCauseFunc

	build      *building
	validating *validation
	queued     []pendingProposal

	// Content of every proposal built or validated at this height,
	// needed to re-propose a valid value in a later round.
	content map[tmconsensus.Hash][][]byte

	drainPending bool

	decision *tmconsensus.Decision
}

type building struct {
	init tmconsensus.ProposalInit
	out  *tmstream.Outbound

	content <-chan []byte
	fin     <-chan tmconsensus.Hash

	chunks [][]byte
}

type pendingProposal struct {
	from tmp2p.PeerID
	p    tmconsensus.Proposal
}

type validation struct {
	pendingProposal
	result <-chan tmconsensus.Hash
}

func newHeightRun(
	ctx context.Context, e *Engine, log *slog.Logger, h uint64, vals tmconsensus.ValidatorSet,
) *heightRun {
	durations := e.cfg.Timeouts.durations()

	hr := &heightRun{
		e:   e,
		log: log,
		ctx: ctx,

		h:    h,
		vals: vals,

		timers:    tmtimeout.New(ctx, durations, nil),
		durations: durations,

		content: make(map[tmconsensus.Hash][][]byte),
	}

	hr.m = tmround.New(tmround.Config{
		Height:     h,
		Validators: vals,
		Self:       e.self,
		Proposer: func(r uint32) tmconsensus.ValidatorID {
			return e.cctx.Proposer(vals, h, r)
		},
		PastPrecommitRounds: e.cfg.FutureRoundLimit,
	})

	hr.roundCtx, hr.cancelRound = context.WithCancelCause(ctx)
	return hr
}

func (hr *heightRun) run(ctx context.Context) (tmconsensus.Decision, error) {
	if !hr.m.IsValidator() {
		hr.log.Info("Following height as observer", "self", hr.e.self)
	}

	hr.e.sendSession(ctx, hr.h, 0, tmelink.RoundSessionStateActive)

	// Messages for round 0 may have arrived during the previous height.
	hr.drainPending = true
	if err := hr.apply(ctx, hr.m.Start()); err != nil {
		return tmconsensus.Decision{}, err
	}

	var syncC <-chan time.Time
	if hr.e.syncer != nil {
		t := time.NewTicker(hr.e.cfg.SyncRetryInterval)
		defer t.Stop()
		syncC = t.C
	}

	votes := hr.e.net.Votes()
	streams := hr.e.net.StreamMessages()

	for hr.decision == nil {
		var buildContent <-chan []byte
		var buildFin <-chan tmconsensus.Hash
		if hr.build != nil {
			if hr.build.content != nil {
				buildContent = hr.build.content
			} else {
				buildFin = hr.build.fin
			}
		}

		var validated <-chan tmconsensus.Hash
		if hr.validating != nil {
			validated = hr.validating.result
		}

		var err error
		select {
		case <-ctx.Done():
			return tmconsensus.Decision{}, context.Cause(ctx)

		case in, ok := <-votes:
			if !ok {
				return tmconsensus.Decision{}, hr.fatal(tmconsensus.ErrNetworkClosed)
			}
			err = hr.handleVote(ctx, in.From, in.Msg)

		case in, ok := <-streams:
			if !ok {
				return tmconsensus.Decision{}, hr.fatal(tmconsensus.ErrNetworkClosed)
			}
			err = hr.handleStreamMessage(ctx, in)

		case f := <-hr.timers.C():
			if !hr.timers.Accept(f) {
				continue
			}
			hr.log.Debug("Timeout", "r", f.Round, "phase", f.Phase)
			hr.e.metrics.ObserveTimeout(f.Phase.String())
			err = hr.apply(ctx, hr.m.HandleTimeout(f.Round, f.Phase))

		case chunk, ok := <-buildContent:
			err = hr.handleBuildContent(ctx, chunk, ok)

		case v, ok := <-buildFin:
			err = hr.handleBuildFin(ctx, v, ok)

		case v, ok := <-validated:
			err = hr.handleValidated(ctx, v, ok)

		case <-syncC:
			if hr.e.trySync(ctx, hr.h) {
				hr.decision = &tmconsensus.Decision{Height: hr.h, Synced: true}
				hr.teardown()
			}

		case resp := <-hr.e.statusRequests:
			resp <- hr.status()
		}

		if err != nil {
			return tmconsensus.Decision{}, err
		}
	}

	return *hr.decision, nil
}

// fatal wraps err as a ConsensusError at the current round.
// If the height is shutting down, the cancellation cause is returned instead.
func (hr *heightRun) fatal(err error) error {
	if hr.ctx.Err() != nil {
		return context.Cause(hr.ctx)
	}
	return &tmconsensus.ConsensusError{Height: hr.h, Round: hr.m.Round(), Err: err}
}

// teardown stops all round work once the height is decided.
func (hr *heightRun) teardown() {
	hr.cancelRound(errHeightDone)
	hr.timers.CancelAll()
	hr.build = nil
	hr.validating = nil
	hr.queued = nil
}

// apply performs the machine's actions in order.
// Cached messages for a newly entered round are routed
// only after the whole action list is applied.
func (hr *heightRun) apply(ctx context.Context, acts []tmround.Action) error {
	for _, a := range acts {
		if err := hr.applyOne(ctx, a); err != nil {
			return err
		}
		if hr.decision != nil {
			return nil
		}
	}

	if hr.drainPending {
		hr.drainPending = false
		return hr.drainCache(ctx)
	}
	return nil
}

func (hr *heightRun) applyOne(ctx context.Context, a tmround.Action) error {
	switch a := a.(type) {
	case tmround.BroadcastVote:
		v := a.Vote
		if err := hr.e.cctx.Broadcast(ctx, tmconsensus.ConsensusMessage{Vote: &v}); err != nil {
			return hr.fatal(fmt.Errorf("failed to broadcast %s: %w", v, err))
		}

	case tmround.BuildProposal:
		return hr.startBuild(ctx, a.Init)

	case tmround.Repropose:
		return hr.repropose(ctx, a.Init, a.Value)

	case tmround.ScheduleTimeout:
		hr.timers.Arm(a.Round, a.Phase)

	case tmround.CancelTimeout:
		hr.timers.CancelPhase(a.Round, a.Phase)

	case tmround.RoundAdvanced:
		hr.advanceRound(ctx, a.From, a.To)

	case tmround.Decided:
		d := a.Decision
		hr.decision = &d
		hr.teardown()

	default:
		panic(fmt.Errorf("BUG: unhandled action %T", a))
	}
	return nil
}

func (hr *heightRun) advanceRound(ctx context.Context, from, to uint32) {
	glog.HR(hr.e.log, hr.h, to).Info("Advancing round", "from", from)

	hr.cancelRound(errRoundAdvanced)
	hr.roundCtx, hr.cancelRound = context.WithCancelCause(hr.ctx)

	hr.build = nil
	hr.validating = nil
	hr.queued = nil

	for r := from; r < to; r++ {
		hr.timers.CancelAllFor(r)
	}

	hr.e.cache.SetCurrent(hr.h, to)
	hr.drainPending = true

	hr.e.metrics.ObserveRoundAdvance(to)
	hr.e.sendSession(ctx, hr.h, from, tmelink.RoundSessionStateGrace)
	hr.e.sendSession(ctx, hr.h, to, tmelink.RoundSessionStateActive)
}

func (hr *heightRun) drainCache(ctx context.Context) error {
	defer trace.StartRegion(ctx, "drainCache").End()

	for _, cm := range hr.e.cache.Drain(hr.h) {
		if hr.decision != nil {
			return nil
		}

		var err error
		if cm.vote != nil {
			err = hr.handleVote(ctx, cm.from, *cm.vote)
		} else {
			err = hr.routeProposal(ctx, cm.from, *cm.proposal)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// handleVote routes a vote by height and round.
//
// Precommits for later rounds of the current height go straight to the tally,
// so a precommit quorum decides the height whatever the local round.
// Prevotes for later rounds wait in the cache.
func (hr *heightRun) handleVote(ctx context.Context, from tmp2p.PeerID, v tmconsensus.Vote) error {
	defer trace.StartRegion(ctx, "handleVote").End()

	switch {
	case v.Height < hr.h:
		return nil
	case v.Height > hr.h:
		hr.e.stash(v.Height, v.Round, cachedMsg{from: from, vote: &v})
		return nil
	}

	cur := hr.m.Round()
	if v.Round > cur {
		if v.Round-cur > hr.e.cfg.FutureRoundLimit {
			hr.e.metrics.ObserveCacheDrop()
			return nil
		}
		if v.Kind != tmconsensus.Precommit {
			hr.e.stash(v.Height, v.Round, cachedMsg{from: from, vote: &v})
			return nil
		}
	}

	outcome, acts := hr.m.HandleVote(v)
	hr.e.metrics.ObserveVote(outcome.String())
	if outcome == tmtally.Equivocation {
		glog.HR(hr.e.log, hr.h, v.Round).Warn(
			"Equivocation",
			"voter", glog.Hex([]byte(v.Voter)),
			"vote", v,
		)
		hr.e.metrics.ObserveEquivocation()
	}

	return hr.apply(ctx, acts)
}

func (hr *heightRun) status() Status {
	s := Status{
		Height:   hr.h,
		Round:    hr.m.Round(),
		Step:     hr.m.Step().String(),
		Observer: !hr.m.IsValidator(),

		CachedMessages:    hr.e.cache.Len(),
		IncompleteStreams: hr.e.streams.Len(),
		StreamEvictions:   hr.e.streams.Evictions(),
		Equivocations:     len(hr.m.Tally().Equivocations()),

		LastDecision: hr.e.lastDecision,
	}
	if l, ok := hr.m.Lock(); ok {
		s.Lock = &l
	}
	if r, v, ok := hr.m.ValidValue(); ok {
		s.ValidRound = &r
		s.ValidValue = &v
	}
	return s
}
