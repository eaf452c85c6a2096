package tmengine

import (
	"context"
	"fmt"
	"runtime/trace"
	"time"

	"github.com/starkware-libs/sequencer-sub015/tm/tmconsensus"
	"github.com/starkware-libs/sequencer-sub015/tm/tmengine/internal/tmround"
	"github.com/starkware-libs/sequencer-sub015/tm/tmengine/internal/tmstream"
	"github.com/starkware-libs/sequencer-sub015/tm/tmengine/internal/tmtimeout"
	"github.com/starkware-libs/sequencer-sub015/tm/tmp2p"
)

func (hr *heightRun) handleStreamMessage(
	ctx context.Context, in tmp2p.Inbound[tmconsensus.StreamMessage],
) error {
	defer trace.StartRegion(ctx, "handleStreamMessage").End()

	payloads, done, err := hr.e.streams.Receive(string(in.From), in.Msg)
	if err != nil {
		hr.e.reportPeer(in.From, "bad_stream", err)
		return nil
	}
	if !done {
		return nil
	}

	parts := make([]tmconsensus.ProposalPart, len(payloads))
	for i, b := range payloads {
		if err := hr.e.codec.UnmarshalProposalPart(b, &parts[i]); err != nil {
			hr.e.reportPeer(in.From, "bad_proposal", fmt.Errorf("%w: part %d: %w", ErrMalformedProposal, i, err))
			return nil
		}
	}

	p, err := tmconsensus.ParseProposalParts(parts)
	if err != nil {
		hr.e.reportPeer(in.From, "bad_proposal", fmt.Errorf("%w: %w", ErrMalformedProposal, err))
		return nil
	}

	return hr.routeProposal(ctx, in.From, p)
}

// routeProposal stashes proposals for later heights and rounds,
// drops stale ones, and starts validating one for the current round.
func (hr *heightRun) routeProposal(ctx context.Context, from tmp2p.PeerID, p tmconsensus.Proposal) error {
	init := p.Init

	switch {
	case init.Height < hr.h:
		return nil
	case init.Height > hr.h:
		hr.e.stash(init.Height, init.Round, cachedMsg{from: from, proposal: &p})
		return nil
	}

	cur := hr.m.Round()
	switch {
	case init.Round < cur:
		hr.log.Debug("Dropping proposal for earlier round", "r", init.Round, "from", from)
		return nil
	case init.Round > cur:
		hr.e.stash(init.Height, init.Round, cachedMsg{from: from, proposal: &p})
		return nil
	}

	if want := hr.m.ExpectedProposer(init.Round); init.Proposer != want {
		hr.e.reportPeer(from, "wrong_proposer", fmt.Errorf(
			"%w: %s claims proposer %s, expected %s", ErrWrongProposer, init, init.Proposer, want,
		))
		return nil
	}

	if hr.m.HasProposal(init.Round) || (hr.m.IsValidator() && init.Proposer == hr.e.self) {
		hr.e.reportPeer(from, "duplicate_proposal", fmt.Errorf("%w: %s", ErrDuplicateProposal, init))
		return nil
	}

	if hr.validating != nil {
		if len(hr.queued) >= maxQueuedProposals {
			hr.e.reportPeer(from, "duplicate_proposal", fmt.Errorf("%w: %s", ErrDuplicateProposal, init))
			return nil
		}
		hr.queued = append(hr.queued, pendingProposal{from: from, p: p})
		return nil
	}

	hr.startValidation(pendingProposal{from: from, p: p})
	return nil
}

func (hr *heightRun) proposeDeadline(r uint32) time.Time {
	return time.Now().Add(hr.durations.For(r, tmtimeout.Propose))
}

func (hr *heightRun) startValidation(pp pendingProposal) {
	content := make(chan []byte, len(pp.p.Content))
	for _, c := range pp.p.Content {
		content <- c
	}
	close(content)

	hr.log.Debug("Validating proposal", "init", pp.p.Init, "from", pp.from, "chunks", len(pp.p.Content))

	hr.validating = &validation{
		pendingProposal: pp,
		result: hr.e.cctx.ValidateProposal(
			hr.roundCtx, pp.p.Init, hr.proposeDeadline(pp.p.Init.Round), content,
		),
	}
}

// handleValidated applies a validation result.
// Only a proposal whose content validates to its declared value is accepted;
// a later proposal for the same round may still be accepted otherwise.
func (hr *heightRun) handleValidated(ctx context.Context, v tmconsensus.Hash, ok bool) error {
	val := hr.validating
	hr.validating = nil

	init := val.p.Init

	if !ok {
		hr.e.reportPeer(val.from, "invalid_proposal", fmt.Errorf("%w: %s", ErrInvalidProposal, init))
		return hr.nextQueued()
	}
	if v != val.p.Declared {
		hr.e.reportPeer(val.from, "proposal_mismatch", fmt.Errorf(
			"%w: %s declared %s, validated %s", ErrProposalMismatch, init, val.p.Declared.Short(), v.Short(),
		))
		return hr.nextQueued()
	}

	hr.content[v] = val.p.Content

	outcome, acts := hr.m.HandleProposal(init, &v)
	if outcome != tmround.ProposalAccepted {
		hr.log.Debug("Validated proposal not accepted", "init", init, "outcome", outcome)
	}

	for _, q := range hr.queued {
		hr.e.reportPeer(q.from, "duplicate_proposal", fmt.Errorf("%w: %s", ErrDuplicateProposal, q.p.Init))
	}
	hr.queued = nil

	return hr.apply(ctx, acts)
}

func (hr *heightRun) nextQueued() error {
	if len(hr.queued) == 0 {
		return nil
	}
	next := hr.queued[0]
	hr.queued = hr.queued[1:]
	hr.startValidation(next)
	return nil
}

func (hr *heightRun) startBuild(ctx context.Context, init tmconsensus.ProposalInit) error {
	hr.log.Info("Building proposal", "r", init.Round)

	content, fin := hr.e.cctx.BuildProposal(hr.roundCtx, init, hr.proposeDeadline(init.Round))
	hr.build = &building{
		init: init,
		out:  tmstream.NewOutbound(hr.e.ids.Next()),

		content: content,
		fin:     fin,
	}

	return hr.sendPart(ctx, hr.build.out, tmconsensus.ProposalPart{Init: &init})
}

func (hr *heightRun) handleBuildContent(ctx context.Context, chunk []byte, ok bool) error {
	if !ok {
		// Content done; the value follows on the fin channel.
		hr.build.content = nil
		return nil
	}
	if len(chunk) == 0 {
		return nil
	}

	hr.build.chunks = append(hr.build.chunks, chunk)
	return hr.sendPart(ctx, hr.build.out, tmconsensus.ProposalPart{Content: chunk})
}

func (hr *heightRun) handleBuildFin(ctx context.Context, v tmconsensus.Hash, ok bool) error {
	b := hr.build
	hr.build = nil

	if !ok {
		hr.log.Warn("Proposal build failed", "r", b.init.Round)
		return nil
	}

	if err := hr.finishStream(ctx, b.out, v); err != nil {
		return err
	}

	hr.content[v] = b.chunks

	_, acts := hr.m.HandleProposal(b.init, &v)
	return hr.apply(ctx, acts)
}

// repropose streams the stored content of a valid value under a new init.
func (hr *heightRun) repropose(ctx context.Context, init tmconsensus.ProposalInit, v tmconsensus.Hash) error {
	chunks, ok := hr.content[v]
	if !ok {
		hr.log.Warn("No content stored for re-proposal", "r", init.Round, "value", v.Short())
		return nil
	}

	hr.log.Info("Re-proposing valid value", "r", init.Round, "value", v.Short(), "valid_round", *init.ValidRound)

	out := tmstream.NewOutbound(hr.e.ids.Next())
	if err := hr.sendPart(ctx, out, tmconsensus.ProposalPart{Init: &init}); err != nil {
		return err
	}
	for _, c := range chunks {
		if err := hr.sendPart(ctx, out, tmconsensus.ProposalPart{Content: c}); err != nil {
			return err
		}
	}
	return hr.finishStream(ctx, out, v)
}

func (hr *heightRun) finishStream(ctx context.Context, out *tmstream.Outbound, v tmconsensus.Hash) error {
	if err := hr.sendPart(ctx, out, tmconsensus.ProposalPart{Fin: &tmconsensus.ProposalFin{Value: v}}); err != nil {
		return err
	}
	if err := hr.e.net.SendStreamMessage(ctx, out.Fin()); err != nil {
		return hr.fatal(fmt.Errorf("failed to send stream fin: %w", err))
	}
	return nil
}

func (hr *heightRun) sendPart(ctx context.Context, out *tmstream.Outbound, part tmconsensus.ProposalPart) error {
	b, err := hr.e.codec.MarshalProposalPart(part)
	if err != nil {
		return hr.fatal(fmt.Errorf("failed to encode proposal part: %w", err))
	}
	if err := hr.e.net.SendStreamMessage(ctx, out.Next(b)); err != nil {
		return hr.fatal(fmt.Errorf("failed to send proposal part: %w", err))
	}
	return nil
}
