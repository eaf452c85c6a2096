package tmconsensustest

import (
	"context"
	"sync"
	"time"

	"github.com/starkware-libs/sequencer-sub015/tm/tmconsensus"
)

// VotePublisher is the part of a network connection an [App] broadcasts through.
type VotePublisher interface {
	PublishVote(ctx context.Context, v tmconsensus.Vote) error
}

// App is a deterministic [tmconsensus.Context] for tests and local demos.
//
// Proposals are [BlockContent] chunks committed to by [ContentHash],
// proposers rotate with [RoundRobinProposer],
// and every decision is delivered on [App.Decisions].
type App struct {
	vals tmconsensus.ValidatorSet
	pub  VotePublisher

	// Silent, if set, reports rounds for which BuildProposal
	// never produces anything.
	Silent func(h uint64, r uint32) bool

	// Reject, if set, reports proposals that fail validation.
	Reject func(init tmconsensus.ProposalInit) bool

	// Content, if set, replaces BlockContent.
	Content func(h uint64, r uint32) [][]byte

	// Withhold, if set, reports local votes that are not published.
	// The engine still counts its own withheld votes.
	Withhold func(v tmconsensus.Vote) bool

	decisions chan tmconsensus.Decision

	mu        sync.Mutex
	decidedAt map[uint64]tmconsensus.Hash
}

var _ tmconsensus.Context = (*App)(nil)

// NewApp returns an App for a fixed validator set.
// Votes are broadcast through pub.
func NewApp(vals tmconsensus.ValidatorSet, pub VotePublisher) *App {
	return &App{
		vals: vals,
		pub:  pub,

		// Large enough that tests running a handful of heights never block.
		decisions: make(chan tmconsensus.Decision, 64),

		decidedAt: make(map[uint64]tmconsensus.Hash),
	}
}

// Decisions returns the channel of decisions reported to the App.
func (a *App) Decisions() <-chan tmconsensus.Decision {
	return a.decisions
}

// Decided returns the value decided at h, if any.
func (a *App) Decided(h uint64) (tmconsensus.Hash, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.decidedAt[h]
	return v, ok
}

func (a *App) Validators(context.Context, uint64) (tmconsensus.ValidatorSet, error) {
	return a.vals, nil
}

func (a *App) Proposer(vals tmconsensus.ValidatorSet, h uint64, r uint32) tmconsensus.ValidatorID {
	return RoundRobinProposer(vals, h, r)
}

func (a *App) content(h uint64, r uint32) [][]byte {
	if a.Content != nil {
		return a.Content(h, r)
	}
	return BlockContent(h, r)
}

func (a *App) BuildProposal(
	ctx context.Context, init tmconsensus.ProposalInit, _ time.Time,
) (<-chan []byte, <-chan tmconsensus.Hash) {
	content := make(chan []byte)
	fin := make(chan tmconsensus.Hash, 1)

	go func() {
		defer close(fin)
		defer close(content)

		if a.Silent != nil && a.Silent(init.Height, init.Round) {
			<-ctx.Done()
			return
		}

		chunks := a.content(init.Height, init.Round)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case content <- c:
			}
		}
		fin <- ContentHash(chunks)
	}()

	return content, fin
}

func (a *App) ValidateProposal(
	ctx context.Context, init tmconsensus.ProposalInit, _ time.Time, content <-chan []byte,
) <-chan tmconsensus.Hash {
	out := make(chan tmconsensus.Hash, 1)

	go func() {
		defer close(out)

		var chunks [][]byte
	READ:
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-content:
				if !ok {
					break READ
				}
				chunks = append(chunks, c)
			}
		}

		if a.Reject != nil && a.Reject(init) {
			return
		}
		out <- ContentHash(chunks)
	}()

	return out
}

func (a *App) Broadcast(ctx context.Context, msg tmconsensus.ConsensusMessage) error {
	if msg.Vote == nil {
		return nil
	}
	if a.Withhold != nil && a.Withhold(*msg.Vote) {
		return nil
	}
	return a.pub.PublishVote(ctx, *msg.Vote)
}

func (a *App) DecisionReached(ctx context.Context, d tmconsensus.Decision) error {
	a.mu.Lock()
	a.decidedAt[d.Height] = d.Value
	a.mu.Unlock()

	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case a.decisions <- d:
		return nil
	}
}
