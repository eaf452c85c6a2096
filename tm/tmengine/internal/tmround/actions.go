package tmround

import (
	"github.com/starkware-libs/sequencer-sub015/tm/tmconsensus"
	"github.com/starkware-libs/sequencer-sub015/tm/tmengine/internal/tmtimeout"
)

// Action is an instruction from the [Machine] to its owner.
// The owner performs actions in the order they are returned.
type Action interface {
	isAction()
}

// BroadcastVote asks the owner to publish the local validator's vote.
// The Machine has already recorded the vote in its own tally.
type BroadcastVote struct {
	Vote tmconsensus.Vote
}

// BuildProposal asks the owner to build and stream a new proposal.
// When the build completes, the owner passes the result
// back through [Machine.HandleProposal].
type BuildProposal struct {
	Init tmconsensus.ProposalInit
}

// Repropose asks the owner to stream the previously seen content
// for Value under a new ProposalInit carrying a valid round.
// The Machine has already accepted this proposal.
type Repropose struct {
	Init  tmconsensus.ProposalInit
	Value tmconsensus.Hash
}

// ScheduleTimeout asks the owner to arm the timer for the round and phase.
type ScheduleTimeout struct {
	Round uint32
	Phase tmtimeout.Phase
}

// CancelTimeout asks the owner to disarm the timer for the round and phase.
type CancelTimeout struct {
	Round uint32
	Phase tmtimeout.Phase
}

// RoundAdvanced reports that the Machine moved to a new round.
// The owner must drop all work tied to earlier rounds
// and feed any buffered messages for the new round.
type RoundAdvanced struct {
	From, To uint32
}

// Decided reports that the height is decided.
// No further actions follow.
type Decided struct {
	Decision tmconsensus.Decision
}

func (BroadcastVote) isAction()   {}
func (BuildProposal) isAction()   {}
func (Repropose) isAction()       {}
func (ScheduleTimeout) isAction() {}
func (CancelTimeout) isAction()   {}
func (RoundAdvanced) isAction()   {}
func (Decided) isAction()         {}
