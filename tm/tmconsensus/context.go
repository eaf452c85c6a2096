package tmconsensus

import (
	"context"
	"time"
)

// Context is the block-building and validating layer
// that the consensus engine drives.
//
// Methods returning channels must not block;
// the engine selects on the returned channels alongside its other inputs.
type Context interface {
	// Validators returns the validator set for the given height.
	Validators(ctx context.Context, height uint64) (ValidatorSet, error)

	// Proposer returns the designated proposer for the height and round.
	// It must be deterministic across all nodes.
	Proposer(vals ValidatorSet, height uint64, round uint32) ValidatorID

	// BuildProposal starts building a new proposal.
	// Content chunks are sent on the first channel, which is closed when
	// building completes. The resulting value is then sent on the second channel.
	// Closing the second channel without a value indicates a failed build.
	//
	// The build must stop when ctx is cancelled.
	BuildProposal(ctx context.Context, init ProposalInit, deadline time.Time) (
		content <-chan []byte, fin <-chan Hash,
	)

	// ValidateProposal consumes content until it is closed
	// and sends the value the content commits to.
	// Closing the returned channel without a value means the content is invalid.
	//
	// Validation must stop when ctx is cancelled.
	ValidateProposal(
		ctx context.Context, init ProposalInit, deadline time.Time, content <-chan []byte,
	) <-chan Hash

	// Broadcast publishes a consensus message produced by the local validator.
	Broadcast(ctx context.Context, msg ConsensusMessage) error

	// DecisionReached is called exactly once per decided height.
	DecisionReached(ctx context.Context, d Decision) error
}

// Syncer is an optional collaborator that reports whether a height
// has already been decided by the network and synced locally.
type Syncer interface {
	TrySync(ctx context.Context, height uint64) (synced bool, err error)
}

// SyncerFunc converts a plain function into a [Syncer].
type SyncerFunc func(ctx context.Context, height uint64) (bool, error)

// TrySync implements [Syncer].
func (f SyncerFunc) TrySync(ctx context.Context, height uint64) (bool, error) {
	return f(ctx, height)
}
