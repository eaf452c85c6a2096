package tmstore

import (
	"context"
	"fmt"

	"github.com/starkware-libs/sequencer-sub015/tm/tmconsensus"
)

// DecisionStore stores and retrieves the decisions
// that the local engine has reached.
//
// Durability is up to the implementation.
type DecisionStore interface {
	// SaveDecision stores d.
	// Saving a decision identical to one already stored is not an error;
	// saving a different decision for a stored height
	// returns an [OverwriteError].
	SaveDecision(ctx context.Context, d tmconsensus.Decision) error

	// LoadDecision returns the decision for the given height,
	// or a [HeightUnknownError] if there is none.
	LoadDecision(ctx context.Context, height uint64) (tmconsensus.Decision, error)

	// LastDecisionHeight returns the greatest stored height,
	// or zero if the store is empty.
	LastDecisionHeight(ctx context.Context) (uint64, error)
}

// HeightUnknownError is returned when a store has no record of a height.
type HeightUnknownError struct {
	Want uint64
}

func (e HeightUnknownError) Error() string {
	return fmt.Sprintf("height %d unknown", e.Want)
}

// OverwriteError is returned when a save would replace
// an existing, different record.
type OverwriteError struct {
	Field, Value string
}

func (e OverwriteError) Error() string {
	return fmt.Sprintf("refusing to overwrite %s=%s", e.Field, e.Value)
}
