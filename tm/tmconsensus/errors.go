package tmconsensus

import (
	"errors"
	"fmt"
)

var (
	// ErrContextClosed indicates the Context collaborator went away.
	ErrContextClosed = errors.New("consensus context closed")

	// ErrNetworkClosed indicates a Network channel closed unexpectedly.
	ErrNetworkClosed = errors.New("network channel closed")

	// ErrNotValidator indicates an operation that requires
	// the local node to be in the validator set.
	ErrNotValidator = errors.New("local node is not a validator")
)

// ConsensusError is a fatal engine error for one height.
// The engine does not retry; the caller decides whether to restart.
type ConsensusError struct {
	Height uint64
	Round  uint32

	Err error
}

func (e *ConsensusError) Error() string {
	return fmt.Sprintf("consensus failed at height %d round %d: %v", e.Height, e.Round, e.Err)
}

func (e *ConsensusError) Unwrap() error {
	return e.Err
}
