// Package tmelink contains types the engine emits to other local subsystems.
package tmelink

import "fmt"

// RoundSessionChange is emitted from the engine
// as its state machine enters and leaves rounds.
//
// The primary use case for this type is for p2p implementations
// that keep per-round sessions, such as stream bookkeeping
// or peer scoring windows.
type RoundSessionChange struct {
	Height uint64
	Round  uint32
	State  RoundSessionState
}

func (c RoundSessionChange) String() string {
	return fmt.Sprintf("RoundSessionChange{h=%d r=%d %s}", c.Height, c.Round, c.State)
}

// RoundSessionState is the state of a session,
// used in [RoundSessionChange].
type RoundSessionState uint8

const (
	_ RoundSessionState = iota // Zero value reserved.

	// The state machine has entered the round.
	RoundSessionStateActive

	// The round was left for a later round of the same height.
	// Precommits for a grace round can still decide the height,
	// so a driver should keep delivering its votes.
	RoundSessionStateGrace

	// The height containing the round has been decided.
	// No message for the round affects the engine any longer.
	RoundSessionStateExpired
)

func (s RoundSessionState) String() string {
	switch s {
	case RoundSessionStateActive:
		return "Active"
	case RoundSessionStateGrace:
		return "Grace"
	case RoundSessionStateExpired:
		return "Expired"
	default:
		return fmt.Sprintf("RoundSessionState(%d)", uint8(s))
	}
}
