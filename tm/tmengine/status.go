package tmengine

import (
	"github.com/starkware-libs/sequencer-sub015/tm/tmconsensus"
)

// Status is a point-in-time view of the engine,
// for debugging and operator tooling.
type Status struct {
	Height uint64
	Round  uint32
	Step   string

	// Observer is set when the local node is not a validator at Height.
	Observer bool

	Lock *tmconsensus.Lock

	ValidRound *uint32
	ValidValue *tmconsensus.Hash

	CachedMessages    int
	IncompleteStreams int
	StreamEvictions   uint64
	Equivocations     int

	LastDecision *tmconsensus.Decision
}
