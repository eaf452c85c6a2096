package tmconsensus

import "fmt"

// VoteKind distinguishes prevotes from precommits.
type VoteKind uint8

const (
	_ VoteKind = iota // Zero value reserved.

	Prevote
	Precommit
)

func (k VoteKind) String() string {
	switch k {
	case Prevote:
		return "Prevote"
	case Precommit:
		return "Precommit"
	default:
		return fmt.Sprintf("VoteKind(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the defined kinds.
func (k VoteKind) Valid() bool {
	return k == Prevote || k == Precommit
}

// Vote is a single validator's vote for a value, or for nil,
// in one round of one height.
//
// Votes are immutable once created.
// Signature verification happens before a Vote reaches the engine.
type Vote struct {
	Height uint64
	Round  uint32
	Kind   VoteKind

	// Nil Value means a vote for nil.
	Value *Hash

	Voter ValidatorID
}

// IsNil reports whether v is a vote for nil.
func (v Vote) IsNil() bool {
	return v.Value == nil
}

// SameTarget reports whether v and o are votes by the same voter
// for the same height, round, and kind, regardless of value.
func (v Vote) SameTarget(o Vote) bool {
	return v.Height == o.Height &&
		v.Round == o.Round &&
		v.Kind == o.Kind &&
		v.Voter == o.Voter
}

// Equal reports whether v and o are identical votes.
func (v Vote) Equal(o Vote) bool {
	return v.SameTarget(o) && SameValue(v.Value, o.Value)
}

func (v Vote) String() string {
	return fmt.Sprintf(
		"%s{h=%d r=%d v=%s by=%s}",
		v.Kind, v.Height, v.Round, FormatValue(v.Value), v.Voter,
	)
}

// ConsensusMessage is the value handed to [Context.Broadcast].
// Exactly one field is set.
type ConsensusMessage struct {
	Vote *Vote
}
