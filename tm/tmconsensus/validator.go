package tmconsensus

import (
	"math/bits"
	"slices"
)

// ValidatorID is the opaque identity of a consensus participant.
type ValidatorID string

// Validator is a consensus participant with its quorum weight.
type Validator struct {
	ID     ValidatorID
	Weight uint64
}

// ValidatorSet is the height-scoped list of validators.
// The order of Validators is significant:
// quorum certificates reference validators by index.
type ValidatorSet struct {
	Validators []Validator
}

// NewValidatorSet returns a ValidatorSet backed by a copy of vals.
func NewValidatorSet(vals []Validator) ValidatorSet {
	return ValidatorSet{Validators: slices.Clone(vals)}
}

// TotalWeight returns the summed weight of every validator.
// It panics if the sum overflows a uint64.
func (s ValidatorSet) TotalWeight() uint64 {
	var total uint64
	for _, v := range s.Validators {
		var carry uint64
		total, carry = bits.Add64(total, v.Weight, 0)
		if carry != 0 {
			panic("BUG: validator set total weight overflows uint64")
		}
	}
	return total
}

// Index returns the position of the validator with the given ID,
// or -1 if it is not in the set.
func (s ValidatorSet) Index(id ValidatorID) int {
	return slices.IndexFunc(s.Validators, func(v Validator) bool {
		return v.ID == id
	})
}

// Contains reports whether id is a member of the set.
func (s ValidatorSet) Contains(id ValidatorID) bool {
	return s.Index(id) >= 0
}

// WeightOf returns the weight of the validator with the given ID,
// and false if the validator is not in the set.
func (s ValidatorSet) WeightOf(id ValidatorID) (uint64, bool) {
	idx := s.Index(id)
	if idx < 0 {
		return 0, false
	}
	return s.Validators[idx].Weight, true
}

// Len returns the number of validators in the set.
func (s ValidatorSet) Len() int {
	return len(s.Validators)
}

// HasQuorum reports whether matching weight is a strict supermajority
// of total weight, i.e. 3*matching > 2*total.
//
// The comparison is done in 128-bit arithmetic
// so that large staking weights cannot overflow.
func HasQuorum(matching, total uint64) bool {
	lhsHi, lhsLo := bits.Mul64(matching, 3)
	rhsHi, rhsLo := bits.Mul64(total, 2)
	if lhsHi != rhsHi {
		return lhsHi > rhsHi
	}
	return lhsLo > rhsLo
}

// ByzantineMajority returns the minimum weight m
// for which HasQuorum(m, total) is true.
func ByzantineMajority(total uint64) uint64 {
	// Smallest m with 3m > 2t is floor(2t/3) + 1.
	hi, lo := bits.Mul64(total, 2)
	q, _ := bits.Div64(hi, lo, 3)
	return q + 1
}

// ByzantineMinority returns the minimum weight that exceeds
// one third of total, i.e. the weight that must include
// at least one honest validator.
func ByzantineMinority(total uint64) uint64 {
	return total/3 + 1
}
