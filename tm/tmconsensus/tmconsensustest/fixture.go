package tmconsensustest

import (
	"encoding/binary"
	"fmt"

	"github.com/starkware-libs/sequencer-sub015/tm/tmconsensus"
	"golang.org/x/crypto/sha3"
)

// Fixture is a set of deterministic validators
// plus helpers to build votes and proposals for them.
type Fixture struct {
	PrivVals PrivVals
}

// NewEd25519Fixture returns a Fixture with numVals
// deterministic ed25519 validators of weight 1.
func NewEd25519Fixture(numVals int) *Fixture {
	return &Fixture{
		PrivVals: DeterministicValidatorsEd25519(numVals),
	}
}

// ValSet returns the fixture's validator set.
func (f *Fixture) ValSet() tmconsensus.ValidatorSet {
	return tmconsensus.NewValidatorSet(f.PrivVals.Vals())
}

// ID returns the validator ID at index idx.
func (f *Fixture) ID(idx int) tmconsensus.ValidatorID {
	return f.PrivVals[idx].Val.ID
}

// SetWeight overrides the weight of the validator at index idx.
func (f *Fixture) SetWeight(idx int, w uint64) {
	f.PrivVals[idx].Val.Weight = w
}

// Vote returns a vote by the validator at index idx.
// A nil value produces a nil vote.
func (f *Fixture) Vote(
	idx int, h uint64, r uint32, kind tmconsensus.VoteKind, value *tmconsensus.Hash,
) tmconsensus.Vote {
	return tmconsensus.Vote{
		Height: h,
		Round:  r,
		Kind:   kind,
		Value:  value,
		Voter:  f.ID(idx),
	}
}

// Prevote is shorthand for f.Vote with [tmconsensus.Prevote].
func (f *Fixture) Prevote(idx int, h uint64, r uint32, value *tmconsensus.Hash) tmconsensus.Vote {
	return f.Vote(idx, h, r, tmconsensus.Prevote, value)
}

// Precommit is shorthand for f.Vote with [tmconsensus.Precommit].
func (f *Fixture) Precommit(idx int, h uint64, r uint32, value *tmconsensus.Hash) tmconsensus.Vote {
	return f.Vote(idx, h, r, tmconsensus.Precommit, value)
}

// RoundRobinProposer selects validator (height+round) mod n.
// It satisfies the Proposer method of [tmconsensus.Context].
func RoundRobinProposer(vals tmconsensus.ValidatorSet, h uint64, r uint32) tmconsensus.ValidatorID {
	n := uint64(len(vals.Validators))
	if n == 0 {
		panic("BUG: RoundRobinProposer called with empty validator set")
	}
	return vals.Validators[(h+uint64(r))%n].ID
}

// ProposerIndex returns the fixture index of the round robin proposer.
func (f *Fixture) ProposerIndex(h uint64, r uint32) int {
	return int((h + uint64(r)) % uint64(len(f.PrivVals)))
}

// BlockContent returns deterministic proposal content for a height and round.
func BlockContent(h uint64, r uint32) [][]byte {
	return [][]byte{
		[]byte(fmt.Sprintf("height=%d", h)),
		[]byte(fmt.Sprintf("round=%d", r)),
		[]byte("txs"),
	}
}

// ContentHash is the value that proposal content commits to
// in fixtures and test contexts: the SHA3-256 of the concatenated chunks,
// each prefixed with its length.
func ContentHash(content [][]byte) tmconsensus.Hash {
	h := sha3.New256()
	var lenBuf [8]byte
	for _, c := range content {
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(c)))
		_, _ = h.Write(lenBuf[:])
		_, _ = h.Write(c)
	}
	var out tmconsensus.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// ProposalParts returns a well-formed proposal part sequence.
func ProposalParts(init tmconsensus.ProposalInit, content [][]byte) []tmconsensus.ProposalPart {
	parts := make([]tmconsensus.ProposalPart, 0, len(content)+2)
	parts = append(parts, tmconsensus.ProposalPart{Init: &init})
	for _, c := range content {
		parts = append(parts, tmconsensus.ProposalPart{Content: c})
	}
	parts = append(parts, tmconsensus.ProposalPart{
		Fin: &tmconsensus.ProposalFin{Value: ContentHash(content)},
	})
	return parts
}
