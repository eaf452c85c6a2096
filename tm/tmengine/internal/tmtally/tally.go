// Package tmtally accumulates weighted votes for a single height
// and detects quorums and equivocations.
package tmtally

import (
	"fmt"
	"slices"

	"github.com/bits-and-blooms/bitset"
	"github.com/starkware-libs/sequencer-sub015/tm/tmconsensus"
)

// Outcome is the result of [Tally.Record].
type Outcome uint8

const (
	_ Outcome = iota // Invalid.

	Counted      // The vote was new and added to the tally.
	Equivocation // The voter already voted differently; the tally is unchanged.

	// The vote was for an earlier round, a different height,
	// an unknown voter, or was an exact duplicate.
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case Counted:
		return "Counted"
	case Equivocation:
		return "Equivocation"
	case Ignored:
		return "Ignored"
	default:
		return fmt.Sprintf("Outcome(%d)", uint8(o))
	}
}

// EquivocationRecord holds the first accepted vote
// and the conflicting vote that followed it.
type EquivocationRecord struct {
	First, Second tmconsensus.Vote
}

// valueKey distinguishes a nil vote from a vote for the zero hash.
type valueKey struct {
	isNil bool
	hash  tmconsensus.Hash
}

func keyOf(v *tmconsensus.Hash) valueKey {
	if v == nil {
		return valueKey{isNil: true}
	}
	return valueKey{hash: *v}
}

func (k valueKey) value() *tmconsensus.Hash {
	if k.isNil {
		return nil
	}
	return tmconsensus.ValuePtr(k.hash)
}

type kindVotes struct {
	byVoter map[tmconsensus.ValidatorID]tmconsensus.Vote
	weights map[valueKey]uint64

	// Voters already recorded as equivocating.
	equivocators map[tmconsensus.ValidatorID]struct{}

	// Total weight of all counted votes, regardless of value.
	anyWeight uint64

	// First value to cross the quorum threshold.
	quorum    valueKey
	hasQuorum bool
}

func newKindVotes() *kindVotes {
	return &kindVotes{
		byVoter: make(map[tmconsensus.ValidatorID]tmconsensus.Vote),
		weights: make(map[valueKey]uint64),

		equivocators: make(map[tmconsensus.ValidatorID]struct{}),
	}
}

// roundVotes holds one round's votes.
// Prevotes is nil once the round is superseded.
type roundVotes struct {
	prevotes, precommits *kindVotes
}

func (rv *roundVotes) kind(k tmconsensus.VoteKind) *kindVotes {
	if k == tmconsensus.Prevote {
		return rv.prevotes
	}
	return rv.precommits
}

// Tally is the vote accumulator for one height.
// It is not safe for concurrent use.
type Tally struct {
	h     uint64
	vals  tmconsensus.ValidatorSet
	total uint64

	activeRound uint32

	// How many rounds below the active round still accept precommits.
	pastPrecommitRounds uint32

	rounds map[uint32]*roundVotes

	// Prevote quorums of superseded rounds,
	// retained after the votes themselves are discarded.
	pastPrevoteQuorums map[uint32]valueKey

	// At most one record per voter, round and kind.
	equivocations []EquivocationRecord
}

// New returns a Tally for height h with the given validator set.
//
// Precommits keep being counted for pastPrecommitRounds rounds
// below the active round, so that a quorum formed in a round
// this node already left can still decide the height.
func New(h uint64, vals tmconsensus.ValidatorSet, pastPrecommitRounds uint32) *Tally {
	return &Tally{
		h:     h,
		vals:  vals,
		total: vals.TotalWeight(),

		pastPrecommitRounds: pastPrecommitRounds,

		rounds:             make(map[uint32]*roundVotes),
		pastPrevoteQuorums: make(map[uint32]valueKey),
	}
}

// Height returns the height this tally accumulates votes for.
func (t *Tally) Height() uint64 {
	return t.h
}

// ActiveRound returns the lowest round still accepting prevotes.
func (t *Tally) ActiveRound() uint32 {
	return t.activeRound
}

// Record adds v to the tally.
//
// The first vote from a validator for a given round and kind wins:
// a later vote with a different value is reported as an equivocation
// and does not change any weights.
// Only the first conflicting vote per voter, round and kind is kept.
//
// Prevotes below the active round are ignored.
// Precommits below it are counted within the past precommit window.
func (t *Tally) Record(v tmconsensus.Vote) Outcome {
	if v.Height != t.h || !v.Kind.Valid() {
		return Ignored
	}
	past := v.Round < t.activeRound
	if past && (v.Kind == tmconsensus.Prevote || t.activeRound-v.Round > t.pastPrecommitRounds) {
		return Ignored
	}

	w, ok := t.vals.WeightOf(v.Voter)
	if !ok {
		return Ignored
	}

	rv := t.rounds[v.Round]
	if rv == nil {
		rv = &roundVotes{precommits: newKindVotes()}
		if !past {
			rv.prevotes = newKindVotes()
		}
		t.rounds[v.Round] = rv
	}
	kv := rv.kind(v.Kind)

	if prev, ok := kv.byVoter[v.Voter]; ok {
		if tmconsensus.SameValue(prev.Value, v.Value) {
			return Ignored
		}
		if _, seen := kv.equivocators[v.Voter]; !seen {
			kv.equivocators[v.Voter] = struct{}{}
			t.equivocations = append(t.equivocations, EquivocationRecord{First: prev, Second: v})
		}
		return Equivocation
	}

	kv.byVoter[v.Voter] = v
	key := keyOf(v.Value)
	kv.weights[key] += w
	kv.anyWeight += w

	if !kv.hasQuorum && tmconsensus.HasQuorum(kv.weights[key], t.total) {
		kv.quorum = key
		kv.hasQuorum = true
	}

	return Counted
}

// HasQuorum reports the value that reached a quorum
// for the given round and kind, if any.
// A nil value with ok=true is a quorum for nil.
//
// If more than one value crossed the threshold,
// which requires more than a third of the weight to be faulty,
// the first one to cross is returned.
func (t *Tally) HasQuorum(r uint32, k tmconsensus.VoteKind) (value *tmconsensus.Hash, ok bool) {
	kv := t.votes(r, k)
	if kv == nil || !kv.hasQuorum {
		return nil, false
	}
	return kv.quorum.value(), true
}

// HasQuorumAny reports whether votes of any value for the round and kind
// together carry quorum weight.
func (t *Tally) HasQuorumAny(r uint32, k tmconsensus.VoteKind) bool {
	kv := t.votes(r, k)
	return kv != nil && tmconsensus.HasQuorum(kv.anyWeight, t.total)
}

func (t *Tally) votes(r uint32, k tmconsensus.VoteKind) *kindVotes {
	rv := t.rounds[r]
	if rv == nil || !k.Valid() {
		return nil
	}
	return rv.kind(k)
}

// PrevoteQuorumAt returns the value with a prevote quorum in round r.
// Unlike HasQuorum, it also answers for rounds below the active round.
func (t *Tally) PrevoteQuorumAt(r uint32) (value *tmconsensus.Hash, ok bool) {
	if key, ok := t.pastPrevoteQuorums[r]; ok {
		return key.value(), true
	}
	return t.HasQuorum(r, tmconsensus.Prevote)
}

// SetActiveRound discards prevotes for every round below r,
// and precommits for rounds outside the past precommit window.
// Prevote quorums reached in those rounds are retained
// for [Tally.PrevoteQuorumAt].
//
// The active round never moves backwards.
func (t *Tally) SetActiveRound(r uint32) {
	if r < t.activeRound {
		panic(fmt.Errorf("BUG: active round moved backwards from %d to %d", t.activeRound, r))
	}
	t.activeRound = r

	for round, rv := range t.rounds {
		if round >= r {
			continue
		}
		if rv.prevotes != nil {
			if rv.prevotes.hasQuorum {
				t.pastPrevoteQuorums[round] = rv.prevotes.quorum
			}
			rv.prevotes = nil
		}
		if r-round > t.pastPrecommitRounds {
			delete(t.rounds, round)
		}
	}
}

// Weight returns the accumulated weight for value in the round and kind.
func (t *Tally) Weight(r uint32, k tmconsensus.VoteKind, value *tmconsensus.Hash) uint64 {
	kv := t.votes(r, k)
	if kv == nil {
		return 0
	}
	return kv.weights[keyOf(value)]
}

// TotalWeight returns the total weight of the height's validator set.
func (t *Tally) TotalWeight() uint64 {
	return t.total
}

// Certificate returns the quorum certificate for precommits
// on value in round r.
// It returns false if those precommits do not form a quorum.
func (t *Tally) Certificate(r uint32, value tmconsensus.Hash) (tmconsensus.QuorumCertificate, bool) {
	qc := tmconsensus.QuorumCertificate{
		Height: t.h,
		Round:  r,
		Value:  value,
	}

	kv := t.votes(r, tmconsensus.Precommit)
	if kv == nil || !tmconsensus.HasQuorum(kv.weights[keyOf(&value)], t.total) {
		return qc, false
	}

	qc.Signers = bitset.New(uint(t.vals.Len()))
	for i, val := range t.vals.Validators {
		v, ok := kv.byVoter[val.ID]
		if !ok || v.Value == nil || *v.Value != value {
			continue
		}
		qc.Precommits = append(qc.Precommits, v)
		qc.Signers.Set(uint(i))
	}

	return qc, true
}

// Votes returns the counted votes for the round and kind,
// ordered by validator index.
func (t *Tally) Votes(r uint32, k tmconsensus.VoteKind) []tmconsensus.Vote {
	kv := t.votes(r, k)
	if kv == nil {
		return nil
	}
	out := make([]tmconsensus.Vote, 0, len(kv.byVoter))
	for _, v := range kv.byVoter {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b tmconsensus.Vote) int {
		return t.vals.Index(a.Voter) - t.vals.Index(b.Voter)
	})
	return out
}

// Equivocations returns the equivocations recorded so far.
func (t *Tally) Equivocations() []EquivocationRecord {
	return slices.Clone(t.equivocations)
}
