package tmconsensus

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// QuorumCertificate is the set of precommits that decided a value.
type QuorumCertificate struct {
	Height uint64
	Round  uint32
	Value  Hash

	Precommits []Vote

	// Signers has bit i set when validator i of the height's
	// ValidatorSet is among Precommits.
	Signers *bitset.BitSet
}

// Weight returns the summed weight of the signers in vals.
func (qc QuorumCertificate) Weight(vals ValidatorSet) uint64 {
	var w uint64
	if qc.Signers == nil {
		return 0
	}
	for i, ok := qc.Signers.NextSet(0); ok; i, ok = qc.Signers.NextSet(i + 1) {
		if int(i) < len(vals.Validators) {
			w += vals.Validators[i].Weight
		}
	}
	return w
}

// Verify checks that qc is internally consistent against vals
// and that its signers form a quorum.
func (qc QuorumCertificate) Verify(vals ValidatorSet) error {
	if qc.Signers == nil {
		return fmt.Errorf("missing signer bitset")
	}
	if uint(qc.Signers.Count()) != uint(len(qc.Precommits)) {
		return fmt.Errorf(
			"signer count %d does not match precommit count %d",
			qc.Signers.Count(), len(qc.Precommits),
		)
	}
	for _, v := range qc.Precommits {
		if v.Kind != Precommit || v.Height != qc.Height || v.Round != qc.Round {
			return fmt.Errorf("precommit %s does not match certificate h=%d r=%d", v, qc.Height, qc.Round)
		}
		if v.Value == nil || *v.Value != qc.Value {
			return fmt.Errorf("precommit %s does not match certificate value %s", v, qc.Value.Short())
		}
		idx := vals.Index(v.Voter)
		if idx < 0 || !qc.Signers.Test(uint(idx)) {
			return fmt.Errorf("precommit voter %s not marked as signer", v.Voter)
		}
	}
	if w, total := qc.Weight(vals), vals.TotalWeight(); !HasQuorum(w, total) {
		return fmt.Errorf("signer weight %d is not a quorum of %d", w, total)
	}
	return nil
}

// Decision is the outcome of one height.
type Decision struct {
	Height uint64
	Round  uint32
	Value  Hash

	// Certificate is empty when Synced is true.
	Certificate QuorumCertificate

	// Synced is set when the height was decided by an external sync
	// rather than by local vote tallying.
	Synced bool
}
