package tmconsensustest

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/starkware-libs/sequencer-sub015/tm/tmconsensus"
	"golang.org/x/crypto/sha3"
)

// PrivVal is the "private" view of a fixture validator,
// so that tests have access to the key backing the validator too.
type PrivVal struct {
	// The plain consensus validator.
	Val tmconsensus.Validator

	PrivKey ed25519.PrivateKey
}

type PrivVals []PrivVal

func (vs PrivVals) Vals() []tmconsensus.Validator {
	out := make([]tmconsensus.Validator, len(vs))
	for i, v := range vs {
		out[i] = v.Val
	}
	return out
}

func (vs PrivVals) IDs() []tmconsensus.ValidatorID {
	out := make([]tmconsensus.ValidatorID, len(vs))
	for i, v := range vs {
		out[i] = v.Val.ID
	}
	return out
}

var (
	keyCacheMu sync.Mutex
	keyCache   []ed25519.PrivateKey
)

// DeterministicValidatorsEd25519 returns a deterministic set
// of validators backed by ed25519 keys.
//
// Each validator has Weight 1.
// The ValidatorID is the hex encoding of the public key,
// so that IDs are stable across test runs and readable in logs.
func DeterministicValidatorsEd25519(n int) PrivVals {
	keys := deterministicKeys(n)

	res := make(PrivVals, n)
	for i := range res {
		pub := keys[i].Public().(ed25519.PublicKey)
		res[i] = PrivVal{
			Val: tmconsensus.Validator{
				ID:     tmconsensus.ValidatorID(hex.EncodeToString(pub[:8])),
				Weight: 1,
			},
			PrivKey: keys[i],
		}
	}
	return res
}

func deterministicKeys(n int) []ed25519.PrivateKey {
	keyCacheMu.Lock()
	defer keyCacheMu.Unlock()

	for i := len(keyCache); i < n; i++ {
		seed := sha3.Sum256([]byte(fmt.Sprintf("seqconsensus-fixture-validator-%d", i)))
		keyCache = append(keyCache, ed25519.NewKeyFromSeed(seed[:]))
	}

	return keyCache[:n:n]
}
