package tmmemstore_test

import (
	"testing"

	"github.com/starkware-libs/sequencer-sub015/tm/tmconsensus/tmconsensustest"
	"github.com/starkware-libs/sequencer-sub015/tm/tmstore"
	"github.com/starkware-libs/sequencer-sub015/tm/tmstore/tmmemstore"
	"github.com/starkware-libs/sequencer-sub015/tm/tmstore/tmstoretest"
)

func TestMemDecisionStoreCompliance(t *testing.T) {
	t.Parallel()

	tmstoretest.TestDecisionStoreCompliance(
		t,
		func(func(func())) (tmstore.DecisionStore, error) {
			return tmmemstore.NewDecisionStore(), nil
		},
		tmconsensustest.NewEd25519Fixture,
	)
}
