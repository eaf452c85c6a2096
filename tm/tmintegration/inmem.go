package tmintegration

import (
	"context"

	"github.com/starkware-libs/sequencer-sub015/tm/tmstore"
	"github.com/starkware-libs/sequencer-sub015/tm/tmstore/tmmemstore"
)

// InmemStoreFactory provides in-memory stores for integration tests.
type InmemStoreFactory struct{}

func (InmemStoreFactory) NewDecisionStore(context.Context, int) (tmstore.DecisionStore, error) {
	return tmmemstore.NewDecisionStore(), nil
}
