package tmintegration

import (
	"context"
	"testing"

	"github.com/starkware-libs/sequencer-sub015/tm/tmp2p/tmp2ptest"
)

// HubFactory provides an in-process network for integration tests.
type HubFactory struct {
	e *Env
}

func NewHubFactory(e *Env) HubFactory {
	return HubFactory{e: e}
}

func (f HubFactory) NewNetwork(_ *testing.T, ctx context.Context) (tmp2ptest.Network, error) {
	return tmp2ptest.NewHubNetwork(ctx, f.e.RootLogger.With("sys", "hub")), nil
}
