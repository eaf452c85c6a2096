package tmintegration

import (
	"context"
	"fmt"
	"testing"

	"github.com/starkware-libs/sequencer-sub015/tm/tmcodec/tmcbor"
	"github.com/starkware-libs/sequencer-sub015/tm/tmp2p/tmlibp2p/tmlibp2ptest"
	"github.com/starkware-libs/sequencer-sub015/tm/tmp2p/tmp2ptest"
)

// Libp2pFactory provides a loopback libp2p network for integration tests.
type Libp2pFactory struct {
	e *Env
}

func NewLibp2pFactory(e *Env) Libp2pFactory {
	return Libp2pFactory{e: e}
}

func (f Libp2pFactory) NewNetwork(_ *testing.T, ctx context.Context) (tmp2ptest.Network, error) {
	codec, err := tmcbor.NewCodec()
	if err != nil {
		return nil, err
	}

	n, err := tmlibp2ptest.NewNetwork(ctx, f.e.RootLogger.With("sys", "libp2p"), codec)
	if err != nil {
		return nil, fmt.Errorf("failed to build network: %w", err)
	}
	return n, nil
}
