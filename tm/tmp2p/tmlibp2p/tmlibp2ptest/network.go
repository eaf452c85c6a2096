// Package tmlibp2ptest builds loopback networks of [tmlibp2p.Connection] values for tests.
package tmlibp2ptest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/starkware-libs/sequencer-sub015/tm/tmcodec"
	"github.com/starkware-libs/sequencer-sub015/tm/tmp2p"
	"github.com/starkware-libs/sequencer-sub015/tm/tmp2p/tmlibp2p"
)

// Network is a fully meshed set of libp2p connections on the loopback interface.
type Network struct {
	log   *slog.Logger
	codec tmcodec.Codec

	mu    sync.Mutex
	conns []*tmlibp2p.Connection
}

func NewNetwork(_ context.Context, log *slog.Logger, codec tmcodec.Codec) (*Network, error) {
	return &Network{log: log, codec: codec}, nil
}

// Connect starts a new host and dials every existing host.
func (n *Network) Connect(ctx context.Context) (tmp2p.Connection, error) {
	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		return nil, fmt.Errorf("failed to create host: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	for _, o := range n.conns {
		oh := o.Host()
		if err := h.Connect(ctx, peer.AddrInfo{ID: oh.ID(), Addrs: oh.Addrs()}); err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("failed to dial %s: %w", oh.ID(), err)
		}
	}

	c, err := tmlibp2p.NewConnection(ctx, n.log.With("conn", len(n.conns)), h, n.codec)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	n.conns = append(n.conns, c)
	return c, nil
}

// Stabilize waits until every connection sees every other on both topics.
func (n *Network) Stabilize(ctx context.Context) error {
	n.mu.Lock()
	conns := append([]*tmlibp2p.Connection(nil), n.conns...)
	n.mu.Unlock()

	want := len(conns) - 1

	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for {
		ready := true
		for _, c := range conns {
			if c.TopicPeers() < want {
				ready = false
				break
			}
		}
		if ready {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("network did not stabilize: %w", context.Cause(ctx))
		case <-t.C:
		}
	}
}

// Wait blocks until every connection has disconnected.
func (n *Network) Wait() {
	n.mu.Lock()
	conns := append([]*tmlibp2p.Connection(nil), n.conns...)
	n.mu.Unlock()

	for _, c := range conns {
		<-c.Disconnected()
	}
}
