package tmlibp2p

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
)

// Discovery finds other consensus nodes through a Kademlia DHT,
// by advertising under and searching for a shared rendezvous string.
type Discovery struct {
	log *slog.Logger

	h          host.Host
	kad        *dht.IpfsDHT
	rd         *drouting.RoutingDiscovery
	rendezvous string
}

// NewDiscovery starts a DHT on h, seeded with the bootstrap peers.
func NewDiscovery(
	ctx context.Context, log *slog.Logger, h host.Host, rendezvous string, bootstrap []peer.AddrInfo,
) (*Discovery, error) {
	kad, err := dht.New(
		ctx, h,
		dht.Mode(dht.ModeAuto),
		dht.ProtocolPrefix(protocol.ID("/seqconsensus")),
		dht.BootstrapPeers(bootstrap...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}

	if err := kad.Bootstrap(ctx); err != nil {
		_ = kad.Close()
		return nil, fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	return &Discovery{
		log: log,

		h:          h,
		kad:        kad,
		rd:         drouting.NewRoutingDiscovery(kad),
		rendezvous: rendezvous,
	}, nil
}

// Run advertises and searches every interval until ctx is cancelled.
// Discovered peers are dialed on a best-effort basis.
func (d *Discovery) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		if _, err := d.rd.Advertise(ctx, d.rendezvous); err != nil {
			d.log.Debug("Failed to advertise", "err", err)
		}

		peers, err := d.rd.FindPeers(ctx, d.rendezvous)
		if err != nil {
			d.log.Warn("Failed to find peers", "err", err)
		} else {
			for p := range peers {
				if p.ID == "" || p.ID == d.h.ID() {
					continue
				}
				if err := d.h.Connect(ctx, p); err != nil {
					d.log.Debug("Failed to dial discovered peer", "peer", p.ID, "err", err)
				}
			}
		}

		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-t.C:
		}
	}
}

func (d *Discovery) Close() error {
	return d.kad.Close()
}
