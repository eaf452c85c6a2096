package seqcmd

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/spf13/pflag"
	"github.com/starkware-libs/sequencer-sub015/tm/tmconsensus"
	"github.com/starkware-libs/sequencer-sub015/tm/tmengine"
)

type runFlags struct {
	Listen            []string
	Bootstrap         []string
	Rendezvous        string
	DiscoveryInterval time.Duration

	Self        string
	Validators  []string
	StartHeight uint64

	DebugAddr string

	DemoChunks    int
	DemoChunkSize int

	Engine tmengine.Config
}

func (f *runFlags) register(fs *pflag.FlagSet) {
	def := tmengine.DefaultConfig()

	fs.StringSliceVar(&f.Listen, "listen", []string{"/ip4/0.0.0.0/tcp/0"}, "libp2p listen multiaddrs")
	fs.StringSliceVar(&f.Bootstrap, "bootstrap", nil, "multiaddrs, including /p2p/ peer IDs, of peers to join through")
	fs.StringVar(&f.Rendezvous, "rendezvous", "seqconsensus", "DHT rendezvous string shared by all nodes")
	fs.DurationVar(&f.DiscoveryInterval, "discovery-interval", 10*time.Second, "how often to search the DHT for peers")

	fs.StringVar(&f.Self, "self", "", "this node's validator ID; empty runs an observer")
	fs.StringSliceVar(&f.Validators, "validator", nil, "validator as ID or ID=weight, in proposer order (repeatable)")
	fs.Uint64Var(&f.StartHeight, "start-height", 1, "first height to run")

	fs.StringVar(&f.DebugAddr, "debug-addr", "", "address for the debug HTTP server, host:port or unix:/path; empty disables")

	fs.IntVar(&f.DemoChunks, "demo-chunks", 4, "content chunks per built proposal")
	fs.IntVar(&f.DemoChunkSize, "demo-chunk-size", 256, "bytes per content chunk")

	e := &f.Engine
	fs.DurationVar(&e.StartupDelay, "startup-delay", 2*time.Second, "wait before the first height, to find peers")
	fs.DurationVar(&e.Timeouts.Proposal, "timeout-proposal", def.Timeouts.Proposal, "round 0 propose timeout")
	fs.DurationVar(&e.Timeouts.Prevote, "timeout-prevote", def.Timeouts.Prevote, "round 0 prevote timeout")
	fs.DurationVar(&e.Timeouts.Precommit, "timeout-precommit", def.Timeouts.Precommit, "round 0 precommit timeout")
	fs.DurationVar(&e.Timeouts.RoundIncrement, "timeout-round-increment", def.Timeouts.RoundIncrement, "added to every timeout per round")
	fs.DurationVar(&e.SyncRetryInterval, "sync-retry-interval", def.SyncRetryInterval, "how often to retry sync")
	fs.Uint64Var(&e.FutureHeightLimit, "future-height-limit", def.FutureHeightLimit, "heights ahead to buffer messages for")
	fs.Uint32Var(&e.FutureRoundLimit, "future-round-limit", def.FutureRoundLimit, "rounds ahead to buffer messages for")
	fs.Uint32Var(&e.FutureHeightRoundLimit, "future-height-round-limit", def.FutureHeightRoundLimit, "rounds buffered for future heights")
	fs.IntVar(&e.StreamCacheCapacity, "stream-cache-capacity", def.StreamCacheCapacity, "incomplete proposal streams kept")
	fs.Uint64Var(&e.MaxStreamMessages, "max-stream-messages", def.MaxStreamMessages, "messages allowed in one proposal stream")
}

// parseValidators reads ID or ID=weight entries.
func parseValidators(specs []string) (tmconsensus.ValidatorSet, error) {
	if len(specs) == 0 {
		return tmconsensus.ValidatorSet{}, fmt.Errorf("at least one --validator is required")
	}

	vals := make([]tmconsensus.Validator, 0, len(specs))
	seen := make(map[tmconsensus.ValidatorID]struct{}, len(specs))
	for _, s := range specs {
		id, weight, hasWeight := strings.Cut(s, "=")
		if id == "" {
			return tmconsensus.ValidatorSet{}, fmt.Errorf("validator %q: empty ID", s)
		}

		w := uint64(1)
		if hasWeight {
			var err error
			w, err = strconv.ParseUint(weight, 10, 64)
			if err != nil || w == 0 {
				return tmconsensus.ValidatorSet{}, fmt.Errorf("validator %q: weight must be a positive integer", s)
			}
		}

		vid := tmconsensus.ValidatorID(id)
		if _, ok := seen[vid]; ok {
			return tmconsensus.ValidatorSet{}, fmt.Errorf("validator %q listed twice", id)
		}
		seen[vid] = struct{}{}

		vals = append(vals, tmconsensus.Validator{ID: vid, Weight: w})
	}
	return tmconsensus.NewValidatorSet(vals), nil
}

func parseBootstrap(addrs []string) ([]peer.AddrInfo, error) {
	out := make([]peer.AddrInfo, 0, len(addrs))
	for _, a := range addrs {
		ai, err := peer.AddrInfoFromString(a)
		if err != nil {
			return nil, fmt.Errorf("invalid bootstrap address %q: %w", a, err)
		}
		out = append(out, *ai)
	}
	return out, nil
}

// splitDebugAddr returns the network and address for a --debug-addr value.
func splitDebugAddr(addr string) (network, address string) {
	if p, ok := strings.CutPrefix(addr, "unix:"); ok {
		return "unix", p
	}
	return "tcp", addr
}

func listenDebug(addr string) (net.Listener, error) {
	network, address := splitDebugAddr(addr)
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}
