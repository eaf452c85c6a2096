package seqcmd

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/starkware-libs/sequencer-sub015/cmd/seqconsensus/internal/seqdemo"
	"github.com/starkware-libs/sequencer-sub015/tm/tmcodec/tmcbor"
	"github.com/starkware-libs/sequencer-sub015/tm/tmconsensus"
	"github.com/starkware-libs/sequencer-sub015/tm/tmdebug"
	"github.com/starkware-libs/sequencer-sub015/tm/tmengine"
	"github.com/starkware-libs/sequencer-sub015/tm/tmengine/tmemetrics"
	"github.com/starkware-libs/sequencer-sub015/tm/tmp2p/tmlibp2p"
	"github.com/starkware-libs/sequencer-sub015/tm/tmstore/tmmemstore"
	"golang.org/x/sync/errgroup"
)

func newRunCommand(log *slog.Logger) *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a consensus node with a demo block builder",
		Args:  cobra.NoArgs,

		RunE: func(cmd *cobra.Command, _ []string) error {
			return runNode(cmd.Context(), log, f)
		},
	}
	f.register(cmd.Flags())

	return cmd
}

func runNode(ctx context.Context, log *slog.Logger, f runFlags) error {
	vals, err := parseValidators(f.Validators)
	if err != nil {
		return err
	}
	bootstrap, err := parseBootstrap(f.Bootstrap)
	if err != nil {
		return err
	}
	if err := f.Engine.Validate(); err != nil {
		return err
	}

	name := f.Self
	if name == "" {
		name = petname.Generate(2, "-")
	}
	log = log.With("node", name)
	if f.Self == "" || !vals.Contains(tmconsensus.ValidatorID(f.Self)) {
		log.Info("Not in the validator set; running as observer")
	}

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate host key: %w", err)
	}
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(f.Listen...),
	)
	if err != nil {
		return fmt.Errorf("failed to start libp2p host: %w", err)
	}
	log.Info("Started libp2p host", "peer_id", h.ID(), "addrs", h.Addrs())

	codec, err := tmcbor.NewCodec()
	if err != nil {
		_ = h.Close()
		return err
	}

	conn, err := tmlibp2p.NewConnection(ctx, log.With("sys", "p2p"), h, codec)
	if err != nil {
		_ = h.Close()
		return err
	}
	defer conn.Disconnect()

	disc, err := tmlibp2p.NewDiscovery(ctx, log.With("sys", "discovery"), h, f.Rendezvous, bootstrap)
	if err != nil {
		return err
	}
	defer func() {
		if err := disc.Close(); err != nil {
			log.Warn("Failed to close discovery", "err", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store := tmmemstore.NewDecisionStore()

	app := seqdemo.NewApp(log.With("sys", "app"), conn, seqdemo.AppConfig{
		Validators: vals,
		Chunks:     f.DemoChunks,
		ChunkSize:  f.DemoChunkSize,
	})

	e, err := tmengine.New(
		log.With("sys", "engine"),
		tmengine.WithConfig(f.Engine),
		tmengine.WithConsensusContext(app),
		tmengine.WithNetwork(conn),
		tmengine.WithSelf(tmconsensus.ValidatorID(f.Self)),
		tmengine.WithCodec(codec),
		tmengine.WithDecisionStore(store),
		tmengine.WithMetrics(tmemetrics.NewMetrics(reg)),
	)
	if err != nil {
		return err
	}

	var debugLn net.Listener
	if f.DebugAddr != "" {
		debugLn, err = listenDebug(f.DebugAddr)
		if err != nil {
			return err
		}
		log.Info("Serving debug HTTP", "addr", debugLn.Addr())
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return e.Run(egCtx, f.StartHeight)
	})
	eg.Go(func() error {
		return disc.Run(egCtx, f.DiscoveryInterval)
	})

	if debugLn != nil {
		srv := tmdebug.NewHTTPServer(egCtx, log.With("sys", "http"), tmdebug.HTTPServerConfig{
			Listener:  debugLn,
			Engine:    e,
			Decisions: store,
			Gatherer:  reg,
		})
		eg.Go(func() error {
			srv.Wait()
			return nil
		})
	}

	err = eg.Wait()
	if ctx.Err() != nil && errors.Is(err, context.Cause(ctx)) {
		log.Info("Shutting down")
		return nil
	}
	return err
}
