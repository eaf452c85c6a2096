// Package tmp2ptest contains an in-memory [tmp2p.Connection] implementation
// and a compliance suite for any implementation.
package tmp2ptest

import (
	"context"
	"errors"
	"testing"

	"github.com/starkware-libs/sequencer-sub015/internal/gtest"
	"github.com/starkware-libs/sequencer-sub015/tm/tmconsensus"
	"github.com/starkware-libs/sequencer-sub015/tm/tmp2p"
	"github.com/stretchr/testify/require"
)

// Network is a set of interconnected connections, for tests.
type Network interface {
	Connect(ctx context.Context) (tmp2p.Connection, error)

	// Stabilize blocks until every connection made so far
	// can exchange messages with every other.
	Stabilize(ctx context.Context) error

	// Wait blocks until all connections have shut down,
	// after the context passed to the network constructor is cancelled.
	Wait()
}

// NetworkConstructor builds a fresh Network whose lifetime is bound to ctx.
type NetworkConstructor func(t *testing.T, ctx context.Context) (Network, error)

// deliveryTimeout is generous enough for real transports on loopback.
var deliveryTimeout = gtest.ScaleMs(5000)

// TestNetworkCompliance runs the shared behavior checks against networks built by newNet.
func TestNetworkCompliance(t *testing.T, newNet NetworkConstructor) {
	t.Run("votes reach every other connection", func(t *testing.T) {
		t.Parallel()

		net, conns, cancel := connectN(t, newNet, 3)
		defer net.Wait()
		defer cancel()

		val := tmconsensus.Hash{9}
		v := tmconsensus.Vote{Height: 1, Round: 0, Kind: tmconsensus.Prevote, Value: &val, Voter: "val-0"}

		ctx, c2 := context.WithTimeout(context.Background(), deliveryTimeout)
		defer c2()
		require.NoError(t, conns[0].PublishVote(ctx, v))

		for _, c := range conns[1:] {
			got := gtest.ReceiveOrTimeout(t, c.Votes(), deliveryTimeout)
			require.Equal(t, conns[0].ID(), got.From)
			require.True(t, v.Equal(got.Msg), "got %s", got.Msg)
		}

		gtest.NotSendingSoon(t, conns[0].Votes())
	})

	t.Run("stream messages reach every other connection", func(t *testing.T) {
		t.Parallel()

		net, conns, cancel := connectN(t, newNet, 3)
		defer net.Wait()
		defer cancel()

		msgs := []tmconsensus.StreamMessage{
			{StreamID: 42, MessageID: 0, Payload: []byte("a")},
			{StreamID: 42, MessageID: 1, Payload: []byte("b")},
			{StreamID: 42, MessageID: 2, Fin: true},
		}

		ctx, c2 := context.WithTimeout(context.Background(), deliveryTimeout)
		defer c2()
		for _, m := range msgs {
			require.NoError(t, conns[1].SendStreamMessage(ctx, m))
		}

		for _, c := range []tmp2p.Connection{conns[0], conns[2]} {
			// Transports may reorder; the reassembler tolerates that.
			seen := make(map[uint64]tmconsensus.StreamMessage)
			for range msgs {
				got := gtest.ReceiveOrTimeout(t, c.StreamMessages(), deliveryTimeout)
				require.Equal(t, conns[1].ID(), got.From)
				seen[got.Msg.MessageID] = got.Msg
			}
			for _, m := range msgs {
				got, ok := seen[m.MessageID]
				require.True(t, ok, "missing message %d", m.MessageID)
				require.Equal(t, m.StreamID, got.StreamID)
				require.Equal(t, m.Fin, got.Fin)
				require.Equal(t, string(m.Payload), string(got.Payload))
			}
		}
	})

	t.Run("report peer does not disrupt delivery", func(t *testing.T) {
		t.Parallel()

		net, conns, cancel := connectN(t, newNet, 2)
		defer net.Wait()
		defer cancel()

		conns[1].ReportPeer("unknown-peer", errors.New("malformed stream"))

		ctx, c2 := context.WithTimeout(context.Background(), deliveryTimeout)
		defer c2()
		v := tmconsensus.Vote{Height: 3, Round: 1, Kind: tmconsensus.Precommit, Voter: "val-1"}
		require.NoError(t, conns[0].PublishVote(ctx, v))

		got := gtest.ReceiveOrTimeout(t, conns[1].Votes(), deliveryTimeout)
		require.True(t, v.Equal(got.Msg))
	})

	t.Run("disconnect closes inbound channels", func(t *testing.T) {
		t.Parallel()

		net, conns, cancel := connectN(t, newNet, 2)
		defer net.Wait()
		defer cancel()

		conns[0].Disconnect()
		gtest.WaitClosed(t, conns[0].Disconnected(), deliveryTimeout)

		_, ok := <-conns[0].Votes()
		require.False(t, ok)
		_, ok = <-conns[0].StreamMessages()
		require.False(t, ok)
	})
}

func connectN(t *testing.T, newNet NetworkConstructor, n int) (Network, []tmp2p.Connection, context.CancelFunc) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	net, err := newNet(t, ctx)
	if err != nil {
		cancel()
		t.Fatalf("failed to build network: %v", err)
	}

	conns := make([]tmp2p.Connection, n)
	for i := range conns {
		conns[i], err = net.Connect(ctx)
		if err != nil {
			cancel()
			t.Fatalf("failed to connect %d: %v", i, err)
		}
	}

	sctx, scancel := context.WithTimeout(ctx, deliveryTimeout)
	defer scancel()
	if err := net.Stabilize(sctx); err != nil {
		cancel()
		t.Fatalf("failed to stabilize: %v", err)
	}

	return net, conns, cancel
}
