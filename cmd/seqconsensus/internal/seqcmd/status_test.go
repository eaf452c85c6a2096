package seqcmd

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/starkware-libs/sequencer-sub015/internal/gtest"
	"github.com/starkware-libs/sequencer-sub015/tm/tmconsensus"
	"github.com/starkware-libs/sequencer-sub015/tm/tmdebug"
	"github.com/starkware-libs/sequencer-sub015/tm/tmengine"
	"github.com/starkware-libs/sequencer-sub015/tm/tmstore/tmmemstore"
	"github.com/stretchr/testify/require"
)

type fixedStatus tmengine.Status

func (s fixedStatus) Status(context.Context) (tmengine.Status, bool) {
	return tmengine.Status(s), true
}

func TestStatusCommand_unixSocket(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Keep the socket path short; unix socket paths are length limited.
	addr := "unix:" + filepath.Join(t.TempDir(), "d.sock")
	ln, err := listenDebug(addr)
	require.NoError(t, err)

	store := tmmemstore.NewDecisionStore()
	v := tmconsensus.Hash{9, 9, 9}
	require.NoError(t, store.SaveDecision(ctx, tmconsensus.Decision{Height: 3, Value: v}))

	srv := tmdebug.NewHTTPServer(ctx, gtest.NewLogger(t), tmdebug.HTTPServerConfig{
		Listener:  ln,
		Engine:    fixedStatus{Height: 4, Step: "Prevote"},
		Decisions: store,
	})
	defer srv.Wait()
	defer cancel()

	var out bytes.Buffer
	cmd := NewRootCommand(gtest.NewLogger(t), nil)
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"status", "--debug-addr", addr})
	require.NoError(t, cmd.ExecuteContext(ctx))

	var got struct {
		Height uint64
		Step   string
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.Equal(t, uint64(4), got.Height)
	require.Equal(t, "Prevote", got.Step)

	out.Reset()
	cmd = NewRootCommand(gtest.NewLogger(t), nil)
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"status", "--debug-addr", addr, "--height", "3"})
	require.NoError(t, cmd.ExecuteContext(ctx))
	require.Contains(t, out.String(), v.String())

	cmd = NewRootCommand(gtest.NewLogger(t), nil)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"status", "--debug-addr", addr, "--height", "8"})
	require.ErrorContains(t, cmd.ExecuteContext(ctx), "404")
}
