package tmdebug_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/starkware-libs/sequencer-sub015/internal/gtest"
	"github.com/starkware-libs/sequencer-sub015/tm/tmconsensus"
	"github.com/starkware-libs/sequencer-sub015/tm/tmdebug"
	"github.com/starkware-libs/sequencer-sub015/tm/tmengine"
	"github.com/starkware-libs/sequencer-sub015/tm/tmengine/tmemetrics"
	"github.com/starkware-libs/sequencer-sub015/tm/tmstore/tmmemstore"
	"github.com/stretchr/testify/require"
)

type fixedStatus struct {
	s  tmengine.Status
	ok bool
}

func (f fixedStatus) Status(context.Context) (tmengine.Status, bool) {
	return f.s, f.ok
}

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func TestHandler_status(t *testing.T) {
	t.Parallel()

	v := tmconsensus.Hash{0xab}
	h := tmdebug.NewHandler(gtest.NewLogger(t), tmdebug.HTTPServerConfig{
		Engine: fixedStatus{ok: true, s: tmengine.Status{
			Height: 7,
			Round:  2,
			Step:   "Prevote",
			Lock:   &tmconsensus.Lock{Round: 1, Value: v},
		}},
	})

	code, body := get(t, h, "/status")
	require.Equal(t, http.StatusOK, code)

	var got struct {
		Height uint64
		Round  uint32
		Step   string
		Lock   struct {
			Round uint32
			Value string
		}
	}
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	require.Equal(t, uint64(7), got.Height)
	require.Equal(t, uint32(2), got.Round)
	require.Equal(t, "Prevote", got.Step)
	require.Equal(t, uint32(1), got.Lock.Round)
	require.Equal(t, v.String(), got.Lock.Value)
}

func TestHandler_statusUnavailable(t *testing.T) {
	t.Parallel()

	h := tmdebug.NewHandler(gtest.NewLogger(t), tmdebug.HTTPServerConfig{
		Engine: fixedStatus{ok: false},
	})

	code, _ := get(t, h, "/status")
	require.Equal(t, http.StatusServiceUnavailable, code)
}

func TestHandler_decisions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := tmmemstore.NewDecisionStore()
	h := tmdebug.NewHandler(gtest.NewLogger(t), tmdebug.HTTPServerConfig{
		Engine:    fixedStatus{ok: true},
		Decisions: store,
	})

	code, _ := get(t, h, "/decisions/latest")
	require.Equal(t, http.StatusNotFound, code)

	v := tmconsensus.Hash{1, 2, 3}
	require.NoError(t, store.SaveDecision(ctx, tmconsensus.Decision{Height: 4, Round: 1, Value: v}))

	code, body := get(t, h, "/decisions/4")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, v.String())

	code, body = get(t, h, "/decisions/latest")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `"Height":4`)

	code, _ = get(t, h, "/decisions/5")
	require.Equal(t, http.StatusNotFound, code)

	code, _ = get(t, h, "/decisions/abc")
	require.Equal(t, http.StatusNotFound, code)
}

func TestHandler_metrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := tmemetrics.NewMetrics(reg)
	m.SetHeightRound(12, 0)

	h := tmdebug.NewHandler(gtest.NewLogger(t), tmdebug.HTTPServerConfig{
		Engine:   fixedStatus{ok: true},
		Gatherer: reg,
	})

	code, body := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, code)
	require.True(t, strings.Contains(body, "seqconsensus_height 12"), body)
}

func TestHTTPServer_shutsDownOnCancel(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := tmdebug.NewHTTPServer(ctx, gtest.NewLogger(t), tmdebug.HTTPServerConfig{
		Listener: ln,
		Engine:   fixedStatus{ok: true, s: tmengine.Status{Height: 1}},
	})

	resp, err := http.Get("http://" + ln.Addr().String() + "/status")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	srv.Wait()
}
