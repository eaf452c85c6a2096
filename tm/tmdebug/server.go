// Package tmdebug serves a read-only HTTP view of a running engine:
// its status, stored decisions, and Prometheus metrics.
package tmdebug

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/starkware-libs/sequencer-sub015/tm/tmengine"
	"github.com/starkware-libs/sequencer-sub015/tm/tmstore"
)

// StatusSource reports engine status. [*tmengine.Engine] satisfies it.
type StatusSource interface {
	Status(ctx context.Context) (tmengine.Status, bool)
}

type HTTPServer struct {
	done chan struct{}
}

type HTTPServerConfig struct {
	Listener net.Listener

	Engine StatusSource

	// Optional.
	Decisions tmstore.DecisionStore

	// Optional; /metrics is not routed without it.
	Gatherer prometheus.Gatherer
}

// NewHTTPServer serves on cfg.Listener until ctx is cancelled.
func NewHTTPServer(ctx context.Context, log *slog.Logger, cfg HTTPServerConfig) *HTTPServer {
	srv := &http.Server{
		Handler: NewHandler(log, cfg),

		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	h := &HTTPServer{
		done: make(chan struct{}),
	}
	go h.serve(log, cfg.Listener, srv)
	go h.waitForShutdown(ctx, srv)

	return h
}

func (h *HTTPServer) Wait() {
	<-h.done
}

func (h *HTTPServer) waitForShutdown(ctx context.Context, srv *http.Server) {
	select {
	case <-h.done:
		return
	case <-ctx.Done():
		_ = srv.Close()
	}
}

func (h *HTTPServer) serve(log *slog.Logger, ln net.Listener, srv *http.Server) {
	defer close(h.done)

	if err := srv.Serve(ln); err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
			log.Info("HTTP server shutting down")
		} else {
			log.Info("HTTP server shutting down due to error", "err", err)
		}
	}
}

// NewHandler returns the router used by [NewHTTPServer].
func NewHandler(log *slog.Logger, cfg HTTPServerConfig) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/status", handleStatus(log, cfg.Engine)).Methods("GET")

	if cfg.Decisions != nil {
		r.HandleFunc("/decisions/latest", handleLatestDecision(log, cfg.Decisions)).Methods("GET")
		r.HandleFunc("/decisions/{height:[0-9]+}", handleDecision(log, cfg.Decisions)).Methods("GET")
	}

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	return r
}

func handleStatus(log *slog.Logger, src StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		s, ok := src.Status(req.Context())
		if !ok {
			http.Error(w, "engine did not report status", http.StatusServiceUnavailable)
			return
		}
		writeJSON(log, w, newJSONStatus(s))
	}
}

func handleLatestDecision(log *slog.Logger, ds tmstore.DecisionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		h, err := ds.LastDecisionHeight(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if h == 0 {
			http.Error(w, "no decisions stored", http.StatusNotFound)
			return
		}
		writeDecision(log, w, req, ds, h)
	}
}

func handleDecision(log *slog.Logger, ds tmstore.DecisionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		h, err := strconv.ParseUint(mux.Vars(req)["height"], 10, 64)
		if err != nil {
			http.Error(w, "invalid height", http.StatusBadRequest)
			return
		}
		writeDecision(log, w, req, ds, h)
	}
}

func writeDecision(log *slog.Logger, w http.ResponseWriter, req *http.Request, ds tmstore.DecisionStore, h uint64) {
	d, err := ds.LoadDecision(req.Context(), h)
	if err != nil {
		var unknown tmstore.HeightUnknownError
		if errors.As(err, &unknown) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(log, w, newJSONDecision(d))
}

func writeJSON(log *slog.Logger, w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("Failed to encode response", "err", err)
	}
}
