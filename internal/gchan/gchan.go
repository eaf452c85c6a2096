// Package gchan contains helpers for channel operations
// that must respect context cancellation.
package gchan

import (
	"context"
	"log/slog"
)

// SendC sends val on ch, unless ctx is cancelled first.
// On cancellation, it logs at Info level with the given description
// and reports false.
func SendC[T any](
	ctx context.Context, log *slog.Logger,
	ch chan<- T, val T,
	desc string,
) (ok bool) {
	select {
	case <-ctx.Done():
		log.Info(
			"Context cancelled while "+desc,
			"cause", context.Cause(ctx),
		)
		return false
	case ch <- val:
		return true
	}
}

// RecvC receives from ch, unless ctx is cancelled first.
// A closed channel also reports false.
func RecvC[T any](
	ctx context.Context, log *slog.Logger,
	ch <-chan T,
	desc string,
) (val T, ok bool) {
	select {
	case <-ctx.Done():
		log.Info(
			"Context cancelled while "+desc,
			"cause", context.Cause(ctx),
		)
		return val, false
	case val, ok = <-ch:
		return val, ok
	}
}

// ReqResp sends req on reqCh and then waits for a value on respCh.
// Either step may be interrupted by ctx cancellation,
// in which case ReqResp logs the description and reports false.
//
// The caller is responsible for ensuring respCh is buffered
// or otherwise guaranteed to be written by the receiver.
func ReqResp[Req, Resp any](
	ctx context.Context, log *slog.Logger,
	reqCh chan<- Req, req Req,
	respCh <-chan Resp,
	desc string,
) (resp Resp, ok bool) {
	if !SendC(ctx, log, reqCh, req, "making request: "+desc) {
		return resp, false
	}

	return RecvC(ctx, log, respCh, "awaiting response: "+desc)
}
