// Package glog contains small helpers for consistent structured logging.
package glog

import (
	"encoding/hex"
	"log/slog"
)

// Hex returns a [slog.LogValuer] that lazily formats b as hex.
func Hex(b []byte) slog.LogValuer {
	return hexValuer(b)
}

type hexValuer []byte

func (h hexValuer) LogValue() slog.Value {
	return slog.StringValue(hex.EncodeToString(h))
}

// HR returns a logger annotated with the height and round.
func HR(log *slog.Logger, h uint64, r uint32) *slog.Logger {
	return log.With("h", h, "r", r)
}

// HE returns a logger annotated with the height and error.
func HE(log *slog.Logger, h uint64, err error) *slog.Logger {
	return log.With("h", h, "err", err)
}
