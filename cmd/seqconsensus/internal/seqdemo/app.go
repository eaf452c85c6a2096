// Package seqdemo is a stand-in block builder for running
// consensus nodes without a sequencer behind them.
//
// Proposals are a few chunks of random bytes,
// and a proposal's value is a 32-byte SHAKE256 digest of its length-prefixed chunks.
package seqdemo

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/starkware-libs/sequencer-sub015/tm/tmconsensus"
	"golang.org/x/crypto/sha3"
)

// VotePublisher is the part of a network connection that broadcasts votes.
type VotePublisher interface {
	PublishVote(ctx context.Context, v tmconsensus.Vote) error
}

type AppConfig struct {
	Validators tmconsensus.ValidatorSet

	// Number and size of content chunks in each built proposal.
	Chunks    int
	ChunkSize int
}

// App implements [tmconsensus.Context] for a fixed validator set.
type App struct {
	log *slog.Logger
	cfg AppConfig
	pub VotePublisher
}

var _ tmconsensus.Context = (*App)(nil)

func NewApp(log *slog.Logger, pub VotePublisher, cfg AppConfig) *App {
	return &App{log: log, cfg: cfg, pub: pub}
}

func (a *App) Validators(context.Context, uint64) (tmconsensus.ValidatorSet, error) {
	return a.cfg.Validators, nil
}

// Proposer rotates through the validators in order.
func (a *App) Proposer(vals tmconsensus.ValidatorSet, h uint64, r uint32) tmconsensus.ValidatorID {
	n := uint64(vals.Len())
	return vals.Validators[(h+uint64(r))%n].ID
}

func (a *App) BuildProposal(
	ctx context.Context, init tmconsensus.ProposalInit, deadline time.Time,
) (<-chan []byte, <-chan tmconsensus.Hash) {
	content := make(chan []byte)
	fin := make(chan tmconsensus.Hash, 1)

	go func() {
		defer close(fin)
		defer close(content)

		ctx, cancel := context.WithDeadline(ctx, deadline)
		defer cancel()

		abandon := func() {
			a.log.Info("Abandoned proposal build", "h", init.Height, "r", init.Round, "cause", context.Cause(ctx))
		}

		v := newValueHasher()
		for range a.cfg.Chunks {
			if ctx.Err() != nil {
				abandon()
				return
			}

			c := make([]byte, a.cfg.ChunkSize)
			_, _ = rand.Read(c)

			select {
			case <-ctx.Done():
				abandon()
				return
			case content <- c:
				v.add(c)
			}
		}
		if ctx.Err() != nil {
			abandon()
			return
		}
		fin <- v.sum()
	}()

	return content, fin
}

func (a *App) ValidateProposal(
	ctx context.Context, init tmconsensus.ProposalInit, _ time.Time, content <-chan []byte,
) <-chan tmconsensus.Hash {
	out := make(chan tmconsensus.Hash, 1)

	go func() {
		defer close(out)

		v := newValueHasher()
		n := 0
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-content:
				if !ok {
					if n == 0 {
						a.log.Info("Rejecting empty proposal", "h", init.Height, "r", init.Round)
						return
					}
					out <- v.sum()
					return
				}
				n++
				v.add(c)
			}
		}
	}()

	return out
}

func (a *App) Broadcast(ctx context.Context, msg tmconsensus.ConsensusMessage) error {
	if msg.Vote == nil {
		return nil
	}
	return a.pub.PublishVote(ctx, *msg.Vote)
}

func (a *App) DecisionReached(_ context.Context, d tmconsensus.Decision) error {
	a.log.Info(
		"Block committed",
		"h", d.Height, "r", d.Round, "value", d.Value.Short(), "signers", len(d.Certificate.Precommits),
	)
	return nil
}

type valueHasher struct {
	h sha3.ShakeHash
}

func newValueHasher() *valueHasher {
	return &valueHasher{h: sha3.NewShake256()}
}

func (v *valueHasher) add(c []byte) {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(c)))
	_, _ = v.h.Write(lenBuf[:])
	_, _ = v.h.Write(c)
}

func (v *valueHasher) sum() tmconsensus.Hash {
	var out tmconsensus.Hash
	_, _ = v.h.Read(out[:])
	return out
}
