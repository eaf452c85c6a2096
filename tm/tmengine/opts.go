package tmengine

import (
	"errors"

	"github.com/starkware-libs/sequencer-sub015/tm/tmcodec"
	"github.com/starkware-libs/sequencer-sub015/tm/tmconsensus"
	"github.com/starkware-libs/sequencer-sub015/tm/tmengine/tmelink"
	"github.com/starkware-libs/sequencer-sub015/tm/tmengine/tmemetrics"
	"github.com/starkware-libs/sequencer-sub015/tm/tmp2p"
	"github.com/starkware-libs/sequencer-sub015/tm/tmstore"
)

// Opt is an option for [New].
type Opt func(*Engine) error

// WithConfig replaces the [DefaultConfig].
func WithConfig(cfg Config) Opt {
	return func(e *Engine) error {
		e.cfg = cfg
		return nil
	}
}

// WithConsensusContext sets the block building and validating layer.
// This option is required.
func WithConsensusContext(c tmconsensus.Context) Opt {
	return func(e *Engine) error {
		if c == nil {
			return errors.New("consensus context must not be nil")
		}
		e.cctx = c
		return nil
	}
}

// WithNetwork sets the network the engine receives votes
// and proposal streams from. This option is required.
func WithNetwork(n tmp2p.Network) Opt {
	return func(e *Engine) error {
		if n == nil {
			return errors.New("network must not be nil")
		}
		e.net = n
		return nil
	}
}

// WithSelf sets the local validator identity.
// Without it, or when the identity is not in a height's validator set,
// the engine follows that height as an observer.
func WithSelf(id tmconsensus.ValidatorID) Opt {
	return func(e *Engine) error {
		e.self = id
		return nil
	}
}

// WithCodec sets the codec for proposal parts inside streams.
// The default is [tmcbor.Codec].
func WithCodec(c tmcodec.Codec) Opt {
	return func(e *Engine) error {
		e.codec = c
		return nil
	}
}

// WithSyncer sets the collaborator consulted for
// heights decided without this engine.
func WithSyncer(s tmconsensus.Syncer) Opt {
	return func(e *Engine) error {
		e.syncer = s
		return nil
	}
}

// WithDecisionStore sets a store that receives every decision
// after the Context has been notified.
func WithDecisionStore(s tmstore.DecisionStore) Opt {
	return func(e *Engine) error {
		e.store = s
		return nil
	}
}

// WithMetrics sets the metrics the engine records to.
func WithMetrics(m *tmemetrics.Metrics) Opt {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

// WithRoundSessionChanges sets a channel that receives
// every [tmelink.RoundSessionChange].
// The engine blocks on sends, so the channel must be read promptly.
func WithRoundSessionChanges(ch chan<- tmelink.RoundSessionChange) Opt {
	return func(e *Engine) error {
		e.sessions = ch
		return nil
	}
}
