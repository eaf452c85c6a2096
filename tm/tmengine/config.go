package tmengine

import (
	"errors"
	"fmt"
	"time"

	"github.com/starkware-libs/sequencer-sub015/tm/tmengine/internal/tmcache"
	"github.com/starkware-libs/sequencer-sub015/tm/tmengine/internal/tmtimeout"
)

// Upper bound on buffered messages for one future height and round.
// Honest traffic is two votes per validator plus one proposal.
const cachedMessagesPerRound = 2048

// Timeouts are the per-phase round timeouts.
// Round r waits for its base duration plus r times RoundIncrement.
type Timeouts struct {
	Proposal  time.Duration
	Prevote   time.Duration
	Precommit time.Duration

	RoundIncrement time.Duration
}

func (t Timeouts) durations() tmtimeout.Durations {
	return tmtimeout.Durations{
		Propose:   t.Proposal,
		Prevote:   t.Prevote,
		Precommit: t.Precommit,

		RoundIncrement: t.RoundIncrement,
	}
}

// Config holds the tunable engine parameters.
// Use [DefaultConfig] as a starting point.
type Config struct {
	// How long to wait before the first height starts,
	// giving the network layer time to find peers.
	StartupDelay time.Duration

	Timeouts Timeouts

	// How often to ask the Syncer whether the current height
	// has already been decided elsewhere.
	SyncRetryInterval time.Duration

	// How many heights beyond the current one may have buffered messages.
	FutureHeightLimit uint64

	// How many rounds beyond the current round of the current height
	// may have buffered messages.
	FutureRoundLimit uint32

	// Buffered rounds for future heights are those below this value.
	FutureHeightRoundLimit uint32

	// Maximum number of incomplete inbound proposal streams.
	StreamCacheCapacity int

	// Maximum number of messages in one proposal stream.
	// Zero means no limit.
	MaxStreamMessages uint64
}

// DefaultConfig returns the configuration used when no
// [WithConfig] option is given.
func DefaultConfig() Config {
	return Config{
		StartupDelay: 0,

		Timeouts: Timeouts{
			Proposal:  3 * time.Second,
			Prevote:   time.Second,
			Precommit: time.Second,
		},

		SyncRetryInterval: time.Second,

		FutureHeightLimit:      10,
		FutureRoundLimit:       10,
		FutureHeightRoundLimit: 1,

		StreamCacheCapacity: 100,
		MaxStreamMessages:   1 << 16,
	}
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var errs []error

	if c.StartupDelay < 0 {
		errs = append(errs, fmt.Errorf("StartupDelay must not be negative (got %s)", c.StartupDelay))
	}
	if c.Timeouts.Proposal <= 0 || c.Timeouts.Prevote <= 0 || c.Timeouts.Precommit <= 0 {
		errs = append(errs, fmt.Errorf(
			"phase timeouts must be positive (got proposal=%s prevote=%s precommit=%s)",
			c.Timeouts.Proposal, c.Timeouts.Prevote, c.Timeouts.Precommit,
		))
	}
	if c.Timeouts.RoundIncrement < 0 {
		errs = append(errs, fmt.Errorf(
			"Timeouts.RoundIncrement must not be negative (got %s)", c.Timeouts.RoundIncrement,
		))
	}
	if c.SyncRetryInterval <= 0 {
		errs = append(errs, fmt.Errorf("SyncRetryInterval must be positive (got %s)", c.SyncRetryInterval))
	}
	if c.StreamCacheCapacity <= 0 {
		errs = append(errs, fmt.Errorf("StreamCacheCapacity must be positive (got %d)", c.StreamCacheCapacity))
	}

	return errors.Join(errs...)
}

func (c Config) cacheLimits() tmcache.Limits {
	return tmcache.Limits{
		FutureHeight:      c.FutureHeightLimit,
		FutureRound:       c.FutureRoundLimit,
		FutureHeightRound: c.FutureHeightRoundLimit,

		PerRound: cachedMessagesPerRound,
	}
}
