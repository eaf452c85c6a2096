// Package tmcache buffers consensus messages that arrive
// before their height or round is active.
package tmcache

import (
	"github.com/tidwall/btree"
)

// Limits bound which future messages are retained.
type Limits struct {
	// How many heights beyond the current one may have buffered messages.
	FutureHeight uint64

	// How many rounds beyond the current round of the current height
	// may have buffered messages.
	FutureRound uint32

	// Messages for future heights are only buffered
	// when their round is below this value.
	FutureHeightRound uint32

	// Upper bound on messages buffered for a single height and round.
	// Zero means no bound.
	PerRound int
}

// Cache is a bounded store of future messages, ordered by height and round.
// It is not safe for concurrent use.
type Cache[M any] struct {
	lim Limits

	curH uint64
	curR uint32

	heights btree.Map[uint64, *btree.Map[uint32, []M]]
	n       int
}

// New returns an empty cache positioned at height 0, round 0.
func New[M any](lim Limits) *Cache[M] {
	return &Cache[M]{lim: lim}
}

// SetCurrent records the active height and round,
// and discards messages for heights below h.
// Messages already buffered for height h are kept until drained.
func (c *Cache[M]) SetCurrent(h uint64, r uint32) {
	c.curH, c.curR = h, r
	c.Prune(h)
}

// Accepts reports whether a message for the height and round
// would be retained by Stash, ignoring the per-round bound.
func (c *Cache[M]) Accepts(h uint64, r uint32) bool {
	switch {
	case h < c.curH:
		return false
	case h == c.curH:
		return r > c.curR && r-c.curR <= c.lim.FutureRound
	default:
		return h-c.curH <= c.lim.FutureHeight && r < c.lim.FutureHeightRound
	}
}

// Stash buffers msg for the height and round.
// It reports false, dropping the message, when the message falls
// outside the configured limits.
func (c *Cache[M]) Stash(h uint64, r uint32, msg M) bool {
	if !c.Accepts(h, r) {
		return false
	}

	rounds, ok := c.heights.Get(h)
	if !ok {
		rounds = new(btree.Map[uint32, []M])
		c.heights.Set(h, rounds)
	}

	msgs, _ := rounds.Get(r)
	if c.lim.PerRound > 0 && len(msgs) >= c.lim.PerRound {
		return false
	}
	rounds.Set(r, append(msgs, msg))
	c.n++
	return true
}

// Drain removes and returns every message buffered for height h,
// ordered by round and then by arrival.
func (c *Cache[M]) Drain(h uint64) []M {
	rounds, ok := c.heights.Delete(h)
	if !ok {
		return nil
	}

	var out []M
	rounds.Scan(func(_ uint32, msgs []M) bool {
		out = append(out, msgs...)
		return true
	})
	c.n -= len(out)
	return out
}

// Prune discards every message for heights below h.
func (c *Cache[M]) Prune(h uint64) {
	for {
		minH, rounds, ok := c.heights.Min()
		if !ok || minH >= h {
			return
		}
		c.heights.Delete(minH)
		rounds.Scan(func(_ uint32, msgs []M) bool {
			c.n -= len(msgs)
			return true
		})
	}
}

// Len returns the number of buffered messages.
func (c *Cache[M]) Len() int {
	return c.n
}

// Heights returns the heights that currently have buffered messages,
// in ascending order.
func (c *Cache[M]) Heights() []uint64 {
	return c.heights.Keys()
}
