// Package tmtimeout schedules the per-round consensus timeouts.
//
// Timer firings are delivered on a single channel
// that the engine selects on alongside its other inputs.
// A firing is only acted upon if [Scheduler.Accept] confirms
// that its handle is still live, so a cancelled timer
// can never produce a stale event even if it raced into the channel.
package tmtimeout

import (
	"context"
	"fmt"
	"time"
)

// Phase is the consensus step a timeout belongs to.
type Phase uint8

const (
	_ Phase = iota // Zero value reserved.

	Propose
	Prevote
	Precommit
)

func (p Phase) String() string {
	switch p {
	case Propose:
		return "Propose"
	case Prevote:
		return "Prevote"
	case Precommit:
		return "Precommit"
	default:
		return fmt.Sprintf("Phase(%d)", uint8(p))
	}
}

// Durations holds the base timeout for each phase,
// plus a linear increment applied per round
// so that a struggling height gives slow nodes progressively more time.
type Durations struct {
	Propose   time.Duration
	Prevote   time.Duration
	Precommit time.Duration

	RoundIncrement time.Duration
}

// For returns the timeout for the given round and phase.
func (d Durations) For(round uint32, p Phase) time.Duration {
	var base time.Duration
	switch p {
	case Propose:
		base = d.Propose
	case Prevote:
		base = d.Prevote
	case Precommit:
		base = d.Precommit
	default:
		panic(fmt.Errorf("BUG: no duration for phase %s", p))
	}
	return base + time.Duration(round)*d.RoundIncrement
}

// Handle identifies one armed timer.
type Handle struct {
	id uint64
}

// IsZero reports whether h is the zero Handle, which never refers to a timer.
func (h Handle) IsZero() bool {
	return h.id == 0
}

// Fired is delivered on [Scheduler.C] when a timer elapses.
type Fired struct {
	Round uint32
	Phase Phase

	h Handle
}

// Handle returns the handle of the timer that fired.
func (f Fired) Handle() Handle {
	return f.h
}

type liveTimer struct {
	round uint32
	phase Phase
	stop  func() bool
}

type phaseKey struct {
	round uint32
	phase Phase
}

// AfterFunc matches [time.AfterFunc],
// returning only the stop function of the timer.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

func realAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Scheduler arms and cancels consensus timeouts.
// It must only be used from the goroutine that owns it;
// only the internal timer callbacks run elsewhere, and they
// touch nothing but the output channel.
type Scheduler struct {
	ctx context.Context

	d         Durations
	afterFunc AfterFunc

	out chan Fired

	nextID uint64
	live   map[uint64]liveTimer
	byKey  map[phaseKey]Handle
}

// New returns a Scheduler whose timer callbacks stop delivering
// once ctx is cancelled.
// If af is nil, real timers are used.
func New(ctx context.Context, d Durations, af AfterFunc) *Scheduler {
	if af == nil {
		af = realAfterFunc
	}
	return &Scheduler{
		ctx: ctx,

		d:         d,
		afterFunc: af,

		out: make(chan Fired, 4),

		live:  make(map[uint64]liveTimer),
		byKey: make(map[phaseKey]Handle),
	}
}

// C returns the channel on which timer firings are delivered.
func (s *Scheduler) C() <-chan Fired {
	return s.out
}

// Arm starts the timer for the round and phase.
// If that timer is already armed, the existing handle is returned
// and the timer is not restarted.
func (s *Scheduler) Arm(round uint32, p Phase) Handle {
	key := phaseKey{round: round, phase: p}
	if h, ok := s.byKey[key]; ok {
		return h
	}

	s.nextID++
	h := Handle{id: s.nextID}
	f := Fired{Round: round, Phase: p, h: h}

	ctx := s.ctx
	out := s.out
	stop := s.afterFunc(s.d.For(round, p), func() {
		select {
		case out <- f:
		case <-ctx.Done():
		}
	})

	s.live[h.id] = liveTimer{round: round, phase: p, stop: stop}
	s.byKey[key] = h
	return h
}

// Accept reports whether f came from a timer that is still armed,
// and disarms it.
// The owner must call Accept for every value received from C
// and ignore the value when Accept returns false.
func (s *Scheduler) Accept(f Fired) bool {
	lt, ok := s.live[f.h.id]
	if !ok {
		return false
	}
	delete(s.live, f.h.id)
	delete(s.byKey, phaseKey{round: lt.round, phase: lt.phase})
	return true
}

// Cancel disarms the timer identified by h.
// Cancelling an unknown or already fired handle is a no-op.
func (s *Scheduler) Cancel(h Handle) {
	lt, ok := s.live[h.id]
	if !ok {
		return
	}
	lt.stop()
	delete(s.live, h.id)
	delete(s.byKey, phaseKey{round: lt.round, phase: lt.phase})
}

// CancelPhase disarms the timer for the round and phase, if armed.
func (s *Scheduler) CancelPhase(round uint32, p Phase) {
	if h, ok := s.byKey[phaseKey{round: round, phase: p}]; ok {
		s.Cancel(h)
	}
}

// CancelAllFor disarms every timer belonging to round.
func (s *Scheduler) CancelAllFor(round uint32) {
	for id, lt := range s.live {
		if lt.round == round {
			s.Cancel(Handle{id: id})
		}
	}
}

// CancelAll disarms every timer.
func (s *Scheduler) CancelAll() {
	for id := range s.live {
		s.Cancel(Handle{id: id})
	}
}

// Armed reports whether a timer for the round and phase is live.
func (s *Scheduler) Armed(round uint32, p Phase) bool {
	_, ok := s.byKey[phaseKey{round: round, phase: p}]
	return ok
}

// Len returns the number of live timers.
func (s *Scheduler) Len() int {
	return len(s.live)
}
