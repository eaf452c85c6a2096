package tmtimeout_test

import (
	"context"
	"testing"
	"time"

	"github.com/starkware-libs/sequencer-sub015/internal/gtest"
	"github.com/starkware-libs/sequencer-sub015/tm/tmengine/internal/tmtimeout"
	"github.com/stretchr/testify/require"
)

// manualTimers is an AfterFunc whose timers only fire when told to.
type manualTimers struct {
	durations []time.Duration
	fns       []func()
	stopped   []bool
}

func (m *manualTimers) AfterFunc(d time.Duration, f func()) func() bool {
	idx := len(m.fns)
	m.durations = append(m.durations, d)
	m.fns = append(m.fns, f)
	m.stopped = append(m.stopped, false)
	return func() bool {
		wasRunning := !m.stopped[idx]
		m.stopped[idx] = true
		return wasRunning
	}
}

func (m *manualTimers) Fire(idx int) {
	m.fns[idx]()
}

var testDurations = tmtimeout.Durations{
	Propose:   3 * time.Second,
	Prevote:   time.Second,
	Precommit: 2 * time.Second,

	RoundIncrement: 500 * time.Millisecond,
}

func TestDurations_For(t *testing.T) {
	t.Parallel()

	require.Equal(t, 3*time.Second, testDurations.For(0, tmtimeout.Propose))
	require.Equal(t, 4*time.Second, testDurations.For(2, tmtimeout.Propose))
	require.Equal(t, time.Second, testDurations.For(0, tmtimeout.Prevote))
	require.Equal(t, 3500*time.Millisecond, testDurations.For(3, tmtimeout.Precommit))

	require.Panics(t, func() { testDurations.For(0, 0) })
}

func TestScheduler_fireAndAccept(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mt := new(manualTimers)
	s := tmtimeout.New(ctx, testDurations, mt.AfterFunc)

	h := s.Arm(1, tmtimeout.Prevote)
	require.False(t, h.IsZero())
	require.True(t, s.Armed(1, tmtimeout.Prevote))
	require.Equal(t, []time.Duration{1500 * time.Millisecond}, mt.durations)

	// Arming the same phase again does not start a second timer.
	require.Equal(t, h, s.Arm(1, tmtimeout.Prevote))
	require.Len(t, mt.fns, 1)

	mt.Fire(0)
	f := gtest.ReceiveSoon(t, s.C())
	require.Equal(t, uint32(1), f.Round)
	require.Equal(t, tmtimeout.Prevote, f.Phase)
	require.Equal(t, h, f.Handle())

	require.True(t, s.Accept(f))
	require.False(t, s.Armed(1, tmtimeout.Prevote))

	// Accepting twice is not possible.
	require.False(t, s.Accept(f))
}

func TestScheduler_cancelledFiringIsStale(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mt := new(manualTimers)
	s := tmtimeout.New(ctx, testDurations, mt.AfterFunc)

	h := s.Arm(0, tmtimeout.Propose)

	// The timer fires and its value is already queued
	// when the owner cancels it.
	mt.Fire(0)
	s.Cancel(h)
	require.True(t, mt.stopped[0])

	f := gtest.ReceiveSoon(t, s.C())
	require.False(t, s.Accept(f))
	require.Zero(t, s.Len())
}

func TestScheduler_cancelAllFor(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mt := new(manualTimers)
	s := tmtimeout.New(ctx, testDurations, mt.AfterFunc)

	s.Arm(0, tmtimeout.Propose)
	s.Arm(0, tmtimeout.Prevote)
	s.Arm(1, tmtimeout.Propose)
	require.Equal(t, 3, s.Len())

	s.CancelAllFor(0)
	require.Equal(t, 1, s.Len())
	require.True(t, s.Armed(1, tmtimeout.Propose))
	require.Equal(t, []bool{true, true, false}, mt.stopped)

	// A cancelled phase may be armed again with a new handle.
	h := s.Arm(0, tmtimeout.Propose)
	require.Equal(t, 2, s.Len())

	s.CancelAll()
	require.Zero(t, s.Len())

	mt.Fire(3)
	f := gtest.ReceiveSoon(t, s.C())
	require.Equal(t, h, f.Handle())
	require.False(t, s.Accept(f))
}

func TestScheduler_cancelPhase(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mt := new(manualTimers)
	s := tmtimeout.New(ctx, testDurations, mt.AfterFunc)

	s.Arm(2, tmtimeout.Propose)
	s.Arm(2, tmtimeout.Prevote)

	s.CancelPhase(2, tmtimeout.Propose)
	require.False(t, s.Armed(2, tmtimeout.Propose))
	require.True(t, s.Armed(2, tmtimeout.Prevote))

	// Not armed: no effect.
	s.CancelPhase(2, tmtimeout.Precommit)
	require.Equal(t, 1, s.Len())
}

func TestScheduler_realTimers(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := tmtimeout.New(ctx, tmtimeout.Durations{
		Propose:   gtest.ScaleMs(5),
		Prevote:   time.Hour,
		Precommit: time.Hour,
	}, nil)

	s.Arm(0, tmtimeout.Prevote)
	h := s.Arm(0, tmtimeout.Propose)

	f := gtest.ReceiveOrTimeout(t, s.C(), gtest.ScaleMs(500))
	require.Equal(t, h, f.Handle())
	require.True(t, s.Accept(f))

	s.CancelAll()
	gtest.NotSendingSoon(t, s.C())
}
