package tmintegration

import (
	"context"
	"log/slog"
	"testing"

	"github.com/starkware-libs/sequencer-sub015/tm/tmp2p/tmp2ptest"
	"github.com/starkware-libs/sequencer-sub015/tm/tmstore"
)

// Env contains some of the primitives of the current test environment,
// to inform the creation of a [Factory].
type Env struct {
	// The RootLogger can be used when the Factory
	// needs a logger in a created value.
	RootLogger *slog.Logger

	// Inline interface to avoid directly depending on testing package.
	tb interface {
		Cleanup(func())

		TempDir() string
	}
}

// TempDir returns the path to a new temporary directory,
// in case the factory needs a place to write data to disk.
func (e *Env) TempDir() string {
	return e.tb.TempDir()
}

// Cleanup calls fn when the test is complete,
// regardless of whether the test passed or failed.
func (e *Env) Cleanup(fn func()) {
	e.tb.Cleanup(fn)
}

type NewFactoryFunc func(e *Env) Factory

// Factory is the interface provided when running integration tests
// (via [RunIntegrationTest]).
//
// Within each integration sub-test:
//   - The factory func is called once, creating a new Factory instance
//   - On that factory instance, NewNetwork is called once
//   - For each validator that the test creates, [tmp2ptest.Network.Connect] is called once,
//     and NewDecisionStore is called once with the corresponding index of the validator.
type Factory interface {
	// NewNetwork will be called only once per test.
	// The implementer may assume that the context will be canceled
	// at or before the test's completion.
	NewNetwork(t *testing.T, ctx context.Context) (tmp2ptest.Network, error)

	NewDecisionStore(ctx context.Context, idx int) (tmstore.DecisionStore, error)
}
