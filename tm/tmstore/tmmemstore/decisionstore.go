// Package tmmemstore contains in-memory implementations of the tmstore interfaces.
package tmmemstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/starkware-libs/sequencer-sub015/tm/tmconsensus"
	"github.com/starkware-libs/sequencer-sub015/tm/tmstore"
	"github.com/tidwall/btree"
)

// DecisionStore is an in-memory [tmstore.DecisionStore].
type DecisionStore struct {
	mu        sync.RWMutex
	decisions btree.Map[uint64, tmconsensus.Decision]
}

var _ tmstore.DecisionStore = (*DecisionStore)(nil)

func NewDecisionStore() *DecisionStore {
	return new(DecisionStore)
}

func (s *DecisionStore) SaveDecision(_ context.Context, d tmconsensus.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if have, ok := s.decisions.Get(d.Height); ok {
		if have.Value == d.Value && have.Round == d.Round && have.Synced == d.Synced {
			return nil
		}
		return tmstore.OverwriteError{
			Field: "height",
			Value: fmt.Sprint(d.Height),
		}
	}

	s.decisions.Set(d.Height, d)
	return nil
}

func (s *DecisionStore) LoadDecision(_ context.Context, height uint64) (tmconsensus.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.decisions.Get(height)
	if !ok {
		return tmconsensus.Decision{}, tmstore.HeightUnknownError{Want: height}
	}
	return d, nil
}

func (s *DecisionStore) LastDecisionHeight(context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, _, ok := s.decisions.Max()
	if !ok {
		return 0, nil
	}
	return h, nil
}
