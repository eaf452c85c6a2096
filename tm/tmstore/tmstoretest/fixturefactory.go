package tmstoretest

import "github.com/starkware-libs/sequencer-sub015/tm/tmconsensus/tmconsensustest"

// FixtureFactory is used in every store compliance test,
// to produce validators and votes.
//
// Having this as part of compliance test signatures
// makes it possible to assert that stores
// do not depend on a particular validator set shape.
type FixtureFactory func(nVals int) *tmconsensustest.Fixture
