// Package tmround contains the Tendermint round state machine for one height.
//
// The [Machine] performs no I/O.
// Every input method returns the [Action] values its owner must carry out,
// which keeps the algorithm deterministic and directly testable.
package tmround

import (
	"fmt"

	"github.com/starkware-libs/sequencer-sub015/tm/tmconsensus"
	"github.com/starkware-libs/sequencer-sub015/tm/tmengine/internal/tmtally"
	"github.com/starkware-libs/sequencer-sub015/tm/tmengine/internal/tmtimeout"
)

// Step is the position of the Machine within a round.
type Step uint8

const (
	_ Step = iota // Zero value reserved.

	StepPropose
	StepPrevote
	StepPrecommit

	// The height is decided. Terminal.
	StepCommit
)

func (s Step) String() string {
	switch s {
	case StepPropose:
		return "Propose"
	case StepPrevote:
		return "Prevote"
	case StepPrecommit:
		return "Precommit"
	case StepCommit:
		return "Commit"
	default:
		return fmt.Sprintf("Step(%d)", uint8(s))
	}
}

// ProposalOutcome is the result of [Machine.HandleProposal].
type ProposalOutcome uint8

const (
	_ ProposalOutcome = iota // Invalid.

	ProposalAccepted

	// A proposal for the same round was already received.
	// A well-behaved proposer never sends two.
	ProposalDuplicate

	// The proposal did not come from the round's designated proposer.
	ProposalWrongProposer

	// The proposal is for another height or round, or the height is decided.
	ProposalIgnored
)

func (o ProposalOutcome) String() string {
	switch o {
	case ProposalAccepted:
		return "Accepted"
	case ProposalDuplicate:
		return "Duplicate"
	case ProposalWrongProposer:
		return "WrongProposer"
	case ProposalIgnored:
		return "Ignored"
	default:
		return fmt.Sprintf("ProposalOutcome(%d)", uint8(o))
	}
}

// Config is the configuration for [New].
type Config struct {
	Height     uint64
	Validators tmconsensus.ValidatorSet

	// The local validator.
	// If Self is not in Validators, the Machine runs as an observer:
	// it follows rounds and detects decisions but never proposes or votes.
	Self tmconsensus.ValidatorID

	// Proposer returns the designated proposer of a round at Height.
	Proposer func(round uint32) tmconsensus.ValidatorID

	// How many rounds behind the current one precommits are still tallied.
	// A precommit quorum in any of those rounds decides the height.
	PastPrecommitRounds uint32
}

type roundValue struct {
	Round uint32
	Value tmconsensus.Hash
}

type proposalRecord struct {
	init tmconsensus.ProposalInit

	// Nil when validation failed.
	value *tmconsensus.Hash
}

// Machine runs the propose, prevote and precommit steps
// of every round of a single height until a value is decided.
//
// It is not safe for concurrent use.
type Machine struct {
	h    uint64
	vals tmconsensus.ValidatorSet

	self        tmconsensus.ValidatorID
	isValidator bool

	proposer func(uint32) tmconsensus.ValidatorID

	round uint32
	step  Step

	tally *tmtally.Tally

	// First proposal received per round, valid or not.
	proposals map[uint32]proposalRecord

	// Values known to be valid, and the round of the proposal that carried them.
	validValues map[tmconsensus.Hash]uint32

	lock  *roundValue
	valid *roundValue

	decision *tmconsensus.Decision

	started bool
}

// New returns a Machine for cfg.Height, positioned before round 0.
// Call [Machine.Start] to enter round 0.
func New(cfg Config) *Machine {
	if cfg.Proposer == nil {
		panic("BUG: tmround.Config.Proposer must not be nil")
	}

	return &Machine{
		h:    cfg.Height,
		vals: cfg.Validators,

		self:        cfg.Self,
		isValidator: cfg.Validators.Contains(cfg.Self),

		proposer: cfg.Proposer,

		tally: tmtally.New(cfg.Height, cfg.Validators, cfg.PastPrecommitRounds),

		proposals:   make(map[uint32]proposalRecord),
		validValues: make(map[tmconsensus.Hash]uint32),
	}
}

// Start enters round 0.
func (m *Machine) Start() []Action {
	if m.started {
		panic("BUG: tmround.Machine started twice")
	}
	m.started = true

	var acts []Action
	m.enterRound(0, &acts)
	return acts
}

func (m *Machine) Height() uint64 { return m.h }
func (m *Machine) Round() uint32  { return m.round }
func (m *Machine) Step() Step     { return m.step }

// IsValidator reports whether the local node votes at this height.
func (m *Machine) IsValidator() bool {
	return m.isValidator
}

// Validators returns the validator set of the height.
func (m *Machine) Validators() tmconsensus.ValidatorSet {
	return m.vals
}

// Lock returns the current lock, if any.
func (m *Machine) Lock() (tmconsensus.Lock, bool) {
	if m.lock == nil {
		return tmconsensus.Lock{}, false
	}
	return tmconsensus.Lock{Round: m.lock.Round, Value: m.lock.Value}, true
}

// ValidValue returns the most recent value with a prevote quorum
// and a known valid proposal, if any.
func (m *Machine) ValidValue() (round uint32, value tmconsensus.Hash, ok bool) {
	if m.valid == nil {
		return 0, value, false
	}
	return m.valid.Round, m.valid.Value, true
}

// Decision returns the decision, once the height is decided.
func (m *Machine) Decision() (tmconsensus.Decision, bool) {
	if m.decision == nil {
		return tmconsensus.Decision{}, false
	}
	return *m.decision, true
}

// ExpectedProposer returns the designated proposer for round r.
func (m *Machine) ExpectedProposer(r uint32) tmconsensus.ValidatorID {
	return m.proposer(r)
}

// HasProposal reports whether a proposal was already accepted for round r.
func (m *Machine) HasProposal(r uint32) bool {
	_, ok := m.proposals[r]
	return ok
}

// Tally exposes the vote tally for read-only inspection.
func (m *Machine) Tally() *tmtally.Tally {
	return m.tally
}

// HandleProposal applies a proposal for the current round.
// A nil value means the proposal content failed validation.
func (m *Machine) HandleProposal(init tmconsensus.ProposalInit, value *tmconsensus.Hash) (
	ProposalOutcome, []Action,
) {
	if m.step == StepCommit || init.Height != m.h || init.Round != m.round {
		return ProposalIgnored, nil
	}
	if init.Proposer != m.proposer(init.Round) {
		return ProposalWrongProposer, nil
	}
	if _, ok := m.proposals[init.Round]; ok {
		return ProposalDuplicate, nil
	}

	var acts []Action
	m.acceptProposal(init, value, &acts)
	return ProposalAccepted, acts
}

// HandleVote records v in the tally and applies any resulting transitions.
//
// The caller is responsible for routing votes:
// votes for future rounds that should wait in a cache
// must not be passed here until their round is active.
// Precommits for recent earlier rounds may be passed at any time.
func (m *Machine) HandleVote(v tmconsensus.Vote) (tmtally.Outcome, []Action) {
	if m.step == StepCommit {
		return tmtally.Ignored, nil
	}

	out := m.tally.Record(v)
	if out != tmtally.Counted {
		return out, nil
	}

	var acts []Action
	m.afterVote(v.Round, v.Kind, &acts)
	return out, acts
}

// HandleTimeout applies an elapsed timer.
// Timers for other rounds, or for steps already left, have no effect.
func (m *Machine) HandleTimeout(round uint32, p tmtimeout.Phase) []Action {
	if m.step == StepCommit || round != m.round {
		return nil
	}

	var acts []Action
	switch p {
	case tmtimeout.Propose:
		if m.step == StepPropose {
			m.prevote(nil, &acts)
		}
	case tmtimeout.Prevote:
		if m.step == StepPrevote {
			m.precommit(nil, &acts)
		}
	case tmtimeout.Precommit:
		if m.step == StepPrecommit {
			m.enterRound(m.round+1, &acts)
		}
	default:
		panic(fmt.Errorf("BUG: unknown timeout phase %s", p))
	}
	return acts
}

func (m *Machine) enterRound(r uint32, acts *[]Action) {
	prev := m.round
	if r < prev {
		panic(fmt.Errorf("BUG: round moved backwards from %d to %d", prev, r))
	}

	m.round = r
	m.step = StepPropose
	m.tally.SetActiveRound(r)

	if r != prev {
		*acts = append(*acts, RoundAdvanced{From: prev, To: r})
	}

	*acts = append(*acts, ScheduleTimeout{Round: r, Phase: tmtimeout.Propose})

	if m.isValidator && m.proposer(r) == m.self {
		init := tmconsensus.ProposalInit{
			Height:   m.h,
			Round:    r,
			Proposer: m.self,
		}
		if m.valid != nil {
			init.ValidRound = tmconsensus.RoundPtr(m.valid.Round)
			*acts = append(*acts, Repropose{Init: init, Value: m.valid.Value})
			m.acceptProposal(init, tmconsensus.ValuePtr(m.valid.Value), acts)
		} else {
			*acts = append(*acts, BuildProposal{Init: init})
		}
	}

	// Votes for this round may already be tallied.
	for _, k := range []tmconsensus.VoteKind{tmconsensus.Precommit, tmconsensus.Prevote} {
		if m.step == StepCommit || m.round != r {
			return
		}
		m.afterVote(r, k, acts)
	}
}

func (m *Machine) acceptProposal(init tmconsensus.ProposalInit, value *tmconsensus.Hash, acts *[]Action) {
	m.proposals[init.Round] = proposalRecord{init: init, value: value}
	if value != nil {
		if _, ok := m.validValues[*value]; !ok {
			m.validValues[*value] = init.Round
		}
	}

	if m.step == StepPropose {
		m.prevote(m.prevoteValueFor(init, value), acts)
		return
	}

	// A prevote quorum may have been waiting on this proposal.
	m.afterVote(init.Round, tmconsensus.Prevote, acts)
}

// prevoteValueFor applies the locking rules to a proposal.
func (m *Machine) prevoteValueFor(init tmconsensus.ProposalInit, value *tmconsensus.Hash) *tmconsensus.Hash {
	if value == nil {
		return nil
	}

	if init.ValidRound == nil {
		if m.lock == nil || m.lock.Value == *value {
			return value
		}
		return nil
	}

	vr := *init.ValidRound
	if vr >= init.Round {
		// A valid round must refer to an earlier round.
		return nil
	}
	if m.lock == nil || m.lock.Value == *value {
		return value
	}

	// Locked on a different value: only a prevote quorum for this value
	// at a round no earlier than the lock releases it.
	q, ok := m.tally.PrevoteQuorumAt(vr)
	if ok && q != nil && *q == *value && m.lock.Round <= vr {
		return value
	}
	return nil
}

func (m *Machine) prevote(value *tmconsensus.Hash, acts *[]Action) {
	r := m.round
	*acts = append(*acts, CancelTimeout{Round: r, Phase: tmtimeout.Propose})
	m.step = StepPrevote
	*acts = append(*acts, ScheduleTimeout{Round: r, Phase: tmtimeout.Prevote})
	m.castVote(tmconsensus.Prevote, value, acts)
}

func (m *Machine) precommit(value *tmconsensus.Hash, acts *[]Action) {
	r := m.round
	*acts = append(*acts, CancelTimeout{Round: r, Phase: tmtimeout.Prevote})
	m.step = StepPrecommit
	*acts = append(*acts, ScheduleTimeout{Round: r, Phase: tmtimeout.Precommit})
	m.castVote(tmconsensus.Precommit, value, acts)
}

// castVote broadcasts and records the local validator's vote.
// Observers only change step.
func (m *Machine) castVote(kind tmconsensus.VoteKind, value *tmconsensus.Hash, acts *[]Action) {
	if !m.isValidator {
		m.afterVote(m.round, kind, acts)
		return
	}

	v := tmconsensus.Vote{
		Height: m.h,
		Round:  m.round,
		Kind:   kind,
		Value:  value,
		Voter:  m.self,
	}
	*acts = append(*acts, BroadcastVote{Vote: v})

	// An earlier vote under our own ID can only come from an impostor;
	// first seen still wins in the tally.
	_ = m.tally.Record(v)
	m.afterVote(v.Round, kind, acts)
}

// afterVote re-evaluates the quorum rules that a new vote
// of the given round and kind may have triggered.
func (m *Machine) afterVote(r uint32, kind tmconsensus.VoteKind, acts *[]Action) {
	if m.step == StepCommit {
		return
	}

	if kind == tmconsensus.Precommit {
		m.checkPrecommits(r, acts)
		return
	}

	if r != m.round {
		return
	}
	q, ok := m.tally.HasQuorum(r, tmconsensus.Prevote)
	if !ok {
		return
	}

	if q == nil {
		if m.step == StepPrevote {
			m.precommit(nil, acts)
		}
		return
	}

	if _, known := m.validValues[*q]; !known {
		// Cannot lock on a value whose content was never validated here.
		// The prevote timeout covers this case.
		return
	}

	switch m.step {
	case StepPropose:
		// Our own prevote comes first,
		// from the proposal or the propose timeout.
		return
	case StepPrevote:
		m.lock = &roundValue{Round: r, Value: *q}
		m.valid = &roundValue{Round: r, Value: *q}
		m.precommit(q, acts)
	case StepPrecommit:
		// Already precommitted in this round:
		// the value is still the most recent valid one.
		if m.valid == nil || m.valid.Round < r {
			m.valid = &roundValue{Round: r, Value: *q}
		}
	}
}

func (m *Machine) checkPrecommits(r uint32, acts *[]Action) {
	q, ok := m.tally.HasQuorum(r, tmconsensus.Precommit)
	if !ok {
		return
	}

	if q != nil {
		m.decide(r, *q, acts)
		return
	}

	if r == m.round {
		m.enterRound(r+1, acts)
	}
}

func (m *Machine) decide(r uint32, value tmconsensus.Hash, acts *[]Action) {
	qc, ok := m.tally.Certificate(r, value)
	if !ok {
		panic(fmt.Errorf("BUG: precommit quorum at round %d without certificate", r))
	}

	m.step = StepCommit
	m.decision = &tmconsensus.Decision{
		Height:      m.h,
		Round:       r,
		Value:       value,
		Certificate: qc,
	}
	*acts = append(*acts, Decided{Decision: *m.decision})
}
