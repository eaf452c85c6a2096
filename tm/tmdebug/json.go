package tmdebug

import (
	"github.com/starkware-libs/sequencer-sub015/tm/tmconsensus"
	"github.com/starkware-libs/sequencer-sub015/tm/tmengine"
)

// Hashes are rendered as hex strings rather than byte arrays.

type jsonLock struct {
	Round uint32
	Value string
}

type jsonDecision struct {
	Height uint64
	Round  uint32
	Value  string `json:",omitempty"`
	Synced bool

	Signers []tmconsensus.ValidatorID `json:",omitempty"`
}

type jsonStatus struct {
	Height   uint64
	Round    uint32
	Step     string
	Observer bool

	Lock       *jsonLock `json:",omitempty"`
	ValidRound *uint32   `json:",omitempty"`
	ValidValue string    `json:",omitempty"`

	CachedMessages    int
	IncompleteStreams int
	StreamEvictions   uint64
	Equivocations     int

	LastDecision *jsonDecision `json:",omitempty"`
}

func newJSONDecision(d tmconsensus.Decision) jsonDecision {
	jd := jsonDecision{
		Height: d.Height,
		Round:  d.Round,
		Synced: d.Synced,
	}
	if !d.Synced {
		jd.Value = d.Value.String()
	}
	for _, v := range d.Certificate.Precommits {
		jd.Signers = append(jd.Signers, v.Voter)
	}
	return jd
}

func newJSONStatus(s tmengine.Status) jsonStatus {
	js := jsonStatus{
		Height:   s.Height,
		Round:    s.Round,
		Step:     s.Step,
		Observer: s.Observer,

		ValidRound: s.ValidRound,

		CachedMessages:    s.CachedMessages,
		IncompleteStreams: s.IncompleteStreams,
		StreamEvictions:   s.StreamEvictions,
		Equivocations:     s.Equivocations,
	}
	if s.Lock != nil {
		js.Lock = &jsonLock{Round: s.Lock.Round, Value: s.Lock.Value.String()}
	}
	if s.ValidValue != nil {
		js.ValidValue = s.ValidValue.String()
	}
	if s.LastDecision != nil {
		d := newJSONDecision(*s.LastDecision)
		js.LastDecision = &d
	}
	return js
}
