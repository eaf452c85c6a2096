package tmconsensus

import "fmt"

// ProposalInit is the header of a proposal stream.
type ProposalInit struct {
	Height   uint64
	Round    uint32
	Proposer ValidatorID

	// ValidRound is set when the proposer is re-proposing a value
	// that reached a prevote quorum in an earlier round.
	ValidRound *uint32
}

func (p ProposalInit) String() string {
	vr := "-"
	if p.ValidRound != nil {
		vr = fmt.Sprint(*p.ValidRound)
	}
	return fmt.Sprintf("ProposalInit{h=%d r=%d by=%s vr=%s}", p.Height, p.Round, p.Proposer, vr)
}

// RoundPtr returns a pointer to a copy of r, for ProposalInit.ValidRound.
func RoundPtr(r uint32) *uint32 {
	return &r
}

// ProposalFin is the final part of a proposal stream,
// carrying the proposer's commitment to the streamed content.
type ProposalFin struct {
	Value Hash
}

// ProposalPart is one element of a proposal stream.
// Exactly one field is set.
//
// A well-formed proposal is an Init part,
// zero or more Content parts, and one Fin part, in that order.
type ProposalPart struct {
	Init    *ProposalInit
	Content []byte
	Fin     *ProposalFin
}

// StreamMessage is one message of a proposal stream on the wire.
//
// MessageID values are strictly increasing from zero within a stream.
// When Fin is set, Payload is empty and MessageID is the total number
// of payload messages in the stream.
type StreamMessage struct {
	StreamID  uint64
	MessageID uint64

	Payload []byte
	Fin     bool
}

func (m StreamMessage) String() string {
	if m.Fin {
		return fmt.Sprintf("StreamMessage{s=%d Fin(%d)}", m.StreamID, m.MessageID)
	}
	return fmt.Sprintf("StreamMessage{s=%d m=%d len=%d}", m.StreamID, m.MessageID, len(m.Payload))
}

// Proposal is a fully reassembled, not yet validated proposal.
type Proposal struct {
	Init ProposalInit

	// Content excludes the Init and Fin parts.
	Content [][]byte

	// Declared is the value from the proposer's ProposalFin.
	Declared Hash
}

// ParseProposalParts checks that parts form a well-formed proposal
// and returns the resulting Proposal.
func ParseProposalParts(parts []ProposalPart) (Proposal, error) {
	var p Proposal
	if len(parts) < 2 {
		return p, fmt.Errorf("proposal needs at least init and fin parts (got %d parts)", len(parts))
	}

	if parts[0].Init == nil {
		return p, fmt.Errorf("first proposal part must be init")
	}
	p.Init = *parts[0].Init

	last := parts[len(parts)-1]
	if last.Fin == nil {
		return p, fmt.Errorf("last proposal part must be fin")
	}
	p.Declared = last.Fin.Value

	p.Content = make([][]byte, 0, len(parts)-2)
	for i, part := range parts[1 : len(parts)-1] {
		if part.Init != nil || part.Fin != nil {
			return p, fmt.Errorf("proposal part %d: init or fin in content position", i+1)
		}
		p.Content = append(p.Content, part.Content)
	}

	return p, nil
}

// Lock is a validator's commitment to only prevote for Value
// in later rounds of the height, absent a newer prevote quorum.
type Lock struct {
	Round uint32
	Value Hash
}

func (l Lock) String() string {
	return fmt.Sprintf("Lock{r=%d v=%s}", l.Round, l.Value.Short())
}
