package tmcbor

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/starkware-libs/sequencer-sub015/tm/tmcodec"
	"github.com/starkware-libs/sequencer-sub015/tm/tmconsensus"
)

// Limits for decoding untrusted input.
const (
	maxArrayElements = 1024
	maxMapPairs      = 64
	maxNestedLevels  = 8
)

var _ tmcodec.Codec = Codec{}

// Codec is a canonical CBOR [tmcodec.Codec].
// The zero value is not usable; call [NewCodec].
type Codec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCodec returns a ready to use Codec.
func NewCodec() (Codec, error) {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return Codec{}, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}

	dec, err := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		IndefLength:       cbor.IndefLengthForbidden,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxArrayElements:  maxArrayElements,
		MaxMapPairs:       maxMapPairs,
		MaxNestedLevels:   maxNestedLevels,
	}.DecMode()
	if err != nil {
		return Codec{}, fmt.Errorf("failed to create CBOR decoder: %w", err)
	}

	return Codec{enc: enc, dec: dec}, nil
}

// MustNewCodec is like [NewCodec] but panics on error.
// The options are fixed, so an error indicates a programming mistake.
func MustNewCodec() Codec {
	c, err := NewCodec()
	if err != nil {
		panic(fmt.Errorf("BUG: %w", err))
	}
	return c
}

type wireVote struct {
	_ struct{} `cbor:",toarray"`

	Height uint64
	Round  uint32
	Kind   uint8
	Value  *tmconsensus.Hash
	Voter  []byte
}

func (c Codec) MarshalVote(v tmconsensus.Vote) ([]byte, error) {
	if !v.Kind.Valid() {
		return nil, fmt.Errorf("cannot marshal vote with kind %s", v.Kind)
	}
	return c.enc.Marshal(wireVote{
		Height: v.Height,
		Round:  v.Round,
		Kind:   uint8(v.Kind),
		Value:  v.Value,
		Voter:  []byte(v.Voter),
	})
}

func (c Codec) UnmarshalVote(b []byte, v *tmconsensus.Vote) error {
	var w wireVote
	if err := c.dec.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("failed to decode vote: %w", err)
	}

	kind := tmconsensus.VoteKind(w.Kind)
	if !kind.Valid() {
		return fmt.Errorf("invalid vote kind %d", w.Kind)
	}
	if len(w.Voter) == 0 {
		return errors.New("vote has empty voter")
	}

	*v = tmconsensus.Vote{
		Height: w.Height,
		Round:  w.Round,
		Kind:   kind,
		Value:  w.Value,
		Voter:  tmconsensus.ValidatorID(w.Voter),
	}
	return nil
}

type wireStreamMessage struct {
	_ struct{} `cbor:",toarray"`

	StreamID  uint64
	MessageID uint64
	Payload   []byte
	Fin       bool
}

func (c Codec) MarshalStreamMessage(m tmconsensus.StreamMessage) ([]byte, error) {
	if m.Fin && len(m.Payload) > 0 {
		return nil, errors.New("fin stream message must not carry a payload")
	}
	return c.enc.Marshal(wireStreamMessage{
		StreamID:  m.StreamID,
		MessageID: m.MessageID,
		Payload:   m.Payload,
		Fin:       m.Fin,
	})
}

func (c Codec) UnmarshalStreamMessage(b []byte, m *tmconsensus.StreamMessage) error {
	var w wireStreamMessage
	if err := c.dec.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("failed to decode stream message: %w", err)
	}
	if w.Fin && len(w.Payload) > 0 {
		return errors.New("fin stream message carries a payload")
	}

	*m = tmconsensus.StreamMessage{
		StreamID:  w.StreamID,
		MessageID: w.MessageID,
		Payload:   w.Payload,
		Fin:       w.Fin,
	}
	return nil
}

type wireProposalInit struct {
	_ struct{} `cbor:",toarray"`

	Height     uint64
	Round      uint32
	Proposer   []byte
	ValidRound *uint32
}

// wireProposalPart is a keyed map so that exactly one
// of the optional fields is present.
type wireProposalPart struct {
	Init    *wireProposalInit `cbor:"1,keyasint,omitempty"`
	Content []byte            `cbor:"2,keyasint,omitempty"`
	Fin     *tmconsensus.Hash `cbor:"3,keyasint,omitempty"`
}

func (c Codec) MarshalProposalPart(p tmconsensus.ProposalPart) ([]byte, error) {
	var w wireProposalPart
	n := 0
	if p.Init != nil {
		n++
		w.Init = &wireProposalInit{
			Height:     p.Init.Height,
			Round:      p.Init.Round,
			Proposer:   []byte(p.Init.Proposer),
			ValidRound: p.Init.ValidRound,
		}
	}
	if p.Content != nil {
		if len(p.Content) == 0 {
			return nil, errors.New("proposal content part must not be empty")
		}
		n++
		w.Content = p.Content
	}
	if p.Fin != nil {
		n++
		w.Fin = &p.Fin.Value
	}
	if n != 1 {
		return nil, fmt.Errorf("proposal part must have exactly one field set (got %d)", n)
	}
	return c.enc.Marshal(w)
}

func (c Codec) UnmarshalProposalPart(b []byte, p *tmconsensus.ProposalPart) error {
	var w wireProposalPart
	if err := c.dec.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("failed to decode proposal part: %w", err)
	}

	var out tmconsensus.ProposalPart
	n := 0
	if w.Init != nil {
		n++
		out.Init = &tmconsensus.ProposalInit{
			Height:     w.Init.Height,
			Round:      w.Init.Round,
			Proposer:   tmconsensus.ValidatorID(w.Init.Proposer),
			ValidRound: w.Init.ValidRound,
		}
	}
	if w.Content != nil {
		n++
		out.Content = w.Content
	}
	if w.Fin != nil {
		n++
		out.Fin = &tmconsensus.ProposalFin{Value: *w.Fin}
	}
	if n != 1 {
		return fmt.Errorf("proposal part must have exactly one field set (got %d)", n)
	}

	*p = out
	return nil
}
