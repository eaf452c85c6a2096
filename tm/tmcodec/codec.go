// Package tmcodec defines how consensus wire messages
// are converted to and from bytes.
package tmcodec

import "github.com/starkware-libs/sequencer-sub015/tm/tmconsensus"

// Codec encodes and decodes the consensus wire shapes.
//
// Decoding must reject malformed input with an error
// rather than returning a partially populated value.
type Codec interface {
	MarshalVote(tmconsensus.Vote) ([]byte, error)
	UnmarshalVote([]byte, *tmconsensus.Vote) error

	MarshalStreamMessage(tmconsensus.StreamMessage) ([]byte, error)
	UnmarshalStreamMessage([]byte, *tmconsensus.StreamMessage) error

	MarshalProposalPart(tmconsensus.ProposalPart) ([]byte, error)
	UnmarshalProposalPart([]byte, *tmconsensus.ProposalPart) error
}
