// Package tmp2p defines the network surface the consensus engine depends on.
//
// The engine only consumes votes and proposal stream messages,
// sends its own stream messages, and reports misbehaving peers.
// Votes are published through [Connection.PublishVote],
// typically from a [tmconsensus.Context] Broadcast implementation.
package tmp2p

import (
	"context"

	"github.com/starkware-libs/sequencer-sub015/tm/tmconsensus"
)

// PeerID identifies a remote peer at the transport layer.
// It is unrelated to [tmconsensus.ValidatorID].
type PeerID string

// Inbound is a message received from a peer.
type Inbound[T any] struct {
	From PeerID
	Msg  T
}

// Network is the subset of networking the engine uses directly.
//
// The inbound channels are owned by the Network.
// Closing either of them is treated as fatal by the engine.
type Network interface {
	Votes() <-chan Inbound[tmconsensus.Vote]
	StreamMessages() <-chan Inbound[tmconsensus.StreamMessage]

	// SendStreamMessage publishes one message of a locally produced
	// proposal stream. Messages of one stream are sent in order.
	SendStreamMessage(ctx context.Context, m tmconsensus.StreamMessage) error

	// ReportPeer indicates that the peer sent a malformed or malicious message.
	// The Network decides what to do about it; the engine discards the message.
	ReportPeer(p PeerID, reason error)
}

// Connection is a full network participant:
// the [Network] seen by the engine plus vote publishing and lifecycle.
type Connection interface {
	Network

	// ID is the local peer's identity on the network.
	ID() PeerID

	PublishVote(ctx context.Context, v tmconsensus.Vote) error

	// Disconnect leaves the network and closes the inbound channels.
	Disconnect()

	// Disconnected is closed once Disconnect has completed.
	Disconnected() <-chan struct{}
}
