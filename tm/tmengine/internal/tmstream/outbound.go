package tmstream

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/starkware-libs/sequencer-sub015/tm/tmconsensus"
)

// Outbound produces the messages of one outgoing stream,
// numbering payload messages from zero and ending with a Fin.
type Outbound struct {
	id   uint64
	next uint64
	done bool
}

// NewOutbound returns an Outbound for the given stream id.
func NewOutbound(streamID uint64) *Outbound {
	return &Outbound{id: streamID}
}

// StreamID returns the id of the stream.
func (o *Outbound) StreamID() uint64 {
	return o.id
}

// Next returns the message carrying payload.
// It panics if called after Fin.
func (o *Outbound) Next(payload []byte) tmconsensus.StreamMessage {
	if o.done {
		panic(fmt.Errorf("BUG: Next called on finished stream %d", o.id))
	}
	m := tmconsensus.StreamMessage{
		StreamID:  o.id,
		MessageID: o.next,
		Payload:   payload,
	}
	o.next++
	return m
}

// Fin returns the final message of the stream,
// declaring the number of payload messages sent.
func (o *Outbound) Fin() tmconsensus.StreamMessage {
	if o.done {
		panic(fmt.Errorf("BUG: Fin called twice on stream %d", o.id))
	}
	o.done = true
	return tmconsensus.StreamMessage{
		StreamID:  o.id,
		MessageID: o.next,
		Fin:       true,
	}
}

// Split returns the complete message sequence for payloads.
func Split(streamID uint64, payloads [][]byte) []tmconsensus.StreamMessage {
	o := NewOutbound(streamID)
	out := make([]tmconsensus.StreamMessage, 0, len(payloads)+1)
	for _, p := range payloads {
		out = append(out, o.Next(p))
	}
	return append(out, o.Fin())
}

// IDAllocator hands out stream ids for a node's outgoing streams.
//
// The first id is derived from a random UUID,
// so that a restarted node does not reuse ids
// that peers may still remember as completed.
type IDAllocator struct {
	next uint64
}

// NewIDAllocator returns an IDAllocator with a random starting point.
func NewIDAllocator() *IDAllocator {
	u := uuid.New()
	// Clear the top bit to leave ample room before wrapping.
	return &IDAllocator{next: binary.BigEndian.Uint64(u[:8]) >> 1}
}

// Next returns a new stream id.
func (a *IDAllocator) Next() uint64 {
	id := a.next
	a.next++
	return id
}
