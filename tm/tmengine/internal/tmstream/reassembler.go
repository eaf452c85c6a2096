// Package tmstream reassembles inbound proposal streams
// and splits outbound proposals into stream messages.
package tmstream

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/starkware-libs/sequencer-sub015/tm/tmconsensus"
)

// ErrBadStream is wrapped by every error from [Reassembler.Receive].
// Such errors indicate a faulty or malicious peer.
var ErrBadStream = errors.New("bad stream")

// Key identifies an inbound stream.
type Key struct {
	Peer     string
	StreamID uint64
}

// ReassemblerConfig configures a [Reassembler].
type ReassemblerConfig struct {
	// Maximum number of incomplete streams tracked at once.
	Capacity int

	// Maximum number of payload messages in one stream.
	// Zero means no bound.
	MaxMessages uint64

	// Called when an incomplete stream is evicted to make room for another.
	OnEvict func(Key)

	// Reports the height a stream belongs to, given its first payload.
	// Streams with a known height can be dropped by [Reassembler.Prune].
	// If nil, no stream has a known height.
	HeightOf func(first []byte) (uint64, bool)
}

type inbound struct {
	payloads map[uint64][]byte

	height    uint64
	hasHeight bool
}

// Reassembler tracks inbound streams in an LRU,
// so that a peer opening many streams at once
// cannot grow memory without bound.
//
// It is not safe for concurrent use.
type Reassembler struct {
	streams *simplelru.LRU[Key, *inbound]

	// Recently completed or pruned streams, so that retransmitted
	// or late messages do not open a new stream.
	completed *simplelru.LRU[Key, struct{}]

	maxMessages uint64
	onEvict     func(Key)
	heightOf    func([]byte) (uint64, bool)

	// Streams for heights below floor are discarded.
	floor uint64

	// Set while the Reassembler itself removes a stream,
	// so the eviction callback can tell removal from eviction.
	removing bool

	evictions uint64
}

// NewReassembler returns a Reassembler with the given configuration.
func NewReassembler(cfg ReassemblerConfig) (*Reassembler, error) {
	r := &Reassembler{
		maxMessages: cfg.MaxMessages,
		onEvict:     cfg.OnEvict,
		heightOf:    cfg.HeightOf,
	}

	var err error
	r.streams, err = simplelru.NewLRU[Key, *inbound](cfg.Capacity, r.evicted)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream LRU: %w", err)
	}
	r.completed, err = simplelru.NewLRU[Key, struct{}](cfg.Capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create completed stream LRU: %w", err)
	}

	return r, nil
}

func (r *Reassembler) evicted(k Key, _ *inbound) {
	if r.removing {
		return
	}
	r.evictions++
	if r.onEvict != nil {
		r.onEvict(k)
	}
}

func (r *Reassembler) remove(k Key) {
	r.removing = true
	r.streams.Remove(k)
	r.removing = false
}

// Receive adds m, received from peer, to its stream.
//
// While the stream is incomplete, Receive returns done=false.
// When m is the stream's Fin and every message id below it has arrived,
// Receive returns the payloads in message id order and done=true,
// and the stream is no longer tracked.
//
// A non-nil error wraps [ErrBadStream]; the stream is discarded.
func (r *Reassembler) Receive(peer string, m tmconsensus.StreamMessage) (
	payloads [][]byte, done bool, err error,
) {
	k := Key{Peer: peer, StreamID: m.StreamID}

	if r.completed.Contains(k) {
		// Retransmission of a stream we already finished.
		return nil, false, nil
	}

	s, ok := r.streams.Get(k)
	if !ok {
		s = &inbound{payloads: make(map[uint64][]byte)}
		r.streams.Add(k, s)
	}

	if m.Fin {
		return r.receiveFin(k, s, m.MessageID)
	}

	if r.maxMessages > 0 && m.MessageID >= r.maxMessages {
		r.remove(k)
		return nil, false, fmt.Errorf(
			"%w: message id %d exceeds limit %d", ErrBadStream, m.MessageID, r.maxMessages,
		)
	}

	if prev, ok := s.payloads[m.MessageID]; ok {
		if bytes.Equal(prev, m.Payload) {
			return nil, false, nil
		}
		r.remove(k)
		return nil, false, fmt.Errorf(
			"%w: conflicting payloads for message id %d", ErrBadStream, m.MessageID,
		)
	}

	if m.MessageID == 0 && r.heightOf != nil {
		if h, ok := r.heightOf(m.Payload); ok {
			if h < r.floor {
				r.drop(k)
				return nil, false, nil
			}
			s.height, s.hasHeight = h, true
		}
	}

	s.payloads[m.MessageID] = m.Payload
	return nil, false, nil
}

// drop forgets an incomplete stream without counting an eviction,
// and ignores its remaining messages.
func (r *Reassembler) drop(k Key) {
	r.remove(k)
	r.completed.Add(k, struct{}{})
}

// Prune drops every incomplete stream whose height is known to be below h,
// and discards streams for such heights that start later.
// The floor never moves backwards.
func (r *Reassembler) Prune(h uint64) {
	if h <= r.floor {
		return
	}
	r.floor = h

	for _, k := range r.streams.Keys() {
		s, ok := r.streams.Peek(k)
		if ok && s.hasHeight && s.height < h {
			r.drop(k)
		}
	}
}

func (r *Reassembler) receiveFin(k Key, s *inbound, count uint64) (
	payloads [][]byte, done bool, err error,
) {
	// Any failure below discards the stream.
	r.remove(k)

	if uint64(len(s.payloads)) != count {
		return nil, false, fmt.Errorf(
			"%w: fin declared %d messages but %d arrived", ErrBadStream, count, len(s.payloads),
		)
	}

	payloads = make([][]byte, count)
	for id, p := range s.payloads {
		if id >= count {
			return nil, false, fmt.Errorf(
				"%w: message id %d beyond fin count %d", ErrBadStream, id, count,
			)
		}
		payloads[id] = p
	}

	r.completed.Add(k, struct{}{})
	return payloads, true, nil
}

// Len returns the number of incomplete streams being tracked.
func (r *Reassembler) Len() int {
	return r.streams.Len()
}

// Evictions returns the number of incomplete streams
// evicted to make room for new ones.
func (r *Reassembler) Evictions() uint64 {
	return r.evictions
}
