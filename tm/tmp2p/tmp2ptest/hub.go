package tmp2ptest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/starkware-libs/sequencer-sub015/tm/tmconsensus"
	"github.com/starkware-libs/sequencer-sub015/tm/tmp2p"
)

// Filter decides whether a message from one peer is delivered to another.
// msg is either a [tmconsensus.Vote] or a [tmconsensus.StreamMessage].
// Returning false drops the message for that recipient only.
type Filter func(from, to tmp2p.PeerID, msg any) bool

// HubNetwork is an in-memory network where every connection
// is directly linked to every other connection.
//
// Delivery to each connection is in publish order, and never blocks the publisher.
type HubNetwork struct {
	log *slog.Logger

	ctx context.Context

	mu     sync.Mutex
	conns  []*HubConnection
	nextID int
	filter Filter

	wg sync.WaitGroup
}

// NewHubNetwork returns a new, empty HubNetwork.
// Cancelling ctx disconnects every connection.
func NewHubNetwork(ctx context.Context, log *slog.Logger) *HubNetwork {
	return &HubNetwork{log: log, ctx: ctx}
}

// Connect implements [Network].
func (n *HubNetwork) Connect(ctx context.Context) (tmp2p.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return n.Join(), nil
}

// Join adds a new connection to the network.
func (n *HubNetwork) Join() *HubConnection {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := tmp2p.PeerID(fmt.Sprintf("hub-%d", n.nextID))
	n.nextID++

	ctx, cancel := context.WithCancel(n.ctx)
	c := &HubConnection{
		n:  n,
		id: id,

		log: n.log.With("peer", id),

		votes:   newPump[tmp2p.Inbound[tmconsensus.Vote]](),
		streams: newPump[tmp2p.Inbound[tmconsensus.StreamMessage]](),

		cancel: cancel,
		done:   make(chan struct{}),
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	n.wg.Add(1)
	go func() {
		defer pumps.Done()
		c.votes.run(ctx)
	}()
	go func() {
		defer pumps.Done()
		c.streams.run(ctx)
	}()
	go func() {
		defer n.wg.Done()
		pumps.Wait()
		n.remove(c)
		close(c.done)
	}()

	n.conns = append(n.conns, c)
	return c
}

// SetFilter installs f for all future deliveries.
// A nil Filter delivers everything.
func (n *HubNetwork) SetFilter(f Filter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = f
}

// Stabilize implements [Network].
// Joins take effect immediately, so there is nothing to wait for.
func (n *HubNetwork) Stabilize(context.Context) error {
	return nil
}

// Wait blocks until every connection has disconnected.
func (n *HubNetwork) Wait() {
	n.wg.Wait()
}

func (n *HubNetwork) remove(c *HubConnection) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i, o := range n.conns {
		if o == c {
			n.conns = append(n.conns[:i], n.conns[i+1:]...)
			return
		}
	}
}

func (n *HubNetwork) deliver(from *HubConnection, msg any) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, to := range n.conns {
		if to == from {
			continue
		}
		if n.filter != nil && !n.filter(from.id, to.id, msg) {
			continue
		}

		switch m := msg.(type) {
		case tmconsensus.Vote:
			to.votes.push(tmp2p.Inbound[tmconsensus.Vote]{From: from.id, Msg: m})
		case tmconsensus.StreamMessage:
			to.streams.push(tmp2p.Inbound[tmconsensus.StreamMessage]{From: from.id, Msg: m})
		default:
			panic(fmt.Errorf("BUG: unknown hub message type %T", msg))
		}
	}
}

// Report is a ReportPeer call recorded by a [HubConnection].
type Report struct {
	Peer   tmp2p.PeerID
	Reason error
}

// HubConnection is one participant in a [HubNetwork].
type HubConnection struct {
	n  *HubNetwork
	id tmp2p.PeerID

	log *slog.Logger

	votes   *pump[tmp2p.Inbound[tmconsensus.Vote]]
	streams *pump[tmp2p.Inbound[tmconsensus.StreamMessage]]

	reportMu sync.Mutex
	reports  []Report

	cancel context.CancelFunc
	done   chan struct{}
}

var _ tmp2p.Connection = (*HubConnection)(nil)

func (c *HubConnection) ID() tmp2p.PeerID {
	return c.id
}

func (c *HubConnection) Votes() <-chan tmp2p.Inbound[tmconsensus.Vote] {
	return c.votes.out
}

func (c *HubConnection) StreamMessages() <-chan tmp2p.Inbound[tmconsensus.StreamMessage] {
	return c.streams.out
}

func (c *HubConnection) PublishVote(ctx context.Context, v tmconsensus.Vote) error {
	if err := c.live(ctx); err != nil {
		return err
	}
	c.n.deliver(c, v)
	return nil
}

func (c *HubConnection) SendStreamMessage(ctx context.Context, m tmconsensus.StreamMessage) error {
	if err := c.live(ctx); err != nil {
		return err
	}
	c.n.deliver(c, m)
	return nil
}

func (c *HubConnection) live(ctx context.Context) error {
	select {
	case <-c.done:
		return fmt.Errorf("connection %s is disconnected", c.id)
	default:
	}
	return ctx.Err()
}

func (c *HubConnection) ReportPeer(p tmp2p.PeerID, reason error) {
	c.log.Info("Peer reported", "reported", p, "reason", reason)

	c.reportMu.Lock()
	defer c.reportMu.Unlock()
	c.reports = append(c.reports, Report{Peer: p, Reason: reason})
}

// Reports returns a copy of every ReportPeer call so far.
func (c *HubConnection) Reports() []Report {
	c.reportMu.Lock()
	defer c.reportMu.Unlock()
	return append([]Report(nil), c.reports...)
}

func (c *HubConnection) Disconnect() {
	c.cancel()
	<-c.done
}

func (c *HubConnection) Disconnected() <-chan struct{} {
	return c.done
}

// pump is an unbounded queue feeding an unbuffered output channel.
type pump[T any] struct {
	mu sync.Mutex
	q  []T

	signal chan struct{}
	out    chan T
}

func newPump[T any]() *pump[T] {
	return &pump[T]{
		signal: make(chan struct{}, 1),
		out:    make(chan T),
	}
}

func (p *pump[T]) push(v T) {
	p.mu.Lock()
	p.q = append(p.q, v)
	p.mu.Unlock()

	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *pump[T]) run(ctx context.Context) {
	defer close(p.out)

	for {
		p.mu.Lock()
		if len(p.q) == 0 {
			p.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-p.signal:
				continue
			}
		}
		v := p.q[0]
		var zero T
		p.q[0] = zero
		p.q = p.q[1:]
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case p.out <- v:
		}
	}
}
