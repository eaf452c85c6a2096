// Package tmlibp2p contains a [tmp2p.Connection] backed by libp2p GossipSub.
//
// Votes and proposal stream messages travel on two separate topics.
// Messages are decoded in the topic validator,
// so that undecodable messages are rejected before they propagate
// and count against the sender's peer score.
//
// Peers reported by consensus lose application score
// that decays over time instead of being blacklisted,
// since gossip may deliver an honest proposer's stream out of order.
package tmlibp2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/starkware-libs/sequencer-sub015/tm/tmcodec"
	"github.com/starkware-libs/sequencer-sub015/tm/tmconsensus"
	"github.com/starkware-libs/sequencer-sub015/tm/tmp2p"
)

const (
	VotesTopic     = "/seqconsensus/votes/1"
	ProposalsTopic = "/seqconsensus/proposals/1"
)

// Connection is a libp2p GossipSub based [tmp2p.Connection].
type Connection struct {
	log *slog.Logger

	h     host.Host
	ps    *pubsub.PubSub
	codec tmcodec.Codec
	rep   *reputation

	votesTopic, proposalsTopic *pubsub.Topic
	votesSub, proposalsSub     *pubsub.Subscription

	votesOut     chan tmp2p.Inbound[tmconsensus.Vote]
	proposalsOut chan tmp2p.Inbound[tmconsensus.StreamMessage]

	cancel     context.CancelFunc
	wg         sync.WaitGroup
	disconnect sync.Once
	done       chan struct{}
}

var _ tmp2p.Connection = (*Connection)(nil)

// NewConnection joins the consensus topics on h.
// The Connection takes ownership of h and closes it on Disconnect.
//
// NewConnection enables gossipsub peer scoring itself,
// so opts must not include [pubsub.WithPeerScore].
func NewConnection(
	ctx context.Context, log *slog.Logger, h host.Host, codec tmcodec.Codec, opts ...pubsub.Option,
) (*Connection, error) {
	rep := newReputation(time.Now)
	thresholds := scoreThresholds
	opts = append(opts, pubsub.WithPeerScore(rep.scoreParams(), &thresholds))

	ps, err := pubsub.NewGossipSub(ctx, h, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gossipsub: %w", err)
	}

	if err := ps.RegisterTopicValidator(VotesTopic, decodingValidator(codec.UnmarshalVote)); err != nil {
		return nil, fmt.Errorf("failed to register vote validator: %w", err)
	}
	if err := ps.RegisterTopicValidator(ProposalsTopic, decodingValidator(codec.UnmarshalStreamMessage)); err != nil {
		return nil, fmt.Errorf("failed to register stream validator: %w", err)
	}

	c := &Connection{
		log: log,

		h:     h,
		ps:    ps,
		codec: codec,
		rep:   rep,

		votesOut:     make(chan tmp2p.Inbound[tmconsensus.Vote]),
		proposalsOut: make(chan tmp2p.Inbound[tmconsensus.StreamMessage]),

		done: make(chan struct{}),
	}

	c.votesTopic, c.votesSub, err = join(ps, VotesTopic)
	if err != nil {
		return nil, err
	}
	c.proposalsTopic, c.proposalsSub, err = join(ps, ProposalsTopic)
	if err != nil {
		c.votesSub.Cancel()
		_ = c.votesTopic.Close()
		return nil, err
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(2)
	go consume[tmconsensus.Vote](ctx, c, c.votesSub, c.votesOut)
	go consume[tmconsensus.StreamMessage](ctx, c, c.proposalsSub, c.proposalsOut)

	go c.closeWhenDone(ctx)

	return c, nil
}

func join(ps *pubsub.PubSub, name string) (*pubsub.Topic, *pubsub.Subscription, error) {
	t, err := ps.Join(name)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to join topic %s: %w", name, err)
	}
	s, err := t.Subscribe()
	if err != nil {
		_ = t.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to topic %s: %w", name, err)
	}
	return t, s, nil
}

// decodingValidator rejects messages that do not decode,
// and stashes the decoded value on accepted messages.
func decodingValidator[T any](decode func([]byte, *T) error) pubsub.ValidatorEx {
	return func(_ context.Context, _ peer.ID, msg *pubsub.Message) pubsub.ValidationResult {
		var v T
		if err := decode(msg.Data, &v); err != nil {
			return pubsub.ValidationReject
		}
		msg.ValidatorData = v
		return pubsub.ValidationAccept
	}
}

func consume[T any](
	ctx context.Context, c *Connection, sub *pubsub.Subscription, out chan<- tmp2p.Inbound[T],
) {
	defer c.wg.Done()
	defer close(out)

	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				c.log.Warn("Topic consumer stopped", "topic", sub.Topic(), "err", err)
			}
			return
		}

		if msg.ReceivedFrom == c.h.ID() {
			// Our own publish, looped back.
			continue
		}

		v, ok := msg.ValidatorData.(T)
		if !ok {
			panic(fmt.Errorf("BUG: validator data for topic %s has type %T", sub.Topic(), msg.ValidatorData))
		}

		select {
		case <-ctx.Done():
			return
		case out <- tmp2p.Inbound[T]{From: tmp2p.PeerID(msg.GetFrom().String()), Msg: v}:
		}
	}
}

func (c *Connection) closeWhenDone(ctx context.Context) {
	<-ctx.Done()

	c.votesSub.Cancel()
	c.proposalsSub.Cancel()
	c.wg.Wait()

	if err := c.votesTopic.Close(); err != nil {
		c.log.Debug("Error closing votes topic", "err", err)
	}
	if err := c.proposalsTopic.Close(); err != nil {
		c.log.Debug("Error closing proposals topic", "err", err)
	}
	if err := c.h.Close(); err != nil {
		c.log.Warn("Error closing host", "err", err)
	}

	close(c.done)
}

func (c *Connection) ID() tmp2p.PeerID {
	return tmp2p.PeerID(c.h.ID().String())
}

// Host returns the underlying libp2p host.
func (c *Connection) Host() host.Host {
	return c.h
}

func (c *Connection) Votes() <-chan tmp2p.Inbound[tmconsensus.Vote] {
	return c.votesOut
}

func (c *Connection) StreamMessages() <-chan tmp2p.Inbound[tmconsensus.StreamMessage] {
	return c.proposalsOut
}

func (c *Connection) PublishVote(ctx context.Context, v tmconsensus.Vote) error {
	b, err := c.codec.MarshalVote(v)
	if err != nil {
		return fmt.Errorf("failed to marshal vote: %w", err)
	}
	if err := c.votesTopic.Publish(ctx, b); err != nil {
		return fmt.Errorf("failed to publish vote: %w", err)
	}
	return nil
}

func (c *Connection) SendStreamMessage(ctx context.Context, m tmconsensus.StreamMessage) error {
	b, err := c.codec.MarshalStreamMessage(m)
	if err != nil {
		return fmt.Errorf("failed to marshal stream message: %w", err)
	}
	if err := c.proposalsTopic.Publish(ctx, b); err != nil {
		return fmt.Errorf("failed to publish stream message: %w", err)
	}
	return nil
}

// ReportPeer lowers the peer's gossipsub score.
// Repeated reports within a few minutes graylist the peer,
// and the penalty decays so that it can recover.
func (c *Connection) ReportPeer(p tmp2p.PeerID, reason error) {
	pid, err := peer.Decode(string(p))
	if err != nil {
		c.log.Warn("Cannot report peer with malformed ID", "peer", p, "reason", reason, "err", err)
		return
	}

	score := c.rep.Report(pid)
	if score < scoreThresholds.GraylistThreshold {
		c.log.Warn("Reported peer is graylisted", "peer", p, "score", score, "reason", reason)
		return
	}
	c.log.Info("Penalized reported peer", "peer", p, "score", score, "reason", reason)
}

// PeerScore returns the application score this connection holds for p.
func (c *Connection) PeerScore(p tmp2p.PeerID) float64 {
	pid, err := peer.Decode(string(p))
	if err != nil {
		return 0
	}
	return c.rep.Score(pid)
}

// TopicPeers returns the number of peers subscribed
// to both consensus topics, as seen from this connection.
func (c *Connection) TopicPeers() int {
	return min(len(c.votesTopic.ListPeers()), len(c.proposalsTopic.ListPeers()))
}

func (c *Connection) Disconnect() {
	c.disconnect.Do(c.cancel)
	<-c.done
}

func (c *Connection) Disconnected() <-chan struct{} {
	return c.done
}
