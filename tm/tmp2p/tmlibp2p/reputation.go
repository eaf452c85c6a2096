package tmlibp2p

import (
	"math"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	// Subtracted from a peer's application score on each report.
	reportPenalty = 20

	// Time for a report's penalty to halve.
	penaltyHalfLife = 2 * time.Minute

	// Penalties below this are forgotten.
	penaltyFloor = 0.5
)

// Score thresholds sit between multiples of reportPenalty:
// one report stops gossip exchange with the peer,
// two stop publishing to it, and three graylist it.
var scoreThresholds = pubsub.PeerScoreThresholds{
	GossipThreshold:             -0.5 * reportPenalty,
	PublishThreshold:            -1.5 * reportPenalty,
	GraylistThreshold:           -2.5 * reportPenalty,
	AcceptPXThreshold:           5,
	OpportunisticGraftThreshold: 10,
}

// reputation holds decaying penalties for reported peers.
// It feeds the gossipsub application-specific score.
type reputation struct {
	now func() time.Time

	mu        sync.Mutex
	penalties map[peer.ID]penalty
}

type penalty struct {
	value float64
	at    time.Time
}

func newReputation(now func() time.Time) *reputation {
	return &reputation{
		now:       now,
		penalties: make(map[peer.ID]penalty),
	}
}

func (p penalty) decayed(now time.Time) float64 {
	halvings := float64(now.Sub(p.at)) / float64(penaltyHalfLife)
	return p.value * math.Pow(0.5, halvings)
}

// Report adds one penalty to p and returns p's resulting score.
func (r *reputation) Report(p peer.ID) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	// Forget peers whose penalty has decayed away.
	for id, pen := range r.penalties {
		if pen.decayed(now) < penaltyFloor {
			delete(r.penalties, id)
		}
	}

	v := reportPenalty + r.penalties[p].decayed(now)
	r.penalties[p] = penalty{value: v, at: now}
	return -v
}

// Score returns p's current application score, zero or negative.
func (r *reputation) Score(p peer.ID) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	pen, ok := r.penalties[p]
	if !ok {
		return 0
	}
	return -pen.decayed(r.now())
}

// Len returns the number of peers with an outstanding penalty.
func (r *reputation) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.penalties)
}

func (r *reputation) scoreParams() *pubsub.PeerScoreParams {
	return &pubsub.PeerScoreParams{
		AppSpecificScore:  r.Score,
		AppSpecificWeight: 1,

		DecayInterval: 10 * time.Second,
		DecayToZero:   0.01,
		RetainScore:   15 * time.Minute,

		// Validators may share a host in development.
		IPColocationFactorWeight:    0,
		IPColocationFactorThreshold: 100,

		BehaviourPenaltyWeight:    -10,
		BehaviourPenaltyThreshold: 10,
		BehaviourPenaltyDecay:     0.9,

		Topics: make(map[string]*pubsub.TopicScoreParams),
	}
}
