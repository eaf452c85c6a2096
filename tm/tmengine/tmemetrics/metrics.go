// Package tmemetrics exposes Prometheus metrics for the consensus engine.
//
// A nil *Metrics is valid and records nothing,
// so the engine can run without a registry.
package tmemetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "seqconsensus"

// Metrics holds the engine's collectors.
type Metrics struct {
	height prometheus.Gauge
	round  prometheus.Gauge

	decisions     *prometheus.CounterVec
	roundAdvances prometheus.Counter
	timeouts      *prometheus.CounterVec

	votes         *prometheus.CounterVec
	equivocations prometheus.Counter
	badPeers      *prometheus.CounterVec

	cacheDropped    prometheus.Counter
	streamEvictions prometheus.Counter

	heightDuration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		height: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "height",
			Help:      "Height currently being decided",
		}),
		round: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "round",
			Help:      "Round currently active within the height",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Heights decided, grouped by how the decision arrived",
		}, []string{"source"}),
		roundAdvances: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "round_advances_total",
			Help:      "Round increments within a height",
		}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeouts_total",
			Help:      "Timeouts that fired and were applied, grouped by phase",
		}, []string{"phase"}),
		votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_total",
			Help:      "Inbound votes, grouped by tally outcome",
		}, []string{"outcome"}),
		equivocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "equivocations_total",
			Help:      "Conflicting votes observed from the same validator",
		}),
		badPeers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bad_peer_reports_total",
			Help:      "Peers reported to the network, grouped by reason",
		}, []string{"reason"}),
		cacheDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_dropped_total",
			Help:      "Future messages dropped for being outside the cache limits",
		}),
		streamEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_evictions_total",
			Help:      "Incomplete proposal streams evicted from the reassembler",
		}),
		heightDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "height_duration_seconds",
			Help:      "Time from starting a height to its decision",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}

	reg.MustRegister(
		m.height,
		m.round,
		m.decisions,
		m.roundAdvances,
		m.timeouts,
		m.votes,
		m.equivocations,
		m.badPeers,
		m.cacheDropped,
		m.streamEvictions,
		m.heightDuration,
	)

	return m
}

func (m *Metrics) SetHeightRound(h uint64, r uint32) {
	if m == nil {
		return
	}
	m.height.Set(float64(h))
	m.round.Set(float64(r))
}

func (m *Metrics) ObserveRoundAdvance(r uint32) {
	if m == nil {
		return
	}
	m.roundAdvances.Inc()
	m.round.Set(float64(r))
}

// ObserveDecision records a decided height.
// synced reports whether the height was learned from sync rather than voted.
func (m *Metrics) ObserveDecision(synced bool, took time.Duration) {
	if m == nil {
		return
	}
	source := "consensus"
	if synced {
		source = "sync"
	}
	m.decisions.WithLabelValues(source).Inc()
	m.heightDuration.Observe(took.Seconds())
}

func (m *Metrics) ObserveTimeout(phase string) {
	if m == nil {
		return
	}
	m.timeouts.WithLabelValues(phase).Inc()
}

func (m *Metrics) ObserveVote(outcome string) {
	if m == nil {
		return
	}
	m.votes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveEquivocation() {
	if m == nil {
		return
	}
	m.equivocations.Inc()
}

func (m *Metrics) ObserveBadPeer(reason string) {
	if m == nil {
		return
	}
	m.badPeers.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveCacheDrop() {
	if m == nil {
		return
	}
	m.cacheDropped.Inc()
}

func (m *Metrics) ObserveStreamEviction() {
	if m == nil {
		return
	}
	m.streamEvictions.Inc()
}
