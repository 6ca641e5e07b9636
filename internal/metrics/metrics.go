// Package metrics adapts the teacher's custompromauto pattern (a private
// prometheus.Registry plus a promauto.Factory, so the default registry
// stays clean) into the counters/gauges this repo's consensus core needs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Set is the full collection of counters/gauges the consensus core and
// relay update. Each Set owns its own private prometheus.Registry (the
// teacher's custompromauto pattern, but per-instance rather than
// package-global): a real process constructs exactly one Set, while
// tests that simulate several peers in one binary can construct many
// without tripping promauto's duplicate-registration panic.
type Set struct {
	registry *prometheus.Registry

	BlocksForged     prometheus.Counter
	BlocksExtended   prometheus.Counter
	Reorgs           prometheus.Counter
	ReorgDepth       prometheus.Histogram
	MempoolSize      prometheus.Gauge
	VotesReceived    prometheus.Counter
	QuorumsReached   prometheus.Counter
	SyncAttempts     prometheus.Counter
	SyncDuration     prometheus.Histogram
	RelayFramesDropped prometheus.Counter
}

// Registry returns the private registry backing this Set's metrics, for
// wiring into promhttp.HandlerFor the same way the teacher's main.go
// wires custompromauto.Registry().
func (s *Set) Registry() *prometheus.Registry { return s.registry }

// New constructs a fresh Set with its own private registry.
func New() *Set {
	registry := prometheus.NewRegistry()
	auto := promauto.With(registry)
	return &Set{
		registry: registry,
		BlocksForged: auto.NewCounter(prometheus.CounterOpts{
			Name: "posforge_blocks_forged_total",
			Help: "Number of blocks this node has forged.",
		}),
		BlocksExtended: auto.NewCounter(prometheus.CounterOpts{
			Name: "posforge_blocks_extended_total",
			Help: "Number of blocks accepted by direct head extension.",
		}),
		Reorgs: auto.NewCounter(prometheus.CounterOpts{
			Name: "posforge_reorgs_total",
			Help: "Number of chain reorganizations performed.",
		}),
		ReorgDepth: auto.NewHistogram(prometheus.HistogramOpts{
			Name:    "posforge_reorg_depth",
			Help:    "Depth (in blocks) of each chain reorganization.",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		}),
		MempoolSize: auto.NewGauge(prometheus.GaugeOpts{
			Name: "posforge_mempool_size",
			Help: "Current number of pending transactions.",
		}),
		VotesReceived: auto.NewCounter(prometheus.CounterOpts{
			Name: "posforge_votes_received_total",
			Help: "Number of block votes received.",
		}),
		QuorumsReached: auto.NewCounter(prometheus.CounterOpts{
			Name: "posforge_quorums_reached_total",
			Help: "Number of times a vote quorum was reached.",
		}),
		SyncAttempts: auto.NewCounter(prometheus.CounterOpts{
			Name: "posforge_sync_attempts_total",
			Help: "Number of bootstrap sync attempts.",
		}),
		SyncDuration: auto.NewHistogram(prometheus.HistogramOpts{
			Name: "posforge_sync_duration_seconds",
			Help: "Duration of bootstrap sync attempts.",
		}),
		RelayFramesDropped: auto.NewCounter(prometheus.CounterOpts{
			Name: "posforge_relay_frames_dropped_total",
			Help: "Number of frames the relay dropped for a muted sender.",
		}),
	}
}
