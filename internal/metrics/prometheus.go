package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kagent"

// Metrics holds all Prometheus metrics for a knowledge agent
type Metrics struct {
	// Locker metrics
	LocksAcquiredTotal  prometheus.Counter
	LocksRejectedTotal  prometheus.Counter
	LocksExpiredTotal   prometheus.Counter
	LockWarningsTotal   prometheus.Counter
	LocksHeld           prometheus.Gauge
	CommitsTotal        *prometheus.CounterVec
	CommitDuration      prometheus.Histogram
	StagedWritesPerLock prometheus.Histogram

	// Structure log metrics
	LogPointsTotal    prometheus.Counter
	LogPointsRetained prometheus.Gauge

	// Node cache metrics
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	CacheEvictionsTotal prometheus.Counter
	CacheInvalidations  prometheus.Counter
	CacheSizeBytes      prometheus.Gauge
	CacheEntries        prometheus.Gauge

	// Update cache metrics
	UpdatesParked  prometheus.Gauge
	UpdatesExpired prometheus.Counter

	// Heartbeat and sync metrics
	PingsReceivedTotal  *prometheus.CounterVec
	PingsSentTotal      prometheus.Counter
	SyncFetchesTotal    *prometheus.CounterVec
	UpdatesAppliedTotal prometheus.Counter
	ConnectedAgents     prometheus.Gauge

	// Gossip metrics
	GossipMembers      prometheus.Gauge
	GossipDroppedTotal prometheus.Counter
}

// NewMetrics creates and registers all metrics on reg. A nil reg uses
// the default registerer.
func NewMetrics(agentID string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	labels := prometheus.Labels{"agent_id": agentID}

	return &Metrics{
		LocksAcquiredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "locker",
			Name:        "locks_acquired_total",
			Help:        "Total number of subtree locks granted",
			ConstLabels: labels,
		}),
		LocksRejectedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "locker",
			Name:        "locks_rejected_total",
			Help:        "Total number of lock requests rejected by an overlapping lock",
			ConstLabels: labels,
		}),
		LocksExpiredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "locker",
			Name:        "locks_expired_total",
			Help:        "Total number of locks released by expiry",
			ConstLabels: labels,
		}),
		LockWarningsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "locker",
			Name:        "lock_warnings_total",
			Help:        "Total number of expiry warnings sent to lock holders",
			ConstLabels: labels,
		}),
		LocksHeld: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "locker",
			Name:        "locks_held",
			Help:        "Number of locks currently held",
			ConstLabels: labels,
		}),
		CommitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "locker",
			Name:        "commits_total",
			Help:        "Total number of commits by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		CommitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "locker",
			Name:        "commit_duration_seconds",
			Help:        "Histogram of commit durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		StagedWritesPerLock: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "locker",
			Name:        "staged_writes_per_commit",
			Help:        "Histogram of staged writes flushed per commit",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 10),
		}),

		LogPointsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "structure_log",
			Name:        "log_points_total",
			Help:        "Total number of sealed log points",
			ConstLabels: labels,
		}),
		LogPointsRetained: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "structure_log",
			Name:        "log_points_retained",
			Help:        "Number of log points currently retained",
			ConstLabels: labels,
		}),

		CacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "node_cache",
			Name:        "hits_total",
			Help:        "Total number of node cache hits",
			ConstLabels: labels,
		}),
		CacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "node_cache",
			Name:        "misses_total",
			Help:        "Total number of node cache misses",
			ConstLabels: labels,
		}),
		CacheEvictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "node_cache",
			Name:        "evictions_total",
			Help:        "Total number of entries evicted by the replacement policy",
			ConstLabels: labels,
		}),
		CacheInvalidations: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "node_cache",
			Name:        "invalidations_total",
			Help:        "Total number of entries invalidated by writes or notifications",
			ConstLabels: labels,
		}),
		CacheSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "node_cache",
			Name:        "size_bytes",
			Help:        "Current accounted size of cached nodes",
			ConstLabels: labels,
		}),
		CacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "node_cache",
			Name:        "entries",
			Help:        "Current number of cached nodes",
			ConstLabels: labels,
		}),

		UpdatesParked: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "update_cache",
			Name:        "parked",
			Help:        "Number of out-of-order updates waiting for their predecessor",
			ConstLabels: labels,
		}),
		UpdatesExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "update_cache",
			Name:        "expired_total",
			Help:        "Total number of parked updates dropped by age",
			ConstLabels: labels,
		}),

		PingsReceivedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "heartbeat",
			Name:        "pings_received_total",
			Help:        "Total number of alive pings received by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		PingsSentTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "heartbeat",
			Name:        "pings_sent_total",
			Help:        "Total number of alive pings sent",
			ConstLabels: labels,
		}),
		SyncFetchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "sync",
			Name:        "fetches_total",
			Help:        "Total number of delta fetches by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		UpdatesAppliedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "sync",
			Name:        "updates_applied_total",
			Help:        "Total number of remote updates applied in order",
			ConstLabels: labels,
		}),
		ConnectedAgents: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "registry",
			Name:        "connected_agents",
			Help:        "Number of agents with an established session",
			ConstLabels: labels,
		}),

		GossipMembers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "gossip",
			Name:        "members",
			Help:        "Number of live gossip members",
			ConstLabels: labels,
		}),
		GossipDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "gossip",
			Name:        "dropped_messages_total",
			Help:        "Total number of inbound gossip messages dropped by rate limiting or decoding",
			ConstLabels: labels,
		}),
	}
}

// NewNopMetrics returns metrics registered on a private registry
func NewNopMetrics() *Metrics {
	return NewMetrics("", prometheus.NewRegistry())
}
