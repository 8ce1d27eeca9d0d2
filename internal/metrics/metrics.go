// Package metrics exposes the router's Prometheus surface: per-shard and
// per-instance gauges/counters under the marchproxy_redis_router namespace.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	instanceState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "marchproxy_redis_router",
			Subsystem: "shard",
			Name:      "instance_state",
			Help:      "Current ConnectionState of a shard instance (ordinal)",
		},
		[]string{"shard_group", "shard", "server_id"},
	)

	instanceReady = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "marchproxy_redis_router",
			Subsystem: "shard",
			Name:      "instance_ready",
			Help:      "Whether a shard instance is connected (1=ready, 0=not ready)",
		},
		[]string{"shard_group", "shard", "server_id"},
	)

	instancePingLatency = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "marchproxy_redis_router",
			Subsystem: "shard",
			Name:      "instance_ping_latency_seconds",
			Help:      "Current EWMA ping latency for a shard instance",
		},
		[]string{"shard_group", "shard", "server_id"},
	)

	instanceRunningCommands = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "marchproxy_redis_router",
			Subsystem: "shard",
			Name:      "instance_running_commands",
			Help:      "Number of commands currently in flight on a shard instance",
		},
		[]string{"shard_group", "shard", "server_id"},
	)

	instanceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marchproxy_redis_router",
			Subsystem: "shard",
			Name:      "instance_errors_total",
			Help:      "Total number of errors observed on a shard instance connection",
		},
		[]string{"shard_group", "shard", "server_id"},
	)

	shardReady = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "marchproxy_redis_router",
			Subsystem: "shard",
			Name:      "ready",
			Help:      "Whether a shard is ready to accept traffic (1=ready, 0=not ready)",
		},
		[]string{"shard_group", "shard"},
	)

	commandsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marchproxy_redis_router",
			Name:      "commands_submitted_total",
			Help:      "Total number of commands submitted through a shard",
		},
		[]string{"shard_group", "shard", "result"},
	)

	commandsBlocked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marchproxy_redis_router",
			Name:      "commands_blocked_total",
			Help:      "Total number of commands blocked by the command guard",
		},
		[]string{"shard_group", "shard"},
	)

	mu sync.RWMutex
)

// SetInstanceState records the current connection state ordinal for an
// instance.
func SetInstanceState(shardGroup, shard, serverID string, state int) {
	mu.Lock()
	defer mu.Unlock()
	instanceState.WithLabelValues(shardGroup, shard, serverID).Set(float64(state))
}

// SetInstanceReady records whether an instance is connected.
func SetInstanceReady(shardGroup, shard, serverID string, ready bool) {
	mu.Lock()
	defer mu.Unlock()
	value := 0.0
	if ready {
		value = 1.0
	}
	instanceReady.WithLabelValues(shardGroup, shard, serverID).Set(value)
}

// SetInstancePingLatency records the current ping latency, in seconds.
func SetInstancePingLatency(shardGroup, shard, serverID string, seconds float64) {
	mu.Lock()
	defer mu.Unlock()
	instancePingLatency.WithLabelValues(shardGroup, shard, serverID).Set(seconds)
}

// SetInstanceRunningCommands records the in-flight command count.
func SetInstanceRunningCommands(shardGroup, shard, serverID string, count int) {
	mu.Lock()
	defer mu.Unlock()
	instanceRunningCommands.WithLabelValues(shardGroup, shard, serverID).Set(float64(count))
}

// IncInstanceError increments the per-instance error counter.
func IncInstanceError(shardGroup, shard, serverID string) {
	mu.Lock()
	defer mu.Unlock()
	instanceErrors.WithLabelValues(shardGroup, shard, serverID).Inc()
}

// SetShardReady records whether a shard as a whole is ready.
func SetShardReady(shardGroup, shard string, ready bool) {
	mu.Lock()
	defer mu.Unlock()
	value := 0.0
	if ready {
		value = 1.0
	}
	shardReady.WithLabelValues(shardGroup, shard).Set(value)
}

// IncCommandSubmitted increments the per-shard submit counter, labeled by
// outcome ("accepted" or "refused").
func IncCommandSubmitted(shardGroup, shard string, accepted bool) {
	mu.Lock()
	defer mu.Unlock()
	result := "refused"
	if accepted {
		result = "accepted"
	}
	commandsSubmitted.WithLabelValues(shardGroup, shard, result).Inc()
}

// IncCommandBlocked increments the per-shard guard-blocked counter.
func IncCommandBlocked(shardGroup, shard string) {
	mu.Lock()
	defer mu.Unlock()
	commandsBlocked.WithLabelValues(shardGroup, shard).Inc()
}
