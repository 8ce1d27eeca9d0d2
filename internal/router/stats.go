package router

import "time"

// InstanceStatistics is a point-in-time snapshot of one instance. In
// ShardStatistics it is keyed by host:port (SentinelShard) or by ServerId
// (ClusterShard).
type InstanceStatistics struct {
	ServerId        ServerId
	State           ConnectionState
	PingLatency     time.Duration
	RunningCommands int
	ReadOnly        bool
}

// ShardStatistics is the aggregate snapshot Statistics(master_side) returns from
// statistics(master_side). SentinelShard.Statistics keys Instances by the
// ConnectionInfo's host:port; ClusterShard.Statistics keys them by the
// handle's ServerId, which is not necessarily host:port.
type ShardStatistics struct {
	Instances map[string]InstanceStatistics
	IsReady   bool
}

func newShardStatistics() ShardStatistics {
	return ShardStatistics{Instances: make(map[string]InstanceStatistics)}
}
