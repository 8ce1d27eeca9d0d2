package router

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ReadyMode names the conditions ClusterShard.IsReady can check.
type ReadyMode int

const (
	ReadyNoWait ReadyMode = iota
	ReadyMaster
	ReadySlave
	ReadyMasterOrSlave
	ReadyMasterAndSlave
)

// ClusterShard is a Cluster-mode shard: a fixed (master, replicas[]) shape
// supplied from outside (the Cluster slot map). Unlike SentinelShard it
// performs routing only — it owns no connection lifecycle.
type ClusterShard struct {
	ShardID int
	name    string

	guard  CommandGuard
	logger logrus.FieldLogger

	mu      sync.RWMutex
	master  InstanceHandle
	replicas []InstanceHandle
	current uint64

	warnMu       sync.Mutex
	warnLimiters map[string]*rate.Limiter

	onBlocked Observer[string]
}

// NewClusterShard constructs a ClusterShard for a fixed master/replica set.
func NewClusterShard(shardID int, name string, master InstanceHandle, replicas []InstanceHandle, cmdGuard CommandGuard, logger logrus.FieldLogger) *ClusterShard {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ClusterShard{
		ShardID:      shardID,
		name:         name,
		guard:        cmdGuard,
		logger:       logger,
		master:       master,
		replicas:     append([]InstanceHandle(nil), replicas...),
		warnLimiters: make(map[string]*rate.Limiter),
	}
}

func (c *ClusterShard) warnLimiter(kind string) *rate.Limiter {
	c.warnMu.Lock()
	defer c.warnMu.Unlock()
	l, ok := c.warnLimiters[kind]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Second), 1)
		c.warnLimiters[kind] = l
	}
	return l
}

func (c *ClusterShard) warnf(kind, format string, args ...interface{}) {
	if c.warnLimiter(kind).Allow() {
		c.logger.WithFields(logrus.Fields{"shard": c.name, "cluster_shard_id": c.ShardID}).Warnf(format, args...)
	}
}

// OnBlocked subscribes fn to every command the guard refuses on this
// shard, identified by command name.
func (c *ClusterShard) OnBlocked(fn func(cmdName string)) {
	c.onBlocked.Subscribe(fn)
}

func (c *ClusterShard) recoverObserver(kind string) func(interface{}) {
	return func(r interface{}) {
		c.logger.WithFields(logrus.Fields{
			"shard":    c.name,
			"observer": kind,
		}).Warnf("observer callback panicked, downgraded to warning: %v", r)
	}
}

// Statistics returns a point-in-time snapshot of the master and replicas
// currently backing this shard.
func (c *ClusterShard) Statistics() ShardStatistics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := newShardStatistics()
	if c.master != nil {
		stats.Instances[string(c.master.ServerId())] = InstanceStatistics{
			ServerId:        c.master.ServerId(),
			State:           c.master.State(),
			PingLatency:     c.master.PingLatency(),
			RunningCommands: c.master.RunningCommands(),
			ReadOnly:        false,
		}
	}
	for _, r := range c.replicas {
		if r == nil {
			continue
		}
		stats.Instances[string(r.ServerId())] = InstanceStatistics{
			ServerId:        r.ServerId(),
			State:           r.State(),
			PingLatency:     r.PingLatency(),
			RunningCommands: r.RunningCommands(),
			ReadOnly:        true,
		}
	}
	stats.IsReady = c.master != nil && c.master.State() == StateConnected
	return stats
}

// SetTopology replaces the master/replica set — called when the Cluster
// slot map moves this shard's ownership.
func (c *ClusterShard) SetTopology(master InstanceHandle, replicas []InstanceHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.master = master
	c.replicas = append([]InstanceHandle(nil), replicas...)
}

// IsReady maps a ReadyMode to the current master/replica connection state.
func (c *ClusterShard) IsReady(mode ReadyMode) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	masterUp := c.master != nil && c.master.State() == StateConnected
	anyReplicaUp := false
	for _, r := range c.replicas {
		if r != nil && r.State() == StateConnected {
			anyReplicaUp = true
			break
		}
	}

	switch mode {
	case ReadyNoWait:
		return true
	case ReadyMaster:
		return masterUp
	case ReadySlave:
		return anyReplicaUp
	case ReadyMasterOrSlave:
		return masterUp || anyReplicaUp
	case ReadyMasterAndSlave:
		return masterUp && anyReplicaUp
	default:
		return false
	}
}

// Submit takes a direct path for writes and pinned reads,
// and a candidate-vector attempt loop for unpinned reads.
func (c *ClusterShard) Submit(cmd *Command) bool {
	if c.guard != nil {
		if blocked, reason := c.guard.Check(cmd); blocked {
			c.warnf("guard_blocked", "submit refused: command %q blocked by guard: %s", cmd.Name, reason)
			c.onBlocked.Emit(cmd.Name, c.recoverObserver("blocked"))
			return false
		}
	}

	c.mu.RLock()
	master := c.master
	replicas := append([]InstanceHandle(nil), c.replicas...)
	c.mu.RUnlock()

	if !cmd.ReadOnly {
		if master == nil || master.IsDestroying() || master.State() != StateConnected {
			c.warnf("all_refused", "submit refused: shard %d/%s has no connected master for a write", c.ShardID, c.name)
			return false
		}
		return master.Submit(cmd)
	}

	if !cmd.Control.ForceServerId.IsAny() {
		for _, h := range append([]InstanceHandle{master}, replicas...) {
			if h != nil && h.ServerId() == cmd.Control.ForceServerId {
				if h.IsDestroying() || h.State() != StateConnected {
					return false
				}
				return h.Submit(cmd)
			}
		}
		c.warnf("server_not_found", "submit refused: pinned server %s not found in shard %d/%s", cmd.Control.ForceServerId, c.ShardID, c.name)
		return false
	}

	return c.submitUnpinnedRead(cmd, master, replicas)
}

func (c *ClusterShard) submitUnpinnedRead(cmd *Command, master InstanceHandle, replicas []InstanceHandle) bool {
	nearestPing := cmd.Control.Strategy.isNearestPing()
	allowMaster := cmd.Control.AllowReadsFromMaster

	var cands []InstanceHandle
	switch {
	case !nearestPing:
		cands = append(append([]InstanceHandle(nil), replicas...), master)
	case nearestPing && allowMaster:
		cands = append(append([]InstanceHandle(nil), replicas...), master)
		sortByPing(cands, clampWindow(cmd.Control.BestDcCount, len(cands)))
	default: // nearestPing && !allowMaster
		cands = append([]InstanceHandle(nil), replicas...)
		sortByPing(cands, clampWindow(cmd.Control.BestDcCount, len(cands)))
		cands = append(cands, master)
	}

	count := len(cands)
	if count == 0 {
		c.warnf("all_refused", "submit refused: shard %d/%s has no candidates for a read", c.ShardID, c.name)
		return false
	}

	current := atomic.AddUint64(&c.current, 1)
	bestDcCount := cmd.Control.BestDcCount

	maxAttempts := len(replicas) + 2
	firstTry := true
	for attempt := 0; attempt < maxAttempts; attempt++ {
		startIdx := clusterStartIndex(attempt, firstTry, nearestPing, allowMaster, cmd.InstanceIdx, current, count, bestDcCount)
		window := count
		if attempt == 0 && nearestPing {
			window = clampWindow(bestDcCount, count)
		}

		result := selectFromWindow(cands, startIdx, window, count)
		firstTry = false
		if !result.found {
			continue
		}
		cmd.InstanceIdx = result.index
		if result.handle.Submit(cmd) {
			return true
		}
	}

	c.warnf("all_refused", "submit refused: all candidates rejected in shard %d/%s (read_only=true)", c.ShardID, c.name)
	return false
}

// clusterStartIndex computes the round-robin start position for an
// unpinned read attempt, narrowing the window on the first nearest-ping try.
func clusterStartIndex(attempt int, firstTry, isNearestPing, allowReadsFromMaster bool, prevIdx int, current uint64, count, bestDcCount int) int {
	effectiveCount := count
	if firstTry && attempt == 0 && !allowReadsFromMaster {
		effectiveCount--
		if effectiveCount < 1 {
			effectiveCount = 1
		}
	}

	var idx int
	switch {
	case isNearestPing && firstTry && attempt == 0:
		window := clampWindow(bestDcCount, effectiveCount)
		idx = int(current % uint64(window))
	case isNearestPing:
		idx = prevIdx + 1 + attempt
	case firstTry:
		idx = int(current) + attempt
	default:
		idx = prevIdx + 1 + attempt
	}

	idx %= effectiveCount
	if idx < 0 {
		idx += effectiveCount
	}
	return idx
}

// selectFromWindow scans window candidates starting at startIdx (mod
// count), round robin, choosing the least-loaded eligible handle.
func selectFromWindow(cands []InstanceHandle, startIdx, window, count int) selectResult {
	best := selectResult{}
	bestRunning := -1

	for i := 0; i < window; i++ {
		k := (startIdx + i) % count
		h := cands[k]
		if h == nil || h.IsDestroying() || h.IsSyncing() || h.State() != StateConnected {
			continue
		}
		running := h.RunningCommands()
		if bestRunning == -1 || running < bestRunning {
			best = selectResult{handle: h, index: k, found: true}
			bestRunning = running
		}
	}
	return best
}

func sortByPing(handles []InstanceHandle, window int) {
	if window >= len(handles) {
		sort.SliceStable(handles, func(a, b int) bool {
			return handlePing(handles[a]) < handlePing(handles[b])
		})
		return
	}
	// Partial sort: only the first `window` entries need to be the
	// smallest, in order; the tail is fallback and its order doesn't
	// matter beyond being stable.
	partialSortByPing(handles, window)
}

func partialSortByPing(handles []InstanceHandle, window int) {
	for i := 0; i < window; i++ {
		minIdx := i
		for j := i + 1; j < len(handles); j++ {
			if handlePing(handles[j]) < handlePing(handles[minIdx]) {
				minIdx = j
			}
		}
		handles[i], handles[minIdx] = handles[minIdx], handles[i]
	}
}

func handlePing(h InstanceHandle) time.Duration {
	if h == nil {
		return time.Duration(1<<63 - 1)
	}
	return h.PingLatency()
}

func clampWindow(want, count int) int {
	if want <= 0 || want > count {
		return count
	}
	return want
}
