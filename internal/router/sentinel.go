package router

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ThreadPool is the "callable worker" contract the router requires from its
// host: something that can run a closure without the caller waiting for it.
// Event-loop integration (the actual thread pool / coroutine runtime) is
// explicitly out of scope — this is the only surface the router
// needs from it.
type ThreadPool interface {
	Submit(func())
}

// CommandGuard is an optional pre-selection filter: a command it blocks
// never reaches availability/selection at all. It is a router-level
// interface so the concrete implementation (package guard) has no import
// cycle back into router.
type CommandGuard interface {
	Check(cmd *Command) (blocked bool, reason string)
}

// NewHandleFunc constructs a fresh, not-yet-connected InstanceHandle for a
// ConnectionInfo. The router calls Connect on the result itself; the
// factory's only job is construction and signal wiring.
type NewHandleFunc func(info ConnectionInfo) InstanceHandle

// InstanceStateChangeEvent is the payload of SentinelShard.OnInstanceStateChange.
type InstanceStateChangeEvent struct {
	ServerId ServerId
	State    ConnectionState
}

// InstanceReadyEvent is the payload of SentinelShard.OnInstanceReady.
type InstanceReadyEvent struct {
	ServerId  ServerId
	IsReplica bool
}

// SentinelShard is a Sentinel-mode shard: an unordered set of instances,
// each flagged master or replica, reconciled against a desired
// ConnectionInfo set. It owns connection creation, promotion, and teardown.
type SentinelShard struct {
	Name       string
	ShardGroup string

	newHandle   NewHandleFunc
	guard       CommandGuard
	destroyHook func(ConnectionStatus)
	logger      logrus.FieldLogger

	mu sync.RWMutex

	connectionInfos map[string]ConnectionInfo // keyed by ConnectionInfo.Addr()
	instances       []ConnectionStatus
	cleanWait       []ConnectionStatus
	destroying      bool
	current         uint64

	lastConnectedTime time.Time
	lastReadyTime     time.Time
	prevConnected     bool

	defaultBuffering BufferingSettings

	onInstanceStateChange Observer[InstanceStateChangeEvent]
	onInstanceReady       Observer[InstanceReadyEvent]
	onNotInClusterMode    Observer[struct{}]
	onReadinessChange     Observer[bool]
	onBlocked             Observer[string]

	warnMu       sync.Mutex
	warnLimiters map[string]*rate.Limiter
}

// NewSentinelShard constructs an empty shard. newHandle is required;
// cmdGuard and destroyHook may be nil.
func NewSentinelShard(name, shardGroup string, newHandle NewHandleFunc, cmdGuard CommandGuard, destroyHook func(ConnectionStatus), logger logrus.FieldLogger) *SentinelShard {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SentinelShard{
		Name:            name,
		ShardGroup:      shardGroup,
		newHandle:       newHandle,
		guard:           cmdGuard,
		destroyHook:     destroyHook,
		logger:          logger,
		connectionInfos: make(map[string]ConnectionInfo),
		warnLimiters:    make(map[string]*rate.Limiter),
	}
}

func (s *SentinelShard) warnLimiter(kind string) *rate.Limiter {
	s.warnMu.Lock()
	defer s.warnMu.Unlock()
	l, ok := s.warnLimiters[kind]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Second), 1)
		s.warnLimiters[kind] = l
	}
	return l
}

func (s *SentinelShard) warnf(kind string, format string, args ...interface{}) {
	if s.warnLimiter(kind).Allow() {
		s.logger.WithFields(logrus.Fields{
			"shard":       s.Name,
			"shard_group": s.ShardGroup,
		}).Warnf(format, args...)
	}
}

// OnInstanceStateChange subscribes to per-instance state transitions.
func (s *SentinelShard) OnInstanceStateChange(fn func(InstanceStateChangeEvent)) {
	s.onInstanceStateChange.Subscribe(fn)
}

// OnInstanceReady subscribes to clean_wait -> instances promotions.
func (s *SentinelShard) OnInstanceReady(fn func(InstanceReadyEvent)) {
	s.onInstanceReady.Subscribe(fn)
}

// OnNotInClusterMode subscribes to the mode-mismatch fan-out.
func (s *SentinelShard) OnNotInClusterMode(fn func()) {
	s.onNotInClusterMode.Subscribe(fn)
}

// OnReadinessChange subscribes to instances-empty transitions.
func (s *SentinelShard) OnReadinessChange(fn func(ready bool)) {
	s.onReadinessChange.Subscribe(fn)
}

// OnBlocked subscribes fn to every command the guard refuses on this
// shard, identified by command name.
func (s *SentinelShard) OnBlocked(fn func(cmdName string)) {
	s.onBlocked.Subscribe(fn)
}

func (s *SentinelShard) recoverObserver(kind string) func(interface{}) {
	return func(r interface{}) {
		s.logger.WithFields(logrus.Fields{
			"shard":       s.Name,
			"shard_group": s.ShardGroup,
			"observer":    kind,
		}).Warnf("observer callback panicked, downgraded to warning: %v", r)
	}
}

// SetConnectionInfos replaces the desired set; returns true iff it changed.
// The caller (the topology/event thread) is expected to follow a change
// with ReconcileCreate.
func (s *SentinelShard) SetConnectionInfos(desired []ConnectionInfo) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]ConnectionInfo, len(desired))
	for _, info := range desired {
		next[info.Addr()] = info
	}

	if len(next) == len(s.connectionInfos) {
		same := true
		for addr, info := range next {
			if existing, ok := s.connectionInfos[addr]; !ok || existing != info {
				same = false
				break
			}
		}
		if same {
			return false
		}
	}

	s.connectionInfos = next
	return true
}

// ReconcileCreate creates InstanceHandles for every desired info not yet
// known, hooks signals, starts connecting, and places them in clean_wait;
// it also drops live/pending entries whose info vanished from the desired
// set. Returns true iff the live set changed.
func (s *SentinelShard) ReconcileCreate(pool ThreadPool) bool {
	s.mu.Lock()

	changed := false
	known := make(map[string]struct{})
	for _, cs := range s.instances {
		known[cs.Info.Addr()] = struct{}{}
	}
	for _, cs := range s.cleanWait {
		known[cs.Info.Addr()] = struct{}{}
	}

	var created []ConnectionStatus
	for addr, info := range s.connectionInfos {
		if _, ok := known[addr]; ok {
			continue
		}
		handle := s.newHandle(info)
		s.wireHandle(handle)
		created = append(created, ConnectionStatus{Info: info, Handle: handle})
		changed = true
	}
	s.cleanWait = append(s.cleanWait, created...)

	// Drop live/pending entries whose declared info vanished, and mutate
	// in place entries whose only change is the ReadOnly flag.
	var destroyed []ConnectionStatus
	s.instances, destroyed = s.reconcileInfoSet(s.instances, destroyed)
	s.cleanWait, destroyed = s.reconcileInfoSet(s.cleanWait, destroyed)
	if len(destroyed) > 0 {
		changed = true
	}

	s.mu.Unlock()

	for _, cs := range created {
		connect := func(cs ConnectionStatus) func() {
			return func() { cs.Handle.Connect(cs.Info) }
		}(cs)
		if pool != nil {
			pool.Submit(connect)
		} else {
			connect()
		}
	}
	for _, cs := range destroyed {
		if s.destroyHook != nil {
			s.destroyHook(cs)
		}
	}

	return changed
}

// reconcileInfoSet drops entries whose ConnectionInfo is no longer in
// connectionInfos (appending them to destroyed) and mutates the ReadOnly
// flag of entries that are still present but changed. Must be called with
// s.mu held for writing.
func (s *SentinelShard) reconcileInfoSet(list []ConnectionStatus, destroyed []ConnectionStatus) ([]ConnectionStatus, []ConnectionStatus) {
	kept := list[:0]
	for _, cs := range list {
		info, ok := s.connectionInfos[cs.Info.Addr()]
		if !ok {
			destroyed = append(destroyed, cs)
			continue
		}
		if info != cs.Info {
			cs.Info = info
		}
		kept = append(kept, cs)
	}
	return kept, destroyed
}

// wireHandle hooks a freshly created handle's signals into the shard's own
// observers. ReconcileCreate calls it with s.mu held, which is safe: it only
// registers callbacks, and the callbacks themselves never take s.mu.
func (s *SentinelShard) wireHandle(h InstanceHandle) {
	h.OnStateChange(func(state ConnectionState) {
		s.onInstanceStateChange.Emit(InstanceStateChangeEvent{ServerId: h.ServerId(), State: state}, s.recoverObserver("instance_state_change"))
	})
	h.OnNotInClusterMode(func() {
		s.onNotInClusterMode.Emit(struct{}{}, s.recoverObserver("not_in_cluster_mode"))
	})
}

// ReconcileState promotes Connected entries from clean_wait to instances,
// demotes non-Connected entries from instances to clean_wait, and drains
// terminal entries. Returns true iff the live set changed.
func (s *SentinelShard) ReconcileState() bool {
	s.mu.Lock()

	changed := false
	var promoted []ConnectionStatus
	var destroyed []ConnectionStatus

	var stillWaiting []ConnectionStatus
	for _, cs := range s.cleanWait {
		switch {
		case cs.Handle.State() == StateConnected:
			promoted = append(promoted, cs)
			changed = true
		case cs.Handle.State().IsTerminal():
			destroyed = append(destroyed, cs)
			changed = true
		default:
			stillWaiting = append(stillWaiting, cs)
		}
	}
	s.cleanWait = stillWaiting

	var stillLive []ConnectionStatus
	for _, cs := range s.instances {
		if cs.Handle.State() == StateConnected {
			stillLive = append(stillLive, cs)
			continue
		}
		changed = true
		if cs.Handle.State().IsTerminal() {
			destroyed = append(destroyed, cs)
		} else {
			s.cleanWait = append(s.cleanWait, cs)
		}
	}
	s.instances = append(stillLive, promoted...)

	wasEmpty := !s.prevConnected
	nowEmpty := len(s.instances) == 0
	readinessFlipped := wasEmpty != nowEmpty
	s.prevConnected = !nowEmpty
	now := time.Now()
	if !nowEmpty {
		s.lastConnectedTime = now
	}
	if nowEmpty || len(promoted) > 0 {
		s.lastReadyTime = now
	}

	s.mu.Unlock()

	for _, cs := range promoted {
		s.onInstanceReady.Emit(InstanceReadyEvent{ServerId: cs.Handle.ServerId(), IsReplica: cs.Info.ReadOnly}, s.recoverObserver("instance_ready"))
	}
	if readinessFlipped {
		s.onReadinessChange.Emit(!nowEmpty, s.recoverObserver("readiness_change"))
	}
	for _, cs := range destroyed {
		if s.destroyHook != nil {
			s.destroyHook(cs)
		}
	}

	return changed
}

// IsConnectedToAll reports whether every known instance is Connected.
// allowEmpty controls whether a shard with zero known instances counts as
// "connected to all" (true) or not (false).
func (s *SentinelShard) IsConnectedToAll(allowEmpty bool) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := len(s.instances) + len(s.cleanWait)
	if total == 0 {
		return allowEmpty
	}
	for _, cs := range s.instances {
		if cs.Handle.State() != StateConnected {
			return false
		}
	}
	for _, cs := range s.cleanWait {
		if cs.Handle.State() != StateConnected {
			return false
		}
	}
	return true
}

// AllReadyServerIds returns the server ids currently serving traffic.
func (s *SentinelShard) AllReadyServerIds() []ServerId {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]ServerId, 0, len(s.instances))
	for _, cs := range s.instances {
		ids = append(ids, cs.Handle.ServerId())
	}
	return ids
}

// Statistics returns an aggregate snapshot of instances matching the
// master/replica side.
func (s *SentinelShard) Statistics(masterSide bool) ShardStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := newShardStatistics()
	for _, cs := range s.instances {
		if cs.Info.ReadOnly == masterSide {
			continue
		}
		stats.Instances[cs.Info.Addr()] = InstanceStatistics{
			ServerId:        cs.Handle.ServerId(),
			State:           cs.Handle.State(),
			PingLatency:     cs.Handle.PingLatency(),
			RunningCommands: cs.Handle.RunningCommands(),
			ReadOnly:        cs.Info.ReadOnly,
		}
	}
	stats.IsReady = len(s.instances) > 0
	return stats
}

// SetBuffering propagates settings to every live and pending instance and
// records it as the default for future instances.
func (s *SentinelShard) SetBuffering(settings BufferingSettings) {
	s.mu.Lock()
	s.defaultBuffering = settings
	live := append([]ConnectionStatus(nil), s.instances...)
	pending := append([]ConnectionStatus(nil), s.cleanWait...)
	s.mu.Unlock()

	for _, cs := range live {
		cs.Handle.SetBuffering(settings)
	}
	for _, cs := range pending {
		cs.Handle.SetBuffering(settings)
	}
}

// Clean marks the shard as destroying: every subsequent Submit returns
// false immediately.
func (s *SentinelShard) Clean() {
	s.mu.Lock()
	s.destroying = true
	s.mu.Unlock()
}

// Submit builds an availability mask, then attempts up to len(instances)+1
// candidates, falling back to any eligible instance after the first
// attempt. Returns true iff some instance accepted the command.
func (s *SentinelShard) Submit(cmd *Command) bool {
	s.mu.RLock()
	destroying := s.destroying
	cands := s.snapshotCandidates()
	s.mu.RUnlock()
	start := int(atomic.AddUint64(&s.current, 1))

	if destroying {
		return false
	}

	if s.guard != nil {
		if blocked, reason := s.guard.Check(cmd); blocked {
			s.warnf("guard_blocked", "submit refused: command %q blocked by guard: %s", cmd.Name, reason)
			s.onBlocked.Emit(cmd.Name, s.recoverObserver("blocked"))
			return false
		}
	}

	if len(cands) == 0 {
		s.warnf("all_refused", "submit refused: shard %s/%s has no live instances", s.ShardGroup, s.Name)
		return false
	}

	withMasters := !cmd.ReadOnly || cmd.Control.AllowReadsFromMaster
	withSlaves := cmd.ReadOnly

	mask := buildAvailability(cands, cmd.Control, withMasters, withSlaves, func(format string, args ...interface{}) {
		s.warnf("unknown_strategy", format, args...)
	})

	writable := !cmd.ReadOnly
	maxAttempts := len(cands) + 1
	for attempt := 0; attempt < maxAttempts; attempt++ {
		skipIdx := NoInstanceIdx
		mayFallbackToAny := false
		if attempt == 0 {
			skipIdx = cmd.InstanceIdx
			// Can legitimately fire on attempt 0 when ForceServerId pinned
			// an absent server (mask all-zero) — preserved rather than
			// suppressed.
			if skipIdx >= 0 && (skipIdx >= len(cands) || !mask[skipIdx]) {
				s.warnf("fallback_to_any", "shard %s/%s: falling back to any server", s.ShardGroup, s.Name)
			}
		} else {
			mayFallbackToAny = cmd.Control.ForceServerId.IsAny()
		}

		result := selectCandidate(cands, mask, start, skipIdx, mayFallbackToAny, writable)
		if !result.found {
			continue
		}
		cmd.InstanceIdx = result.index
		if result.handle.Submit(cmd) {
			return true
		}
	}

	s.warnf("all_refused", "submit refused: all candidates rejected in shard %s/%s (read_only=%v)", s.ShardGroup, s.Name, cmd.ReadOnly)
	return false
}

// snapshotCandidates must be called with s.mu held (read or write).
func (s *SentinelShard) snapshotCandidates() []candidate {
	cands := make([]candidate, len(s.instances))
	for i, cs := range s.instances {
		cands[i] = candidate{info: cs.Info, handle: cs.Handle}
	}
	return cands
}
