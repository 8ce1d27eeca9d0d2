package router

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Shard is the common surface both shard kinds expose to a ShardGroup.
type Shard interface {
	Submit(cmd *Command) bool
}

// ShardGroup is a named collection of shards addressed by name — the
// fan-out point a caller actually talks to instead of reaching into a
// single shard directly. Registration happens once at startup; Submit and
// Stats are safe for concurrent use from arbitrary worker goroutines.
type ShardGroup struct {
	Name string

	logger logrus.FieldLogger

	mu     sync.RWMutex
	shards map[string]Shard
	stats  map[string]func() ShardStatistics

	onSubmit Observer[SubmitEvent]
}

// SubmitEvent reports the outcome of a single ShardGroup.Submit call —
// the hook downstream packages (metrics) use to count submissions
// without this package importing anything about them.
type SubmitEvent struct {
	Shard    string
	Accepted bool
}

// NewShardGroup constructs an empty, named group of shards.
func NewShardGroup(name string, logger logrus.FieldLogger) *ShardGroup {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ShardGroup{
		Name:   name,
		logger: logger,
		shards: make(map[string]Shard),
		stats:  make(map[string]func() ShardStatistics),
	}
}

// Register adds a shard under name, along with a function able to produce
// its statistics snapshot. Registering under an already-used name replaces
// the previous entry.
func (g *ShardGroup) Register(name string, shard Shard, statsFn func() ShardStatistics) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.shards[name] = shard
	if statsFn != nil {
		g.stats[name] = statsFn
	}
}

// Unregister removes a shard from the group.
func (g *ShardGroup) Unregister(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.shards, name)
	delete(g.stats, name)
}

// Submit routes cmd to the named shard. It returns false, with a warning
// logged, if no shard is registered under that name.
func (g *ShardGroup) Submit(shardName string, cmd *Command) bool {
	g.mu.RLock()
	shard, ok := g.shards[shardName]
	g.mu.RUnlock()

	if !ok {
		g.logger.WithFields(logrus.Fields{
			"shard_group": g.Name,
			"shard":       shardName,
		}).Warnf("submit refused: no shard registered under %q", shardName)
		g.onSubmit.Emit(SubmitEvent{Shard: shardName, Accepted: false}, g.recoverObserver("submit"))
		return false
	}

	accepted := shard.Submit(cmd)
	g.onSubmit.Emit(SubmitEvent{Shard: shardName, Accepted: accepted}, g.recoverObserver("submit"))
	return accepted
}

// OnSubmit subscribes fn to every Submit outcome, across all shards in
// the group.
func (g *ShardGroup) OnSubmit(fn func(SubmitEvent)) {
	g.onSubmit.Subscribe(fn)
}

func (g *ShardGroup) recoverObserver(kind string) func(interface{}) {
	return func(r interface{}) {
		g.logger.WithFields(logrus.Fields{
			"shard_group": g.Name,
			"observer":    kind,
		}).Warnf("observer callback panicked, downgraded to warning: %v", r)
	}
}

// Get returns the shard registered under name, if any.
func (g *ShardGroup) Get(name string) (Shard, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.shards[name]
	return s, ok
}

// Names returns the currently registered shard names.
func (g *ShardGroup) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.shards))
	for name := range g.shards {
		names = append(names, name)
	}
	return names
}

// Stats returns a snapshot of every registered shard's statistics, keyed
// by shard name. A shard registered without a stats function is reported
// as an empty ShardStatistics: no instances (a non-nil, empty map) and
// IsReady false.
func (g *ShardGroup) Stats() map[string]ShardStatistics {
	g.mu.RLock()
	fns := make(map[string]func() ShardStatistics, len(g.stats))
	names := make([]string, 0, len(g.shards))
	for name := range g.shards {
		names = append(names, name)
		if fn, ok := g.stats[name]; ok {
			fns[name] = fn
		}
	}
	g.mu.RUnlock()

	out := make(map[string]ShardStatistics, len(names))
	for _, name := range names {
		if fn, ok := fns[name]; ok {
			out[name] = fn()
		} else {
			out[name] = newShardStatistics()
		}
	}
	return out
}

// String identifies the group in logs.
func (g *ShardGroup) String() string {
	return fmt.Sprintf("ShardGroup(%s)", g.Name)
}
