package router

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Reconcilable is the subset of SentinelShard a ReconcileLoop drives. It
// exists so the loop can be tested against a fake without constructing a
// real SentinelShard.
type Reconcilable interface {
	SetConnectionInfos(desired []ConnectionInfo) bool
	ReconcileCreate(pool ThreadPool) bool
	ReconcileState() bool
}

// shardEntry pairs a shard with a function producing its current desired
// instance set — reconciliation always runs against live configuration,
// never a snapshot taken at registration time.
type shardEntry struct {
	name   string
	shard  Reconcilable
	desired func() []ConnectionInfo
}

// ReconcileLoop is the single-goroutine, ticker-driven event thread that
// drives every Sentinel-mode shard registered with it, whatever group the
// shard belongs to: reconcile_create then
// reconcile_state on every tick, with signal callbacks draining
// synchronously on the same goroutine so they never reenter a shard lock.
type ReconcileLoop struct {
	interval time.Duration
	pool     ThreadPool
	logger   logrus.FieldLogger

	mu      sync.Mutex
	shards  []shardEntry

	stop   chan struct{}
	done   chan struct{}
}

// NewReconcileLoop constructs a loop that ticks every interval. pool may
// be nil, in which case instance Connect calls run inline on the loop's
// own goroutine.
func NewReconcileLoop(interval time.Duration, pool ThreadPool, logger logrus.FieldLogger) *ReconcileLoop {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &ReconcileLoop{
		interval: interval,
		pool:     pool,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Register adds a Sentinel-mode shard to the loop's rotation. desired is
// called fresh on every tick to pick up configuration changes.
func (l *ReconcileLoop) Register(name string, shard Reconcilable, desired func() []ConnectionInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.shards = append(l.shards, shardEntry{name: name, shard: shard, desired: desired})
}

// Run drives the loop until ctx is canceled or Stop is called.
func (l *ReconcileLoop) Run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
			l.tick()
		}
	}
}

func (l *ReconcileLoop) tick() {
	l.mu.Lock()
	entries := append([]shardEntry(nil), l.shards...)
	l.mu.Unlock()

	for _, e := range entries {
		e.shard.SetConnectionInfos(e.desired())
		e.shard.ReconcileCreate(l.pool)
		e.shard.ReconcileState()
	}
}

// Stop ends the loop and waits for Run to return.
func (l *ReconcileLoop) Stop() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
	<-l.done
}
