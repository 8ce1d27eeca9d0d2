// Package redisinstance implements router.InstanceHandle against a real
// Redis server using github.com/go-redis/redis/v8 — the router core never
// imports go-redis directly, only this package does.
package redisinstance

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"marchproxy-redis-router/internal/credentials"
	"marchproxy-redis-router/internal/metrics"
	"marchproxy-redis-router/internal/probe"
	"marchproxy-redis-router/internal/router"
)

// HealthCheckConfig tunes the background ping probe every Handle runs.
type HealthCheckConfig struct {
	Interval    time.Duration
	DialTimeout time.Duration
	MaxInFlight int
}

// DefaultHealthCheckConfig matches the polling cadence this repository
// already uses for health monitoring elsewhere.
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		Interval:    5 * time.Second,
		DialTimeout: 2 * time.Second,
		MaxInFlight: 64,
	}
}

// Handle is the production InstanceHandle: it owns a *redis.Client, a
// background health-probe goroutine, and admission-controlled dispatch.
type Handle struct {
	serverID   router.ServerId
	shardGroup string
	shardName  string
	creds      *credentials.Store
	cfg        HealthCheckConfig
	logger     logrus.FieldLogger

	mu    sync.RWMutex
	state router.ConnectionState
	info  router.ConnectionInfo
	client *redis.Client
	probePool *probe.Pool

	pingMu  sync.RWMutex
	pingEMA time.Duration

	running      int64
	destroying   int32
	syncing      int32

	stopHealth chan struct{}
	healthOnce sync.Once

	onStateChange      router.Observer[router.ConnectionState]
	onNotInClusterMode router.Observer[struct{}]
}

// New constructs a not-yet-connected Handle. serverID is a caller-chosen,
// stable identity (host:port is a fine default). shardGroup and shardName
// label every Prometheus series this handle reports.
func New(serverID router.ServerId, shardGroup, shardName string, creds *credentials.Store, cfg HealthCheckConfig, logger logrus.FieldLogger) *Handle {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handle{
		serverID:   serverID,
		shardGroup: shardGroup,
		shardName:  shardName,
		creds:      creds,
		cfg:        cfg,
		logger:     logger,
		state:      router.StateInit,
	}
}

// UseProbePool wires an optional long-lived ping pool as this handle's
// latency source. Without one, PingLatency falls back to the handle's own
// health-loop EWMA.
func (h *Handle) UseProbePool(pool *probe.Pool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probePool = pool
}

func (h *Handle) State() router.ConnectionState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

func (h *Handle) ServerId() router.ServerId { return h.serverID }

func (h *Handle) ServerHost() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.info.Host
}

func (h *Handle) ServerPort() uint16 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.info.Port
}

// PingLatency prefers the dedicated probe pool's estimate when one is
// wired in, falling back to the health loop's own EWMA otherwise.
func (h *Handle) PingLatency() time.Duration {
	h.mu.RLock()
	pool := h.probePool
	h.mu.RUnlock()

	if pool != nil {
		if lat := pool.Latency(h.serverID); lat > 0 {
			return lat
		}
	}

	h.pingMu.RLock()
	defer h.pingMu.RUnlock()
	return h.pingEMA
}

func (h *Handle) RunningCommands() int {
	return int(atomic.LoadInt64(&h.running))
}

func (h *Handle) IsDestroying() bool {
	return atomic.LoadInt32(&h.destroying) != 0
}

func (h *Handle) IsSyncing() bool {
	return atomic.LoadInt32(&h.syncing) != 0
}

func (h *Handle) OnStateChange(fn func(router.ConnectionState)) {
	h.onStateChange.Subscribe(fn)
}

func (h *Handle) OnNotInClusterMode(fn func()) {
	h.onNotInClusterMode.Subscribe(fn)
}

func (h *Handle) recoverObserver(kind string) func(interface{}) {
	return func(r interface{}) {
		h.logger.WithFields(logrus.Fields{
			"server_id": h.serverID,
			"observer":  kind,
		}).Warnf("observer callback panicked, downgraded to warning: %v", r)
	}
}

func (h *Handle) setState(state router.ConnectionState) {
	h.mu.Lock()
	changed := h.state != state
	h.state = state
	h.mu.Unlock()

	if changed {
		metrics.SetInstanceState(h.shardGroup, h.shardName, string(h.serverID), int(state))
		metrics.SetInstanceReady(h.shardGroup, h.shardName, string(h.serverID), state == router.StateConnected)
		h.onStateChange.Emit(state, h.recoverObserver("state_change"))
	}
}

// Connect builds the go-redis client for info, resolving auth through the
// credential store, and starts the background health-probe goroutine.
// Idempotent once connected: after a successful initial ping has stored the
// client, further calls are no-ops; a call after a failed attempt retries.
func (h *Handle) Connect(info router.ConnectionInfo) {
	h.mu.Lock()
	if h.client != nil {
		h.mu.Unlock()
		return
	}
	h.info = info
	h.mu.Unlock()

	username, password := info.Username, info.Password
	if h.creds != nil {
		if u, p, ok := h.creds.Resolve(info); ok {
			username, password = u, p
		}
	}

	client := redis.NewClient(&redis.Options{
		Addr:        info.Addr(),
		Username:    username,
		Password:    password,
		DialTimeout: h.cfg.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		h.logger.WithFields(logrus.Fields{
			"server_id": h.serverID,
			"addr":      info.Addr(),
		}).Warnf("initial connect failed: %v", err)
		h.setState(router.StateInitError)
		return
	}

	h.mu.Lock()
	h.client = client
	pool := h.probePool
	h.mu.Unlock()

	h.setState(router.StateConnected)
	h.healthOnce.Do(func() {
		h.stopHealth = make(chan struct{})
		go h.healthLoop()
	})

	if pool != nil {
		dial := func() (net.Conn, error) {
			return net.DialTimeout("tcp", info.Addr(), h.cfg.DialTimeout)
		}
		if err := pool.Start(h.serverID, dial); err != nil {
			h.logger.WithFields(logrus.Fields{"server_id": h.serverID}).Warnf("probe pool start failed: %v", err)
		}
	}
}

// healthLoop grounds its cadence and role on this repository's node health
// monitor: a ticker pinging each tracked server and reacting to failure.
func (h *Handle) healthLoop() {
	interval := h.cfg.Interval
	if interval <= 0 {
		interval = DefaultHealthCheckConfig().Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopHealth:
			return
		case <-ticker.C:
			h.probeOnce()
		}
	}
}

func (h *Handle) probeOnce() {
	h.mu.RLock()
	client := h.client
	h.mu.RUnlock()
	if client == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.DialTimeout)
	defer cancel()

	start := time.Now()
	err := client.Ping(ctx).Err()
	elapsed := time.Since(start)

	if err != nil {
		metrics.IncInstanceError(h.shardGroup, h.shardName, string(h.serverID))
		if h.State() == router.StateConnected {
			h.logger.WithFields(logrus.Fields{"server_id": h.serverID}).Warnf("health ping failed: %v", err)
			h.setState(router.StateDisconnected)
		}
		return
	}

	h.pingMu.Lock()
	if h.pingEMA == 0 {
		h.pingEMA = elapsed
	} else {
		h.pingEMA = (h.pingEMA*4 + elapsed) / 5
	}
	ema := h.pingEMA
	h.pingMu.Unlock()
	metrics.SetInstancePingLatency(h.shardGroup, h.shardName, string(h.serverID), ema.Seconds())

	if h.State() != router.StateConnected {
		h.setState(router.StateConnected)
	}
}

// Submit never blocks on the network: it admission-controls against
// MaxInFlight and dispatches the actual call on its own goroutine.
func (h *Handle) Submit(cmd *router.Command) bool {
	if h.IsDestroying() {
		return false
	}

	h.mu.RLock()
	client := h.client
	state := h.state
	h.mu.RUnlock()

	if client == nil || state != router.StateConnected {
		return false
	}

	ceiling := int64(h.cfg.MaxInFlight)
	if ceiling <= 0 {
		ceiling = int64(DefaultHealthCheckConfig().MaxInFlight)
	}
	if atomic.AddInt64(&h.running, 1) > ceiling {
		atomic.AddInt64(&h.running, -1)
		return false
	}
	metrics.SetInstanceRunningCommands(h.shardGroup, h.shardName, string(h.serverID), int(atomic.LoadInt64(&h.running)))

	go func() {
		defer func() {
			atomic.AddInt64(&h.running, -1)
			metrics.SetInstanceRunningCommands(h.shardGroup, h.shardName, string(h.serverID), int(atomic.LoadInt64(&h.running)))
		}()
		ctx := context.Background()
		args := make([]interface{}, 0, len(cmd.Args)+1)
		args = append(args, cmd.Name)
		args = append(args, cmd.Args...)
		if err := client.Do(ctx, args...).Err(); err != nil && err != redis.Nil {
			h.logger.WithFields(logrus.Fields{
				"server_id": h.serverID,
				"command":   cmd.Name,
			}).Debugf("command failed: %v", err)
		}
	}()
	return true
}

// SetBuffering recreates the client with the requested pool sizing —
// idempotent, matching the router's contract that buffering settings are
// the default for every instance going forward.
func (h *Handle) SetBuffering(settings router.BufferingSettings) {
	h.mu.Lock()
	client := h.client
	info := h.info
	h.mu.Unlock()
	if client == nil {
		return
	}

	poolSize := settings.MaxBatchSize
	if poolSize <= 0 {
		poolSize = 10
	}

	opts := client.Options()
	opts.PoolSize = poolSize
	opts.MinIdleConns = poolSize / 2

	newClient := redis.NewClient(opts)

	h.mu.Lock()
	old := h.client
	h.client = newClient
	h.info = info
	h.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
}

// Destroy marks the handle as destroying, stops the health loop, and
// closes the underlying client.
func (h *Handle) Destroy() {
	atomic.StoreInt32(&h.destroying, 1)
	h.healthOnce.Do(func() {})
	if h.stopHealth != nil {
		select {
		case <-h.stopHealth:
		default:
			close(h.stopHealth)
		}
	}

	h.mu.Lock()
	client := h.client
	h.client = nil
	pool := h.probePool
	h.mu.Unlock()

	if pool != nil {
		pool.Stop(h.serverID)
	}

	if client != nil {
		if err := client.Close(); err != nil {
			h.logger.WithFields(logrus.Fields{"server_id": h.serverID}).Debugf("close error: %v", err)
		}
	}
	h.setState(router.StateDisconnected)
}

func (h *Handle) String() string {
	return fmt.Sprintf("redisinstance.Handle(%s)", h.serverID)
}
