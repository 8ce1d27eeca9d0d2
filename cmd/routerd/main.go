package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marchproxy-redis-router/internal/config"
	"marchproxy-redis-router/internal/credentials"
	"marchproxy-redis-router/internal/grpcsvc"
	"marchproxy-redis-router/internal/guard"
	"marchproxy-redis-router/internal/metrics"
	"marchproxy-redis-router/internal/probe"
	"marchproxy-redis-router/internal/redisinstance"
	"marchproxy-redis-router/internal/router"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	version   = "1.0.0"
	buildTime = "development"
	gitCommit = "unknown"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	var configPath string

	rootCmd := &cobra.Command{
		Use:   "routerd",
		Short: "Redis client-side shard router",
		Long: `routerd - Client-side Redis shard router with:
- Sentinel-mode and Cluster-mode shard routing
- Configurable routing strategies (default, every-dc, local-dc conductor, nearest-ping)
- Prometheus metrics and gRPC introspection
- Credential overrides and a command guard for administrative commands`,
		Version: fmt.Sprintf("%s (built: %s, commit: %s)", version, buildTime, gitCommit),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRouter(configPath, logger)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")

	if err := rootCmd.Execute(); err != nil {
		logger.WithError(err).Fatal("failed to start routerd")
	}
}

func runRouter(configPath string, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"version":    version,
		"build_time": buildTime,
		"commit":     gitCommit,
	}).Info("starting redis shard router")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.LogLevel != "" {
		if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
			logger.SetLevel(level)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	credStore := credentials.NewStore(nil, logger)
	cmdGuard := guard.NewChecker(cfg.BlockedCommands, logger)
	probePool := probe.NewPool(cfg.HealthCheckInterval, logger)

	healthCfg := redisinstance.HealthCheckConfig{
		Interval:    cfg.HealthCheckInterval,
		DialTimeout: cfg.HealthDialTimeout,
		MaxInFlight: cfg.MaxInFlightPerInstance,
	}

	reconcileLoop := router.NewReconcileLoop(cfg.ReconcileInterval, nil, logger)
	shardGroups := make(map[string]*router.ShardGroup, len(cfg.ShardGroups))

	for _, groupCfg := range cfg.ShardGroups {
		group := router.NewShardGroup(groupCfg.Name, logger)
		shardGroups[groupCfg.Name] = group

		group.OnSubmit(func(ev router.SubmitEvent) {
			metrics.IncCommandSubmitted(groupCfg.Name, ev.Shard, ev.Accepted)
		})

		for shardIdx, shardCfg := range groupCfg.Shards {
			registerShard(shardIdx, groupCfg, shardCfg, group, reconcileLoop, credStore, cmdGuard, probePool, healthCfg, logger)
		}
	}

	go reconcileLoop.Run(ctx)
	logger.WithField("shard_groups", len(shardGroups)).Info("reconcile loop started")

	go publishShardMetrics(ctx, cfg.ReconcileInterval, shardGroups)

	var primaryGroup grpcsvc.ShardGroupStats
	for _, g := range shardGroups {
		primaryGroup = g
		break
	}

	moduleService := grpcsvc.NewModuleService(primaryGroup, logger)
	grpcServer := grpcsvc.NewServer(cfg.GRPCAddr, cfg.GRPCPort, moduleService, logger)

	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.WithError(err).Error("gRPC server error")
		}
	}()

	logger.WithFields(logrus.Fields{
		"address": cfg.GRPCAddr,
		"port":    cfg.GRPCPort,
	}).Info("gRPC introspection server started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsMux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"version":%q,"shard_groups":%d}`, version, len(shardGroups))
	})

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metricsMux,
	}

	go func() {
		logger.WithField("addr", cfg.MetricsAddr).Info("starting metrics/health server")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("metrics server error")
		}
	}()

	logger.Info("redis shard router started successfully")

	<-sigChan
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("metrics server shutdown error")
	}

	if err := grpcServer.Stop(); err != nil {
		logger.WithError(err).Error("gRPC server shutdown error")
	}

	reconcileLoop.Stop()
	probePool.Close()

	logger.Info("shutdown complete")
	return nil
}

// publishShardMetrics mirrors every group's Stats() snapshot into
// Prometheus once per reconcile tick, so series reflect shard state even
// between the event-driven observer callbacks wired in registerShard.
func publishShardMetrics(ctx context.Context, interval time.Duration, shardGroups map[string]*router.ShardGroup) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for groupName, group := range shardGroups {
				for shardName, stats := range group.Stats() {
					metrics.SetShardReady(groupName, shardName, stats.IsReady)
					for _, inst := range stats.Instances {
						metrics.SetInstanceRunningCommands(groupName, shardName, string(inst.ServerId), inst.RunningCommands)
					}
				}
			}
		}
	}
}

// registerShard constructs a SentinelShard or ClusterShard per the group's
// declared mode and registers it with both the ShardGroup (for Submit/
// Stats) and the ReconcileLoop (for Sentinel-mode reconciliation).
func registerShard(
	shardIdx int,
	groupCfg config.ShardGroupConfig,
	shardCfg config.ShardConfig,
	group *router.ShardGroup,
	loop *router.ReconcileLoop,
	credStore *credentials.Store,
	cmdGuard *guard.Checker,
	probePool *probe.Pool,
	healthCfg redisinstance.HealthCheckConfig,
	logger *logrus.Logger,
) {
	newHandle := func(info router.ConnectionInfo) router.InstanceHandle {
		h := redisinstance.New(router.ServerId(info.Addr()), groupCfg.Name, shardCfg.Name, credStore, healthCfg, logger)
		h.UseProbePool(probePool)
		return h
	}

	switch groupCfg.Mode {
	case "cluster":
		instances := shardCfg.Instances
		if len(instances) == 0 {
			logger.WithField("shard", shardCfg.Name).Warn("cluster shard has no instances configured")
			return
		}
		master := newHandle(toConnectionInfo(instances[0]))
		master.Connect(toConnectionInfo(instances[0]))

		var replicas []router.InstanceHandle
		for _, inst := range instances[1:] {
			h := newHandle(toConnectionInfo(inst))
			h.Connect(toConnectionInfo(inst))
			replicas = append(replicas, h)
		}

		shard := router.NewClusterShard(shardIdx, shardCfg.Name, master, replicas, cmdGuard, logger)
		shard.OnBlocked(func(cmdName string) {
			metrics.IncCommandBlocked(groupCfg.Name, shardCfg.Name)
		})
		group.Register(shardCfg.Name, shard, func() router.ShardStatistics {
			return shard.Statistics()
		})

	default: // "sentinel"
		destroyHandle := func(cs router.ConnectionStatus) {
			if h, ok := cs.Handle.(*redisinstance.Handle); ok {
				h.Destroy()
			}
		}
		shard := router.NewSentinelShard(shardCfg.Name, groupCfg.Name, newHandle, cmdGuard, destroyHandle, logger)
		shard.OnBlocked(func(cmdName string) {
			metrics.IncCommandBlocked(groupCfg.Name, shardCfg.Name)
		})
		shard.OnReadinessChange(func(ready bool) {
			metrics.SetShardReady(groupCfg.Name, shardCfg.Name, ready)
		})
		shard.OnInstanceStateChange(func(ev router.InstanceStateChangeEvent) {
			metrics.SetInstanceState(groupCfg.Name, shardCfg.Name, string(ev.ServerId), int(ev.State))
			metrics.SetInstanceReady(groupCfg.Name, shardCfg.Name, string(ev.ServerId), ev.State == router.StateConnected)
		})
		group.Register(shardCfg.Name, shard, func() router.ShardStatistics {
			return shard.Statistics(false)
		})

		desired := toConnectionInfos(shardCfg.Instances)
		loop.Register(shardCfg.Name, shard, func() []router.ConnectionInfo {
			return desired
		})
	}
}

func toConnectionInfo(inst config.InstanceConfig) router.ConnectionInfo {
	return router.ConnectionInfo{
		Host:     inst.Host,
		Port:     inst.Port,
		Username: inst.Username,
		Password: inst.Password,
		ReadOnly: inst.ReadOnly,
	}
}

func toConnectionInfos(instances []config.InstanceConfig) []router.ConnectionInfo {
	out := make([]router.ConnectionInfo, len(instances))
	for i, inst := range instances {
		out[i] = toConnectionInfo(inst)
	}
	return out
}
