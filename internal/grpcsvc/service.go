package grpcsvc

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"marchproxy-redis-router/internal/router"
)

// ShardGroupStats is the surface service.go needs from a router.ShardGroup
// — just enough to report introspection data without importing the
// concrete type's full API.
type ShardGroupStats interface {
	Stats() map[string]router.ShardStatistics
	Names() []string
}

// RouterModuleService implements ModuleService against a live ShardGroup.
type RouterModuleService struct {
	group     ShardGroupStats
	logger    *logrus.Logger
	startTime time.Time
}

// NewModuleService constructs a RouterModuleService over group.
func NewModuleService(group ShardGroupStats, logger *logrus.Logger) *RouterModuleService {
	return &RouterModuleService{
		group:     group,
		logger:    logger,
		startTime: time.Now(),
	}
}

func (s *RouterModuleService) GetStatus(ctx context.Context) (map[string]interface{}, error) {
	status := map[string]interface{}{
		"module_type": "redis-router",
		"status":      "healthy",
		"uptime":      time.Since(s.startTime).Seconds(),
		"timestamp":   time.Now().Unix(),
	}
	if s.group != nil {
		status["shards"] = s.group.Names()
	}
	s.logger.Debug("GetStatus called")
	return status, nil
}

// Reload is a no-op: shard topology is driven by the reconcile loop, not
// by an external reload signal.
func (s *RouterModuleService) Reload(ctx context.Context, graceful bool) error {
	s.logger.WithField("graceful", graceful).Info("reload requested")
	return nil
}

func (s *RouterModuleService) Shutdown(ctx context.Context, graceful bool) error {
	s.logger.WithField("graceful", graceful).Info("shutdown requested")
	return nil
}

func (s *RouterModuleService) GetMetrics(ctx context.Context) (map[string]interface{}, error) {
	metrics := map[string]interface{}{
		"module_type": "redis-router",
		"uptime":      time.Since(s.startTime).Seconds(),
		"timestamp":   time.Now().Unix(),
	}
	if s.group != nil {
		metrics["shards"] = s.group.Stats()
	}
	s.logger.Debug("GetMetrics called")
	return metrics, nil
}

func (s *RouterModuleService) HealthCheck(ctx context.Context) (string, error) {
	if s.group == nil {
		return "healthy", nil
	}
	for name, stats := range s.group.Stats() {
		if !stats.IsReady {
			s.logger.WithField("shard", name).Debug("health check found a not-ready shard")
			return "degraded", nil
		}
	}
	return "healthy", nil
}

func (s *RouterModuleService) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := map[string]interface{}{
		"module_type": "redis-router",
		"uptime":      time.Since(s.startTime).Seconds(),
		"start_time":  s.startTime.Unix(),
		"timestamp":   time.Now().Unix(),
	}
	if s.group != nil {
		stats["shards"] = s.group.Stats()
	}
	s.logger.Debug("GetStats called")
	return stats, nil
}
