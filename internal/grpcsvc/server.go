package grpcsvc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

// ModuleService is the router's own domain surface exposed over gRPC:
// shard-group status, metrics, and the health state the serving status
// below is driven from.
type ModuleService interface {
	GetStatus(ctx context.Context) (map[string]interface{}, error)
	Reload(ctx context.Context, graceful bool) error
	Shutdown(ctx context.Context, graceful bool) error
	GetMetrics(ctx context.Context) (map[string]interface{}, error)
	HealthCheck(ctx context.Context) (string, error)
	GetStats(ctx context.Context) (map[string]interface{}, error)
}

const (
	moduleServiceName     = "redisrouter.ModuleService"
	healthRefreshInterval = 5 * time.Second
	healthRefreshTimeout  = 2 * time.Second
)

// Server implements the router's introspection gRPC server. Its health
// serving status is not set once at startup — a background loop polls
// service.HealthCheck and republishes it, so a client watching the
// standard gRPC health service sees the router's actual shard health.
type Server struct {
	address      string
	port         int
	grpcServer   *grpc.Server
	healthServer *health.Server
	service      ModuleService
	logger       *logrus.Logger
	listener     net.Listener
	mu           sync.RWMutex
	running      bool

	stopHealth chan struct{}
	healthDone chan struct{}
}

// NewServer creates a new router gRPC server
func NewServer(address string, port int, service ModuleService, logger *logrus.Logger) *Server {
	return &Server{
		address: address,
		port:    port,
		service: service,
		logger:  logger,
	}
}

// Start starts the gRPC server
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}

	addr := fmt.Sprintf("%s:%d", s.address, s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener

	// Configure keepalive parameters
	kaParams := keepalive.ServerParameters{
		MaxConnectionIdle:     15 * time.Minute,
		MaxConnectionAge:      30 * time.Minute,
		MaxConnectionAgeGrace: 5 * time.Second,
		Time:                  5 * time.Second,
		Timeout:               1 * time.Second,
	}

	kaEnforcementPolicy := keepalive.EnforcementPolicy{
		MinTime:             5 * time.Second,
		PermitWithoutStream: true,
	}

	// Create gRPC server with options
	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(kaParams),
		grpc.KeepaliveEnforcementPolicy(kaEnforcementPolicy),
		grpc.MaxRecvMsgSize(16 * 1024 * 1024), // 16MB
		grpc.MaxSendMsgSize(16 * 1024 * 1024), // 16MB
	}

	s.grpcServer = grpc.NewServer(opts...)

	// Register health check service
	s.healthServer = health.NewServer()
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.healthServer)

	// Set initial health status; the refresh loop started below takes
	// over from here based on the router's actual health.
	s.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	s.healthServer.SetServingStatus(moduleServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	// Enable reflection for debugging
	reflection.Register(s.grpcServer)

	s.stopHealth = make(chan struct{})
	s.healthDone = make(chan struct{})
	s.running = true
	s.mu.Unlock()

	go s.healthRefreshLoop()

	s.logger.WithFields(logrus.Fields{
		"address": addr,
	}).Info("router gRPC server starting")

	// Start serving (blocking)
	if err := s.grpcServer.Serve(listener); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("gRPC server error: %w", err)
	}

	return nil
}

// Stop gracefully stops the gRPC server
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.logger.Info("Stopping router gRPC server")

	if s.stopHealth != nil {
		select {
		case <-s.stopHealth:
		default:
			close(s.stopHealth)
		}
		<-s.healthDone
	}

	// Mark as not serving
	if s.healthServer != nil {
		s.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
		s.healthServer.SetServingStatus(moduleServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}

	// Graceful stop with timeout
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	// Wait for graceful stop or timeout
	select {
	case <-stopped:
		s.logger.Info("router gRPC server stopped gracefully")
	case <-time.After(30 * time.Second):
		s.logger.Warn("Graceful stop timeout, forcing stop")
		s.grpcServer.Stop()
	}

	if s.listener != nil {
		s.listener.Close()
	}

	s.running = false
	return nil
}

// healthRefreshLoop republishes the gRPC health-serving status from
// service.HealthCheck on a fixed interval, so clients watching the
// standard health service see the router's actual shard health instead
// of a status fixed once at Start.
func (s *Server) healthRefreshLoop() {
	defer close(s.healthDone)

	ticker := time.NewTicker(healthRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopHealth:
			return
		case <-ticker.C:
			s.refreshHealth()
		}
	}
}

func (s *Server) refreshHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), healthRefreshTimeout)
	defer cancel()

	status, err := s.service.HealthCheck(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("router health check failed")
		return
	}

	servingStatus := grpc_health_v1.HealthCheckResponse_SERVING
	if status != "healthy" {
		servingStatus = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	s.healthServer.SetServingStatus(moduleServiceName, servingStatus)
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// GetPort returns the server port
func (s *Server) GetPort() int {
	return s.port
}

// GetAddress returns the server address
func (s *Server) GetAddress() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return fmt.Sprintf("%s:%d", s.address, s.port)
}
