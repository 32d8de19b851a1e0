package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the per-service health key reporting the game server bridge.
const ServiceName = "effects.Bridge"

const defaultPollInterval = time.Second

// Check reports whether the service can currently do useful work.
type Check func() bool

// Server exposes the standard gRPC health service, polling check to decide between
// SERVING and NOT_SERVING.
type Server struct {
	logger   *zap.Logger
	check    Check
	interval time.Duration

	grpcServer   *grpc.Server
	healthServer *grpchealth.Server
}

// NewServer creates a health server. A zero interval uses one second.
func NewServer(check Check, interval time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	s := &Server{
		logger:       logger,
		check:        check,
		interval:     interval,
		grpcServer:   grpc.NewServer(),
		healthServer: grpchealth.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpcServer, s.healthServer)
	s.update()
	return s
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled, then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.logger.Info("health server listening", zap.String("addr", lis.Addr().String()))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(lis)
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.healthServer.Shutdown()
			s.grpcServer.GracefulStop()
			<-serveErr
			return nil
		case err := <-serveErr:
			if errors.Is(err, grpc.ErrServerStopped) {
				return nil
			}
			return fmt.Errorf("serve health: %w", err)
		case <-ticker.C:
			s.update()
		}
	}
}

func (s *Server) update() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.check != nil && s.check() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", status)
	s.healthServer.SetServingStatus(ServiceName, status)
}
