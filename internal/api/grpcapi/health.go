// Package grpcapi serves the gRPC health service of the daemon.
package grpcapi

import (
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/KevinKickass/OpenPSU/internal/telemetry"
)

// ServiceName is the health service reporting the supply link.
const ServiceName = "dc6006l"

// Server reports SERVING while polls deliver valid state and NOT_SERVING
// after a failed poll. It is a telemetry.Sink.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	logger     *zap.Logger

	mu      sync.Mutex
	serving bool
}

func NewServer(logger *zap.Logger) *Server {
	s := &Server{
		grpcServer: grpc.NewServer(),
		health:     health.NewServer(),
		logger:     logger,
	}

	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	reflection.Register(s.grpcServer)

	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Health exposes the health service, mainly for tests.
func (s *Server) Health() healthpb.HealthServer {
	return s.health
}

// Serve listens on port in the background.
func (s *Server) Serve(port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.logger.Info("Starting gRPC server", zap.String("address", lis.Addr().String()))
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			s.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

func (s *Server) HandleSample(telemetry.Sample) {
	s.setServing(true)
}

func (s *Server) HandleEvent(e telemetry.Event) {
	if e.Type == telemetry.EventDeviceError {
		if data, ok := e.Data.(telemetry.DeviceErrorData); ok && data.Operation == "get_state" {
			s.setServing(false)
		}
	}
}

func (s *Server) setServing(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ok == s.serving {
		return
	}
	s.serving = ok

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
	s.logger.Info("Health status changed",
		zap.String("service", ServiceName),
		zap.String("status", status.String()))
}
