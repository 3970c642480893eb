package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	integrityv1 "gointegrity/api/integrity/v1"
	"gointegrity/config"
	"gointegrity/pkg/audit"
	"gointegrity/pkg/logging"
	"gointegrity/pkg/monitor"
	"gointegrity/pkg/statemgmt"
	"gointegrity/storage"
)

// Deps are the subsystems the server exposes.
type Deps struct {
	Manager *statemgmt.Manager
	Monitor *monitor.Monitor
	Store   storage.Store
	// Designator is nil when auditing is disabled.
	Designator *audit.Designator
	Logger     *slog.Logger
}

// Server represents the gRPC server
type Server struct {
	config *config.Config
	grpc   *grpc.Server
	logger *slog.Logger

	integrityService *IntegrityService
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Manager == nil || deps.Monitor == nil || deps.Store == nil {
		return nil, errors.New("server: manager, monitor and store are required")
	}
	logger := logging.OrDefault(deps.Logger).With("component", "server")

	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(integrityv1.Codec{}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			Time:              30 * time.Second,
			Timeout:           5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(16 * 1024 * 1024), // audit fetches carry whole classes
		grpc.MaxSendMsgSize(16 * 1024 * 1024),
		grpc.ChainUnaryInterceptor(
			timeoutInterceptor(cfg.Server.RequestTimeout),
			loggingInterceptor(logger),
		),
	}

	s := &Server{
		config: cfg,
		grpc:   grpc.NewServer(opts...),
		logger: logger,
	}
	s.integrityService = NewIntegrityService(deps)
	integrityv1.RegisterIntegrityServer(s.grpc, s.integrityService)
	return s, nil
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	address := s.config.ListenAddr()
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.logger.Info("starting integrity server", "address", address)

	errc := make(chan error, 1)
	go func() { errc <- s.Serve(listener) }()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errc:
		return err
	}
}

// Serve serves on an existing listener until Stop.
func (s *Server) Serve(lis net.Listener) error {
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}

// Stop stops the server gracefully
func (s *Server) Stop() error {
	s.logger.Info("stopping integrity server")

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("server stopped gracefully")
	case <-time.After(30 * time.Second):
		s.logger.Warn("force stopping server")
		s.grpc.Stop()
	}
	return nil
}

func timeoutInterceptor(d time.Duration) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if d <= 0 {
			return handler(ctx, req)
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return handler(ctx, req)
	}
}

func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Warn("rpc failed", "method", info.FullMethod, "code", status.Code(err).String(), "error", err, "duration", time.Since(start))
		} else {
			logger.Debug("rpc", "method", info.FullMethod, "duration", time.Since(start))
		}
		return resp, err
	}
}
