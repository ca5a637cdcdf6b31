package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/cuemby/cutover/pkg/log"
	"github.com/cuemby/cutover/pkg/metrics"
)

// WriterService is the health service name that reports whether this node
// accepts releases. Followers report NOT_SERVING for it.
const WriterService = "cutover.Writer"

// GRPCServer serves the standard gRPC health protocol for load balancers
// and orchestrators
type GRPCServer struct {
	addr   string
	server *grpc.Server
	health *health.Server
	logger zerolog.Logger
}

// NewGRPCServer creates a gRPC server with the health and reflection
// services registered
func NewGRPCServer(addr string) *GRPCServer {
	logger := log.WithComponent("grpc")
	server := grpc.NewServer(grpc.ChainUnaryInterceptor(LoggingInterceptor(logger)))

	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	reflection.Register(server)

	return &GRPCServer{
		addr:   addr,
		server: server,
		health: hs,
		logger: logger,
	}
}

// SetServing updates the status of a health service. The empty name is
// the overall server status.
func (g *GRPCServer) SetServing(service string, serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus(service, st)
}

// WatchLeadership keeps WriterService in step with raft leadership until
// ctx is done
func (g *GRPCServer) WatchLeadership(ctx context.Context, l Leadership, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		last := l.IsLeader()
		g.SetServing(WriterService, last)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if leader := l.IsLeader(); leader != last {
					last = leader
					g.SetServing(WriterService, leader)
					g.logger.Info().Bool("leader", leader).Msg("Writer status changed")
				}
			}
		}
	}()
}

// Serve listens on the configured address until ctx is done
func (g *GRPCServer) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", g.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", g.addr, err)
	}
	return g.ServeListener(ctx, lis)
}

// ServeListener serves on lis until ctx is done, then stops gracefully
func (g *GRPCServer) ServeListener(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health server listening")
		errCh <- g.server.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	case <-ctx.Done():
		g.health.Shutdown()
		g.server.GracefulStop()
		return nil
	}
}

// LoggingInterceptor logs each unary call and records it in the API metrics
func LoggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		timer := metrics.NewTimer()
		resp, err := handler(ctx, req)
		code := status.Code(err)

		metrics.APIRequestsTotal.WithLabelValues(info.FullMethod, code.String()).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, info.FullMethod)

		event := logger.Debug()
		if err != nil {
			event = logger.Warn().Err(err)
		}
		event.
			Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("duration", timer.Duration()).
			Msg("gRPC call")
		return resp, err
	}
}
