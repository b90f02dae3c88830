// Package grpc holds the health server and health probe shared by the
// engine runtime and its tools.
package grpc

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/louisbranch/sessionstate/internal/platform/logging"
)

const (
	healthCheckTimeout = time.Second
	healthBackoffStart = 200 * time.Millisecond
	healthBackoffMax   = time.Second
)

// NewHealthServer builds a gRPC server with tracing and a health service
// that reports SERVING for the overall server and for each named service.
func NewHealthServer(services ...string) (*gogrpc.Server, *health.Server) {
	server := gogrpc.NewServer(gogrpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	for _, service := range services {
		healthServer.SetServingStatus(service, grpc_health_v1.HealthCheckResponse_SERVING)
	}
	return server, healthServer
}

// WaitForHealth blocks until service reports SERVING or ctx ends.
func WaitForHealth(ctx context.Context, conn *gogrpc.ClientConn, service string, logger *logging.Logger) error {
	if conn == nil {
		return fmt.Errorf("gRPC connection is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	client := grpc_health_v1.NewHealthClient(conn)
	backoff := healthBackoffStart
	for {
		callCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		response, err := client.Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: service})
		cancel()
		if err == nil && response.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING {
			return nil
		}
		if err != nil {
			logger.Debug("waiting for gRPC health", "service", service, "error", err)
		} else {
			logger.Debug("waiting for gRPC health", "service", service, "status", response.GetStatus().String())
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for gRPC health: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, healthBackoffMax)
	}
}
