// Package health exposes the scheduler's liveness over the standard gRPC
// health protocol, for supervisors that probe the controller.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/signal.control/internal/monitoring"
)

var logf = monitoring.Component("health")

// ServiceName is the health service name reported for the scheduler loop.
const ServiceName = "signal.control.Scheduler"

// Checker tracks serving status for the overall server and ServiceName.
// Both start NOT_SERVING.
type Checker struct {
	srv *health.Server
}

func NewChecker() *Checker {
	c := &Checker{srv: health.NewServer()}
	c.SetServing(false)
	return c
}

// Register adds the health service to s.
func (c *Checker) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, c.srv)
}

// SetServing updates both statuses.
func (c *Checker) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	c.srv.SetServingStatus("", st)
	c.srv.SetServingStatus(ServiceName, st)
}

// Track polls running every interval and mirrors it into the serving
// status until ctx is done. On return the status is NOT_SERVING.
func (c *Checker) Track(ctx context.Context, running func() bool, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := running()
	c.SetServing(last)
	for {
		select {
		case <-ctx.Done():
			c.srv.Shutdown()
			return
		case <-ticker.C:
			if now := running(); now != last {
				logf("scheduler running=%v", now)
				c.SetServing(now)
				last = now
			}
		}
	}
}

// Serve runs srv on lis until ctx is done, then stops it gracefully.
func Serve(ctx context.Context, srv *grpc.Server, lis net.Listener) error {
	logf("gRPC health listening on %s", lis.Addr())

	doneCh := make(chan struct{})
	defer close(doneCh)
	go func() {
		select {
		case <-ctx.Done():
			logf("gRPC server shutting down")
			srv.GracefulStop()
		case <-doneCh:
		}
	}()

	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("gRPC server failed: %w", err)
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func ListenAndServe(ctx context.Context, srv *grpc.Server, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gRPC server failed to listen: %w", err)
	}
	return Serve(ctx, srv, lis)
}
