package telemetry

import (
	"context"
	"errors"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/skyloom/patternpilot/internal/monitoring"
)

const maxMsgSize = 1 * 1024 * 1024

// NewGRPCServer returns a grpc.Server with the telemetry service and the
// standard health service registered. Health reports SERVING for both the
// server as a whole and ServiceName.
func NewGRPCServer(src Source, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	}, opts...)
	s := grpc.NewServer(opts...)
	RegisterService(s, NewServer(src))

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return s
}

// Serve runs s on lis until ctx is cancelled, then stops gracefully.
func Serve(ctx context.Context, s *grpc.Server, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		monitoring.Logf("[grpc] listening on %s", lis.Addr())
		errCh <- s.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.GracefulStop()
		<-errCh
		monitoring.Logf("[grpc] server stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}
