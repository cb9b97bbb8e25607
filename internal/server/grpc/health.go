package grpcserver

import (
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	logpkg "github.com/rzbill/streamd/pkg/log"
)

// ServiceName is the health service key for the streaming engine. The empty
// name reports the same status.
const ServiceName = "streamd.Stream"

// SetHealth publishes the result of a storage health check.
func (s *Server) SetHealth(err error) {
	status := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		s.logger.Warn("grpc.not_serving", logpkg.Err(err))
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
