package grpcx

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// Health publishes a single service status on the standard grpc.health.v1 API.
// The empty service name mirrors the named one so health checks without a service name work too.
type Health struct {
	server  *health.Server
	service string
}

func NewHealth(service string) *Health {
	h := &Health{server: health.NewServer(), service: service}
	h.SetServing(false)
	return h
}

func (h *Health) Register(s *grpc.Server) {
	grpc_health_v1.RegisterHealthServer(s, h.server)
}

func (h *Health) SetServing(serving bool) {
	st := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		st = grpc_health_v1.HealthCheckResponse_SERVING
	}
	h.server.SetServingStatus("", st)
	h.server.SetServingStatus(h.service, st)
}

// Shutdown flips every service to NOT_SERVING and ignores later updates.
func (h *Health) Shutdown() {
	h.server.Shutdown()
}
