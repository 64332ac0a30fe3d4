package main

import (
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// HealthReporter maps camera failure streaks onto gRPC health services named
// "camera/<id>". The overall service "" stays SERVING while the process runs.
type HealthReporter struct {
	server         *health.Server
	unhealthyAfter int
	logger         *slog.Logger

	mu      sync.Mutex
	serving map[string]bool
}

// NewHealthReporter marks every camera SERVING.
func NewHealthReporter(server *health.Server, cameraIDs []string, unhealthyAfter int, logger *slog.Logger) *HealthReporter {
	if logger == nil {
		logger = slog.Default()
	}
	if unhealthyAfter < 1 {
		unhealthyAfter = 1
	}
	h := &HealthReporter{
		server:         server,
		unhealthyAfter: unhealthyAfter,
		logger:         logger,
		serving:        make(map[string]bool, len(cameraIDs)),
	}
	server.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	for _, id := range cameraIDs {
		h.serving[id] = true
		server.SetServingStatus(ServiceName(id), grpc_health_v1.HealthCheckResponse_SERVING)
	}
	return h
}

// ServiceName is the health service name for a camera.
func ServiceName(cameraID string) string {
	return "camera/" + cameraID
}

// Report updates the camera's health from its consecutive failure count.
func (h *HealthReporter) Report(cameraID string, failures int) {
	serving := failures < h.unhealthyAfter

	h.mu.Lock()
	prev, known := h.serving[cameraID]
	h.serving[cameraID] = serving
	h.mu.Unlock()
	if known && prev == serving {
		return
	}

	status := grpc_health_v1.HealthCheckResponse_SERVING
	if !serving {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		h.logger.Warn("camera marked unhealthy", "camera", cameraID, "failures", failures)
	} else if known {
		h.logger.Info("camera recovered", "camera", cameraID)
	}
	h.server.SetServingStatus(ServiceName(cameraID), status)
}

// Shutdown marks every service NOT_SERVING.
func (h *HealthReporter) Shutdown() {
	h.server.Shutdown()
}

// newGRPCServer builds the health-only gRPC server.
func newGRPCServer(hs *health.Server, opts ...grpc.ServerOption) *grpc.Server {
	srv := grpc.NewServer(opts...)
	grpc_health_v1.RegisterHealthServer(srv, hs)
	reflection.Register(srv)
	return srv
}
