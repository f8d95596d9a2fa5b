package diagnostics

import (
	"sync"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/AltairaLabs/ide-bridge/internal/supervisor"
)

// Health mirrors channel states into a gRPC health service. Each channel is a
// service name; the empty service is SERVING only while every channel is.
type Health struct {
	srv *health.Server

	mu       sync.Mutex
	channels map[string]supervisor.State
}

// NewHealth creates a health reporter for the named channels
func NewHealth(channels ...string) *Health {
	h := &Health{
		srv:      health.NewServer(),
		channels: make(map[string]supervisor.State),
	}
	for _, ch := range channels {
		h.channels[ch] = supervisor.Disconnected
		h.srv.SetServingStatus(ch, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	h.srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Server returns the underlying gRPC health server
func (h *Health) Server() *health.Server {
	return h.srv
}

// StateChanged updates the service status for channel-level records
func (h *Health) StateChanged(rec supervisor.ConnectionRecord) {
	if rec.ID != rec.Channel {
		return
	}

	h.mu.Lock()
	h.channels[rec.Channel] = rec.State
	overall := healthpb.HealthCheckResponse_SERVING
	for _, st := range h.channels {
		if st != supervisor.Streaming {
			overall = healthpb.HealthCheckResponse_NOT_SERVING
			break
		}
	}
	h.mu.Unlock()

	h.srv.SetServingStatus(rec.Channel, servingStatus(rec.State))
	h.srv.SetServingStatus("", overall)
}

// ReconnectAttempt is a no-op; state changes carry the health signal
func (h *Health) ReconnectAttempt(string, int, time.Duration) {}

// Shutdown marks every service NOT_SERVING
func (h *Health) Shutdown() {
	h.srv.Shutdown()
}

func servingStatus(st supervisor.State) healthpb.HealthCheckResponse_ServingStatus {
	if st == supervisor.Streaming {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
