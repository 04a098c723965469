package daemon

import (
	"context"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/status"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service reported by the control socket. The
// empty service name mirrors it.
const ServiceName = "chatsync.Sync"

// HealthReporter serves SERVING while the connection is established and
// NOT_SERVING otherwise.
type HealthReporter struct {
	server *health.Server
	bus    *bus.Bus
	logger *zap.Logger

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewHealthReporter creates a reporter starting in NOT_SERVING.
func NewHealthReporter(b *bus.Bus, logger *zap.Logger) *HealthReporter {
	h := &HealthReporter{server: health.NewServer(), bus: b, logger: logger}
	h.set(status.Initialized)
	return h
}

// Server returns the gRPC health service.
func (h *HealthReporter) Server() *health.Server { return h.server }

// Name implements worker.Worker.
func (h *HealthReporter) Name() string { return "health" }

// Start follows connection status events.
func (h *HealthReporter) Start(_ context.Context) error {
	events, unsubscribe := h.bus.Chan("connection.", 16)
	stop, done := make(chan struct{}), make(chan struct{})
	h.mu.Lock()
	h.stop, h.done = stop, done
	h.mu.Unlock()

	go func() {
		defer close(done)
		defer unsubscribe()
		for {
			select {
			case evt := <-events:
				if change, ok := evt.Payload.(status.StatusChange); ok {
					h.set(change.To)
				}
			case <-stop:
				return
			}
		}
	}()
	return nil
}

// Stop unsubscribes and reports NOT_SERVING.
func (h *HealthReporter) Stop() {
	h.mu.Lock()
	stop, done := h.stop, h.done
	h.stop, h.done = nil, nil
	h.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	h.server.Shutdown()
}

func (h *HealthReporter) set(state status.State) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if state == status.Connected {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.server.SetServingStatus(ServiceName, st)
	h.server.SetServingStatus("", st)
	h.logger.Debug("health updated", zap.String("state", string(state)), zap.String("status", st.String()))
}
