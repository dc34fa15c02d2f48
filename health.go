package onion

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
)

// HealthStatus tracks application health
type HealthStatus struct {
	mu      sync.RWMutex
	healthy bool
	ready   bool
}

func newHealthStatus() *HealthStatus {
	// Not healthy until OnStart succeeds, not ready until the server is up
	return &HealthStatus{}
}

func (h *HealthStatus) SetHealthy(healthy bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.healthy = healthy
}

func (h *HealthStatus) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

func (h *HealthStatus) IsHealthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.healthy
}

func (h *HealthStatus) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// probe returns a Handler reporting status as 200 or 503.
func probe(check func() bool, up, down string) Handler {
	return func(ctx context.Context, r *http.Request) Response {
		if check() {
			return JSON(http.StatusOK, map[string]string{"status": up})
		}
		return JSON(http.StatusServiceUnavailable, map[string]string{"status": down})
	}
}

// healthRoutes are served by the health server. They go through Mount like
// application routes, without middleware.
func healthRoutes(status *HealthStatus) []Route {
	return []Route{
		{Method: http.MethodGet, Path: "/health", Handler: probe(status.IsHealthy, "healthy", "unhealthy")},
		{Method: http.MethodGet, Path: "/ready", Handler: probe(status.IsReady, "ready", "not ready")},
	}
}

func startHealthServer(port string, status *HealthStatus, logger *slog.Logger) *http.Server {
	router := mux.NewRouter()
	if err := Mount(router, New(nil, WithLogger(logger)), healthRoutes(status)); err != nil {
		// Health routes carry no declarations, so this can't fail.
		panic(err)
	}

	server := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		logger.Info("starting health server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server error", "error", err.Error())
		}
	}()

	return server
}
