package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/e7canasta/ksched/internal/emitter"
	"github.com/e7canasta/ksched/internal/trace"
)

// HealthStatus represents the health state of the service
type HealthStatus struct {
	Status        string `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds int64  `json:"uptime_seconds"`
	Tick          int64  `json:"tick"`
	CoresActive   int    `json:"cores_active"`
	CoresTotal    int    `json:"cores_total"`
	ThreadsAlive  int    `json:"threads_alive"`
	MQTTConnected bool   `json:"mqtt_connected"`
	EmitterHealth string `json:"emitter_health,omitempty"`
}

// HealthCheck returns the current health status of the service
func (s *Service) HealthCheck() HealthStatus {
	s.mu.RLock()
	running := s.isRunning
	started := s.started
	s.mu.RUnlock()

	st := s.sim.Status()
	status := HealthStatus{
		Status:     "healthy",
		Tick:       st.Tick,
		CoresTotal: len(st.Cores),
	}
	if running {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	for _, c := range st.Cores {
		if c.Active {
			status.CoresActive++
		}
	}
	for _, t := range st.Threads {
		if !t.Finalized {
			status.ThreadsAlive++
		}
	}

	if s.cfg.MQTT.Enabled {
		status.MQTTConnected = s.emitter.Stats().Connected
		status.EmitterHealth = s.sim.Bus().GetHealth(emitter.SubscriberID).String()
	}

	switch {
	case !running || !st.Running:
		status.Status = "unhealthy"
	case s.cfg.MQTT.Enabled && !status.MQTTConnected:
		status.Status = "degraded"
	case s.cfg.MQTT.Enabled && s.sim.Bus().GetHealth(emitter.SubscriberID) == trace.HealthSaturated:
		status.Status = "degraded"
	}
	return status
}

// LivenessHandler handles /health (simple liveness check)
func (s *Service) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()

	response := map[string]interface{}{
		"status": "alive",
		"tick":   s.sim.Tick(),
	}
	if !started.IsZero() {
		response["uptime"] = int64(time.Since(started).Seconds())
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// ReadinessHandler handles /readiness. Returns 503 until the simulator runs.
func (s *Service) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := s.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// StatusHandler handles /status with the full scheduler snapshot.
func (s *Service) StatusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(s.sim.Status())
}

// Handler returns the health mux.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.LivenessHandler)
	mux.HandleFunc("/readiness", s.ReadinessHandler)
	mux.HandleFunc("/status", s.StatusHandler)
	return mux
}

// StartHealthServer binds addr and serves the health endpoints in the
// background. An empty addr uses the configured health port. The server is
// stopped by Shutdown.
func (s *Service) StartHealthServer(addr string) (net.Addr, error) {
	if addr == "" {
		addr = ":" + strconv.Itoa(s.cfg.HealthPort)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.health != nil {
		return nil, fmt.Errorf("health server already started")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	server := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.health = server

	slog.Info("starting health check server",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/health", "/readiness", "/status"},
	)

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health check server failed", "error", err)
		}
	}()
	return ln.Addr(), nil
}

// stopHealthServer shuts the health server down, closing it outright when
// ctx expires first.
func (s *Service) stopHealthServer(ctx context.Context) {
	s.mu.Lock()
	server := s.health
	s.health = nil
	s.mu.Unlock()
	if server == nil {
		return
	}

	slog.Info("stopping health check server")
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("health server shutdown failed", "error", err)
		server.Close()
	}
}
