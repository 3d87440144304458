package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/ksched/internal/config"
	"github.com/e7canasta/ksched/internal/control"
	"github.com/e7canasta/ksched/internal/emitter"
	"github.com/e7canasta/ksched/internal/sim"
)

// statusInterval is how often the status document is published.
const statusInterval = 10 * time.Second

// Service is the kschedd orchestrator: the simulator plus its MQTT event
// emitter, control plane and status publisher.
type Service struct {
	cfg *config.Config

	sim            *sim.Simulator
	emitter        *emitter.MQTTEmitter
	controlHandler *control.Handler
	health         *http.Server

	started   time.Time
	mu        sync.RWMutex
	isRunning bool
	cancelCtx context.CancelFunc // For MQTT shutdown command
	done      chan struct{}      // closed when Run returns
}

// NewService loads the configuration at configPath and builds the service.
func NewService(configPath string) (*Service, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("configuration loaded",
		"instance_id", cfg.InstanceID,
		"cores", cfg.Scheduler.Cores,
		"processes", len(cfg.Processes),
	)
	return NewServiceFromConfig(cfg)
}

// NewServiceFromConfig builds the service from a validated configuration.
func NewServiceFromConfig(cfg *config.Config) (*Service, error) {
	s, err := sim.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create simulator: %w", err)
	}

	return &Service{
		cfg:     cfg,
		sim:     s,
		emitter: emitter.NewMQTTEmitter(cfg),
	}, nil
}

// Simulator returns the underlying simulator.
func (s *Service) Simulator() *sim.Simulator { return s.sim }

// Run starts the service and blocks until ctx is cancelled or a component
// fails.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	ctx, cancel := context.WithCancel(ctx)
	s.cancelCtx = cancel
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()
	defer close(done)
	defer cancel()

	slog.Info("kschedd service starting",
		"instance_id", s.cfg.InstanceID,
		"run_id", s.sim.RunID(),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.sim.Run(ctx)
	})

	if s.cfg.MQTT.Enabled {
		if err := s.emitter.Connect(ctx); err != nil {
			cancel()
			g.Wait()
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}

		h := control.NewHandler(s.cfg, s.emitter.Client, control.CommandCallbacks{
			OnGetStatus:       s.getStatus,
			OnSuspendThread:   s.sim.SuspendThread,
			OnResumeThread:    s.sim.ResumeThread,
			OnSetPriority:     s.sim.SetPriority,
			OnSetCoreMask:     s.sim.SetCoreMask,
			OnTerminateThread: s.sim.TerminateThread,
			OnPinThread:       s.sim.PinThread,
			OnUnpinThread:     s.sim.UnpinThread,
			OnShutdown:        s.shutdownViaControl,
		})
		if err := h.Start(ctx); err != nil {
			cancel()
			g.Wait()
			return fmt.Errorf("failed to start control plane: %w", err)
		}
		s.mu.Lock()
		s.controlHandler = h
		s.mu.Unlock()

		g.Go(func() error {
			return s.emitter.Run(ctx, s.sim.Bus())
		})
		g.Go(func() error {
			s.publishStatus(ctx)
			return nil
		})
	} else {
		slog.Info("mqtt disabled, running without event emitter and control plane")
	}

	slog.Info("kschedd service running",
		"cores", s.cfg.Scheduler.Cores,
		"mqtt_enabled", s.cfg.MQTT.Enabled,
	)

	err := g.Wait()
	slog.Info("kschedd service run loop exiting")
	return err
}

// publishStatus periodically publishes the status document.
func (s *Service) publishStatus(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := json.Marshal(s.getStatus())
			if err != nil {
				slog.Error("failed to marshal status", "error", err)
				continue
			}
			if err := s.emitter.PublishStatus(payload); err != nil {
				slog.Debug("status not published", "error", err)
			}
		}
	}
}

// getStatus returns the status document answered to get_status.
func (s *Service) getStatus() map[string]interface{} {
	status := s.sim.StatusMap()

	s.mu.RLock()
	status["instance_id"] = s.cfg.InstanceID
	if s.isRunning {
		status["uptime_s"] = time.Since(s.started).Seconds()
	}
	s.mu.RUnlock()

	status["mqtt"] = s.emitter.Stats()
	status["trace_bus"] = s.sim.Bus().Stats()
	return status
}

// shutdownViaControl cancels Run; main performs the graceful shutdown.
func (s *Service) shutdownViaControl() error {
	s.mu.RLock()
	cancel := s.cancelCtx
	s.mu.RUnlock()

	if cancel == nil {
		return fmt.Errorf("service is not running")
	}
	slog.Info("shutdown requested via control plane")
	cancel()
	return nil
}

// Shutdown performs graceful shutdown of all components, the health server
// last.
func (s *Service) Shutdown(ctx context.Context) error {
	defer s.stopHealthServer(ctx)

	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	h := s.controlHandler
	s.controlHandler = nil
	cancel := s.cancelCtx
	done := s.done
	s.mu.Unlock()

	slog.Info("shutting down kschedd service")

	// Stop accepting commands before the simulator goes away.
	if h != nil {
		slog.Info("stopping control handler")
		if err := h.Stop(); err != nil {
			slog.Error("failed to stop control handler", "error", err)
		}
	}
	if cancel != nil {
		cancel()
	}

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("service did not stop: %w", ctx.Err())
	}

	if err := s.emitter.Disconnect(); err != nil {
		slog.Error("failed to disconnect mqtt", "error", err)
	}
	if err := s.sim.Close(); err != nil {
		slog.Error("failed to close trace bus", "error", err)
	}

	s.mu.Lock()
	uptime := time.Since(s.started)
	s.isRunning = false
	s.mu.Unlock()

	slog.Info("kschedd service shutdown complete",
		"uptime", uptime,
		"tick", s.sim.Tick(),
	)
	return nil
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (s *Service) ShutdownTimeout() time.Duration {
	timeout := time.Duration(s.cfg.ShutdownTimeoutS) * time.Second
	if timeout == 0 {
		return 5 * time.Second
	}
	return timeout
}
