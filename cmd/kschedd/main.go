package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/e7canasta/ksched/internal/core"
)

const defaultConfigPath = "config/kschedd.yaml"

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	healthAddr := flag.String("health-addr", "", "Health server listen address (default: :<health_port> from config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Setup structured logger
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("starting kschedd",
		"config", *configPath,
		"debug", *debug,
	)

	os.Exit(run(*configPath, *healthAddr))
}

// run drives the service until a signal or a shutdown command and returns
// the process exit code.
func run(configPath, healthAddr string) int {
	svc, err := core.NewService(configPath)
	if err != nil {
		slog.Error("failed to create kschedd service", "error", err)
		return 1
	}

	// Health endpoints come up before the simulator so readiness can report 503
	if _, err := svc.StartHealthServer(healthAddr); err != nil {
		slog.Error("failed to start health check server", "error", err)
		return 1
	}

	// Cancelled by SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Run service in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- svc.Run(ctx) // Always send, even if nil
	}()

	// Wait for shutdown signal or error
	code := 0
	select {
	case <-ctx.Done():
		slog.Info("received shutdown signal")
	case err := <-errChan:
		if err != nil {
			slog.Error("service error", "error", err)
			code = 1
		} else {
			slog.Info("service stopped (via MQTT shutdown command)")
		}
	}
	stop()

	// Graceful shutdown, health server included
	shutdownTimeout := svc.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		return 1
	}

	slog.Info("kschedd stopped", "exit_code", code)
	return code
}
