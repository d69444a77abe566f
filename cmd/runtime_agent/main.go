package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/otprelay/golang_services/internal/platform/config"
	"github.com/otprelay/golang_services/internal/platform/logger"
	"github.com/otprelay/golang_services/internal/runtime_agent/adapters/process"
	"github.com/otprelay/golang_services/internal/runtime_agent/adapters/websocket"
	"github.com/otprelay/golang_services/internal/runtime_agent/app"
)

const (
	serviceName     = "runtime_agent"
	shutdownTimeout = 5 * time.Second
)

func main() {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	cfg, err := config.Load(serviceName)
	if err != nil {
		slog.Error("Failed to load configuration", "service", serviceName, "error", err)
		os.Exit(1)
	}
	appLogger := logger.New(cfg.LogLevel).With("service", serviceName)
	appLogger.Info("Starting service...",
		"bridge_host_path", cfg.BridgeHostPath,
		"page_hub_addr", cfg.PageHubAddr,
		"allowed_origins", cfg.PageAllowedOrigins,
	)

	dialer := process.NewDialer(process.DialerConfig{
		Path:   cfg.BridgeHostPath,
		Args:   []string{"chrome-extension://" + cfg.AllowedExtensionID + "/"},
		Stderr: os.Stderr,
	}, appLogger)
	hub := websocket.NewHub(cfg.PageAllowedOrigins, appLogger)
	agent := app.NewAgent(app.AgentConfig{
		BaseDelay:     cfg.AgentBaseDelay,
		BackoffFactor: cfg.AgentBackoffFactor,
		MaxAttempts:   cfg.AgentMaxAttempts,
		PingInterval:  cfg.AgentPingInterval,
	}, dialer, hub, appLogger)

	httpServer := &http.Server{
		Addr:              cfg.PageHubAddr,
		Handler:           websocket.NewRouter(hub, agent),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, groupCtx := errgroup.WithContext(mainCtx)
	g.Go(func() error {
		return agent.Run(groupCtx)
	})
	g.Go(func() error {
		appLogger.Info("Page hub listening", "address", cfg.PageHubAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("Page hub server failed", "error", err)
			return err
		}
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var groupErr error
	select {
	case sig := <-sigCh:
		appLogger.Info("Received termination signal", "signal", sig.String())
	case groupErr = <-watchGroup(g):
		appLogger.Error("A critical component failed, initiating shutdown", "error", groupErr)
	}

	appLogger.Info("Attempting graceful shutdown...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Page hub shutdown failed", "error", err)
	}
	mainCancel()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error("Error during graceful shutdown of components", "error", err)
	}
	appLogger.Info("Service shutdown complete.")
}

// watchGroup is a helper to monitor an errgroup for early exit.
func watchGroup(g *errgroup.Group) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- g.Wait()
	}()
	return errCh
}
